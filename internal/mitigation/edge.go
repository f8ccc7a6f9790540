// Package mitigation reconciles Blocked transitions with the edge
// network gateway. It consumes notifications from the decision engine,
// applies them idempotently with retries, and never feeds failures back
// into the decision path.
package mitigation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EdgeGateway is the enforcement interface at the edge. Both operations
// are idempotent from the caller's perspective: applying the same rule
// twice or removing a missing one is not an error.
type EdgeGateway interface {
	UpsertBlockRule(ctx context.Context, identity string, ttl time.Duration) error
	RemoveBlockRule(ctx context.Context, identity string) error
}

const rulePrefix = "ddos-protection:"

// CloudflareGateway manages zone firewall rules through the Cloudflare
// v4 API. Rule IDs are cached per identity so repeat upserts cost no API
// call; Reconcile rebuilds the cache from the zone at startup.
type CloudflareGateway struct {
	http  *http.Client
	base  string
	token string
	zone  string

	mu      sync.Mutex
	ruleIDs map[string]string // identity -> rule id
}

var _ EdgeGateway = (*CloudflareGateway)(nil)

func NewCloudflareGateway(base, token, zone string) *CloudflareGateway {
	return &CloudflareGateway{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    base,
		token:   token,
		zone:    zone,
		ruleIDs: make(map[string]string),
	}
}

type cfRule struct {
	ID          string   `json:"id,omitempty"`
	Ref         string   `json:"ref,omitempty"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Filter      cfFilter `json:"filter"`
}

type cfFilter struct {
	Expression string `json:"expression"`
}

type cfResponse struct {
	Success bool     `json:"success"`
	Result  []cfRule `json:"result"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Reconcile loads existing managed rules from the zone so restarts do not
// duplicate rules for identities blocked before the restart.
func (g *CloudflareGateway) Reconcile(ctx context.Context) error {
	var resp cfResponse
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("%s/zones/%s/firewall/rules?per_page=500", g.base, g.zone), nil, &resp); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range resp.Result {
		if len(r.Description) > len(rulePrefix) && r.Description[:len(rulePrefix)] == rulePrefix {
			g.ruleIDs[r.Description[len(rulePrefix):]] = r.ID
		}
	}
	return nil
}

func (g *CloudflareGateway) UpsertBlockRule(ctx context.Context, identity string, _ time.Duration) error {
	g.mu.Lock()
	_, exists := g.ruleIDs[identity]
	g.mu.Unlock()
	if exists {
		return nil
	}

	body := []cfRule{{
		Ref:         uuid.NewString(),
		Action:      "block",
		Description: rulePrefix + identity,
		Filter:      cfFilter{Expression: fmt.Sprintf("ip.src eq %s", identity)},
	}}
	var resp cfResponse
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("%s/zones/%s/firewall/rules", g.base, g.zone), body, &resp); err != nil {
		return err
	}
	if len(resp.Result) > 0 {
		g.mu.Lock()
		g.ruleIDs[identity] = resp.Result[0].ID
		g.mu.Unlock()
	}
	return nil
}

func (g *CloudflareGateway) RemoveBlockRule(ctx context.Context, identity string) error {
	g.mu.Lock()
	id, exists := g.ruleIDs[identity]
	g.mu.Unlock()
	if !exists {
		return nil
	}

	var resp cfResponse
	if err := g.do(ctx, http.MethodDelete, fmt.Sprintf("%s/zones/%s/firewall/rules/%s", g.base, g.zone, id), nil, &resp); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.ruleIDs, identity)
	g.mu.Unlock()
	return nil
}

func (g *CloudflareGateway) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("edge api: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return fmt.Errorf("edge api: status %d", res.StatusCode)
	}
	resp, ok := out.(*cfResponse)
	if !ok {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		return fmt.Errorf("edge api: decode: %w", err)
	}
	if !resp.Success {
		msg := "unknown error"
		if len(resp.Errors) > 0 {
			msg = resp.Errors[0].Message
		}
		return fmt.Errorf("edge api: %s", msg)
	}
	return nil
}

// NoopGateway is used when no edge credentials are configured; decisions
// stay local to this deployment.
type NoopGateway struct{}

var _ EdgeGateway = NoopGateway{}

func (NoopGateway) UpsertBlockRule(context.Context, string, time.Duration) error { return nil }
func (NoopGateway) RemoveBlockRule(context.Context, string) error                { return nil }
