package mitigation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCloudflareGatewayUpsertCachesRuleID(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header %q", got)
		}
		var rules []cfRule
		if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(rules) != 1 || rules[0].Filter.Expression != "ip.src eq 1.2.3.4" {
			t.Errorf("rules %+v", rules)
		}
		posts.Add(1)
		json.NewEncoder(w).Encode(cfResponse{Success: true, Result: []cfRule{{ID: "rule-1"}}})
	}))
	defer srv.Close()

	g := NewCloudflareGateway(srv.URL, "test-token", "zone-1")
	ctx := context.Background()

	if err := g.UpsertBlockRule(ctx, "1.2.3.4", time.Hour); err != nil {
		t.Fatal(err)
	}
	// second upsert hits the rule-id cache, no API call
	if err := g.UpsertBlockRule(ctx, "1.2.3.4", time.Hour); err != nil {
		t.Fatal(err)
	}
	if n := posts.Load(); n != 1 {
		t.Fatalf("POST count %d, want 1", n)
	}
}

func TestCloudflareGatewayRemove(t *testing.T) {
	var deleted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			json.NewEncoder(w).Encode(cfResponse{Success: true, Result: []cfRule{{ID: "rule-1"}}})
		case http.MethodDelete:
			if !strings.HasSuffix(r.URL.Path, "/rule-1") {
				t.Errorf("delete path %s", r.URL.Path)
			}
			deleted.Add(1)
			json.NewEncoder(w).Encode(cfResponse{Success: true})
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))
	defer srv.Close()

	g := NewCloudflareGateway(srv.URL, "t", "zone-1")
	ctx := context.Background()

	// removing an unknown identity is a no-op, not an error
	if err := g.RemoveBlockRule(ctx, "9.9.9.9"); err != nil {
		t.Fatal(err)
	}
	if err := g.UpsertBlockRule(ctx, "1.2.3.4", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveBlockRule(ctx, "1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	if n := deleted.Load(); n != 1 {
		t.Fatalf("DELETE count %d, want 1", n)
	}
}

func TestCloudflareGatewayReconcile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cfResponse{Success: true, Result: []cfRule{
			{ID: "rule-1", Description: rulePrefix + "1.2.3.4"},
			{ID: "rule-2", Description: "operator: manual rule"},
		}})
	}))
	defer srv.Close()

	g := NewCloudflareGateway(srv.URL, "t", "zone-1")
	if err := g.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := g.ruleIDs["1.2.3.4"]; got != "rule-1" {
		t.Fatalf("managed rule not reconciled: %q", got)
	}
	if _, ok := g.ruleIDs["operator: manual rule"]; ok {
		t.Fatal("foreign rule picked up")
	}
}

func TestCloudflareGatewayServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewCloudflareGateway(srv.URL, "t", "zone-1")
	err := g.UpsertBlockRule(context.Background(), "1.2.3.4", time.Hour)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("got %v, want status error", err)
	}
}
