// Package config loads the daemon configuration from environment
// variables with defaults, and owns the hot-reloaded threshold rule set.
package config

import (
	"os"
	"strconv"
	"time"
)

// DegradedMode selects the behavior when the shared store is unreachable.
// This is an explicit operational choice, never an assumed default path.
type DegradedMode string

const (
	// DegradedLocal falls back to the per-instance approximate counter.
	DegradedLocal DegradedMode = "local"
	// DegradedFailOpen lets traffic through when state is unavailable.
	DegradedFailOpen DegradedMode = "fail_open"
	// DegradedFailClosed throttles traffic when state is unavailable.
	DegradedFailClosed DegradedMode = "fail_closed"
)

// Config is the full daemon configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	Window       time.Duration // rolling rate window
	Threshold    float64       // default weighted requests per window
	PromoteAfter int           // consecutive violating windows before promotion
	DemoteAfter  int           // consecutive clean windows before demotion

	// ExtremeRateMultiple is the named fast-path rule: a rate at or above
	// Threshold*ExtremeRateMultiple jumps straight to Blocked. <= 0 disables.
	ExtremeRateMultiple float64

	VerdictTTL time.Duration // cached verdict validity
	GraceTTL   time.Duration // how long a stale verdict may stand in for a failed store read

	ThrottleTTL  time.Duration // enforced duration of a Throttled state
	ChallengeTTL time.Duration
	BlockTTL     time.Duration

	DecayPerSec  float64 // reputation points recovered toward neutral per second
	StoreTimeout time.Duration

	DegradedMode DegradedMode

	QueueSize int
	Workers   int

	AdminAddr   string
	JWTSecret   string
	RulesPath   string // optional JSON rule file, hot-reloaded
	JournalPath string // bbolt journal for mitigation generations

	EdgeAPIBase  string
	EdgeAPIToken string
	EdgeZoneID   string
}

// Load reads configuration from the environment, applying defaults that
// mirror the shipped deployment profile.
func Load() Config {
	return Config{
		RedisAddr:     getenv("DDOS_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("DDOS_REDIS_PASSWORD", ""),
		RedisDB:       getint("DDOS_REDIS_DB", 0),
		NATSURL:       getenv("NATS_URL", "127.0.0.1:4222"),

		Window:       getdur("DDOS_WINDOW", 60*time.Second),
		Threshold:    getfloat("DDOS_THRESHOLD", 100),
		PromoteAfter: getint("DDOS_PROMOTE_AFTER", 3),
		DemoteAfter:  getint("DDOS_DEMOTE_AFTER", 4),

		ExtremeRateMultiple: getfloat("DDOS_EXTREME_RATE_MULTIPLE", 10),

		VerdictTTL: getdur("DDOS_VERDICT_TTL", 5*time.Second),
		GraceTTL:   getdur("DDOS_GRACE_TTL", 30*time.Second),

		ThrottleTTL:  getdur("DDOS_THROTTLE_TTL", time.Minute),
		ChallengeTTL: getdur("DDOS_CHALLENGE_TTL", 5*time.Minute),
		BlockTTL:     getdur("DDOS_BLOCK_TTL", time.Hour),

		DecayPerSec:  getfloat("DDOS_DECAY_PER_SEC", 0.01),
		StoreTimeout: getdur("DDOS_STORE_TIMEOUT", 50*time.Millisecond),

		DegradedMode: DegradedMode(getenv("DDOS_DEGRADED_MODE", string(DegradedLocal))),

		QueueSize: getint("DDOS_QUEUE_SIZE", 8192),
		Workers:   getint("DDOS_WORKERS", 8),

		AdminAddr:   getenv("DDOS_ADMIN_ADDR", ":8080"),
		JWTSecret:   getenv("DDOS_JWT_SECRET", ""),
		RulesPath:   getenv("DDOS_RULES_PATH", ""),
		JournalPath: getenv("DDOS_JOURNAL_PATH", "ddos-journal.db"),

		EdgeAPIBase:  getenv("CLOUDFLARE_API_BASE", "https://api.cloudflare.com/client/v4"),
		EdgeAPIToken: getenv("CLOUDFLARE_API_TOKEN", ""),
		EdgeZoneID:   getenv("CLOUDFLARE_ZONE_ID", ""),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds, matching the legacy deployment env
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
