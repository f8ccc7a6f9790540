package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRuleSetDefaultOnly(t *testing.T) {
	rs := NewRuleSet(100)
	r := rs.Match(map[string]string{"path": "login"})
	if r.Name != "default" || r.Threshold != 100 {
		t.Fatalf("unexpected rule: %+v", r)
	}
}

func TestRuleSetPriorityOrder(t *testing.T) {
	rs := NewRuleSet(100)
	rs.install([]Rule{
		{Name: "login", Priority: 10, TagKey: "path", TagValue: "login", Threshold: 10},
		{Name: "any-path", Priority: 20, TagKey: "path", Threshold: 50},
		{Name: "default", Priority: 1 << 30, Threshold: 100},
	})

	if r := rs.Match(map[string]string{"path": "login"}); r.Name != "login" {
		t.Fatalf("expected login rule, got %q", r.Name)
	}
	if r := rs.Match(map[string]string{"path": "search"}); r.Name != "any-path" {
		t.Fatalf("expected any-path rule, got %q", r.Name)
	}
	if r := rs.Match(map[string]string{"method": "GET"}); r.Name != "default" {
		t.Fatalf("expected default rule, got %q", r.Name)
	}
	if r := rs.Match(nil); r.Name != "default" {
		t.Fatalf("expected default rule for nil tags, got %q", r.Name)
	}
}

func TestRuleSetLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	content := `[{"name":"login","priority":1,"tag_key":"path","tag_value":"login","threshold":20}]`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	rs := NewRuleSet(100)
	if err := rs.LoadFile(path, 100); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if r := rs.Match(map[string]string{"path": "login"}); r.Threshold != 20 {
		t.Fatalf("expected threshold 20, got %v", r.Threshold)
	}
	// the default rule is always appended
	if r := rs.Match(nil); r.Name != "default" || r.Threshold != 100 {
		t.Fatalf("default rule missing: %+v", r)
	}
}

func TestRuleSetLoadFileRejectsBadThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(`[{"name":"x","threshold":0}]`), 0600); err != nil {
		t.Fatal(err)
	}
	rs := NewRuleSet(100)
	if err := rs.LoadFile(path, 100); err == nil {
		t.Fatal("expected error for zero threshold")
	}
	// previous set stays active
	if r := rs.Match(nil); r.Name != "default" {
		t.Fatalf("active set was clobbered: %+v", r)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Threshold != 100 {
		t.Fatalf("expected default threshold 100, got %v", cfg.Threshold)
	}
	if cfg.PromoteAfter != 3 || cfg.DemoteAfter != 4 {
		t.Fatalf("unexpected hysteresis defaults: %d/%d", cfg.PromoteAfter, cfg.DemoteAfter)
	}
	if cfg.DegradedMode != DegradedLocal {
		t.Fatalf("expected local degraded mode default, got %q", cfg.DegradedMode)
	}
}

func TestGetdurBareSeconds(t *testing.T) {
	t.Setenv("DDOS_WINDOW", "120")
	cfg := Load()
	if cfg.Window.Seconds() != 120 {
		t.Fatalf("expected 120s window, got %v", cfg.Window)
	}
}
