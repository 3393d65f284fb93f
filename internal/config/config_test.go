package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conclave-sec/conclave/internal/council"
	"github.com/conclave-sec/conclave/internal/policy"
	"github.com/conclave-sec/conclave/internal/trust"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conclave.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7433 || cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Guardian.RateLimit != 30 || cfg.Guardian.RateWindowS != 60 {
		t.Errorf("guardian defaults not applied: %+v", cfg.Guardian)
	}
	if cfg.Council.RetentionDays != 30 {
		t.Errorf("council defaults not applied: %+v", cfg.Council)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
version: "1"
server:
  bind: 127.0.0.1
  port: 9000
  log_level: debug
db_path: /tmp/state.db
postgres_dsn: postgres://localhost/conclave
redis:
  addr: localhost:6379
  enabled: true
guardian:
  rate_limit: 10
  rate_window_s: 30
  enhanced:
    enabled: true
    timeout_ms: 250
tools:
  - id: read_file
    tier: READ_ONLY
    required_trust: standard
  - id: deploy
    tier: ADMIN
    required_trust: operator
    allowed_agents: [release-bot]
council:
  voters:
    alpha: {weight: 2, domains: [security]}
    beta: {weight: 1}
  retention_days: 14
  default_deadline_h: 48
overseer:
  min_coverage: 0.9
  scan_max_age_h: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Guardian.Enhanced.TimeoutMs != 250 {
		t.Errorf("enhanced timeout = %d", cfg.Guardian.Enhanced.TimeoutMs)
	}
	if got := cfg.Council.Voters["alpha"]; got.Weight != 2 || len(got.Domains) != 1 {
		t.Errorf("voter alpha = %+v", got)
	}

	policies, err := cfg.Policies()
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 2 {
		t.Fatalf("policies = %d, want 2", len(policies))
	}
	if policies[1].Tier != policy.TierAdmin || policies[1].RequiredTrust != trust.Operator {
		t.Errorf("deploy policy = %+v", policies[1])
	}
}

func TestValidateRejectsNonLoopbackBind(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Bind = "0.0.0.0"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("err = %v, want loopback rejection", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	if cfg.Validate() == nil {
		t.Fatal("port 0 accepted")
	}
	cfg.Server.Port = 70000
	if cfg.Validate() == nil {
		t.Fatal("port 70000 accepted")
	}
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	cfg := Defaults()
	cfg.Tools = []Tool{{ID: "x", Tier: "SUPER_ADMIN", RequiredTrust: "standard"}}
	if cfg.Validate() == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestValidateRejectsDuplicateToolIDs(t *testing.T) {
	cfg := Defaults()
	cfg.Tools = []Tool{
		{ID: "x", Tier: "READ_ONLY", RequiredTrust: "standard"},
		{ID: "x", Tier: "WRITE_SAFE", RequiredTrust: "standard"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate rejection", err)
	}
}

func TestValidateRejectsNonPositiveVoterWeight(t *testing.T) {
	cfg := Defaults()
	cfg.Council.Voters = map[string]council.Voter{"alpha": {Weight: 0}}
	if cfg.Validate() == nil {
		t.Fatal("zero voter weight accepted")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 9999
	cfg.Tools = []Tool{{ID: "read_file", Tier: "READ_ONLY", RequiredTrust: "standard"}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Server.Port != 9999 || len(got.Tools) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.yaml")
	link := filepath.Join(dir, "link.yaml")
	if err := os.WriteFile(target, []byte("version: \"1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(link); err == nil {
		t.Fatal("symlinked config accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing config accepted")
	}
}
