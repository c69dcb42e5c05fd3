package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("BACKEND_PORT", "")
	t.Setenv("JIT_CALL_TIMEOUT_MS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Requests.CallTimeout != 15*time.Second {
		t.Fatalf("unexpected call timeout %s", cfg.Requests.CallTimeout)
	}
	if cfg.Requests.IDPrefix != "jit-" {
		t.Fatalf("unexpected id prefix %q", cfg.Requests.IDPrefix)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected model %q", cfg.LLM.Model)
	}
	if !strings.HasSuffix(cfg.Scheduler.URL, "/scheduled_tasks") {
		t.Fatalf("unexpected scheduler url %q", cfg.Scheduler.URL)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KUBIYA_USER_EMAIL", " lead@example.com ")
	t.Setenv("APPROVING_USERS", "lead@example.com, ops@example.com,,")
	t.Setenv("BACKEND_URL", "redis.internal")
	t.Setenv("BACKEND_PORT", "6380")
	t.Setenv("BACKEND_DB", "not-a-number")
	t.Setenv("BACKEND_PASS", "secret")
	t.Setenv("JIT_POLICY_DEMO", "true")
	t.Setenv("JIT_ENFORCE_SOD", "true")
	t.Setenv("JIT_CALL_TIMEOUT_MS", "2500")
	t.Setenv("JIT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("JIT_GRANT_ROLE", " jit-sandbox ")
	t.Setenv("JIT_GATEWAY_CORS_ORIGINS", "https://console.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.UserEmail != "lead@example.com" {
		t.Fatalf("identity not trimmed: %q", cfg.Identity.UserEmail)
	}
	if !reflect.DeepEqual(cfg.Approval.Approvers, []string{"lead@example.com", "ops@example.com"}) {
		t.Fatalf("unexpected approvers %#v", cfg.Approval.Approvers)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 0 || cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected redis config %+v", cfg.Redis)
	}
	if !cfg.LLM.Demo || !cfg.Approval.EnforceSoD {
		t.Fatal("expected boolean flags to be parsed")
	}
	if cfg.Requests.CallTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected call timeout %s", cfg.Requests.CallTimeout)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected kafka/log config %+v %+v", cfg.Kafka, cfg.Log)
	}
	if cfg.AWS.AttachRole != "jit-sandbox" || len(cfg.Gateway.CORSOrigins) != 1 {
		t.Fatalf("unexpected aws/gateway config %+v %+v", cfg.AWS, cfg.Gateway)
	}
	if cfg.Gateway.IdempotencyTTL != time.Hour {
		t.Fatalf("unexpected idempotency ttl %s", cfg.Gateway.IdempotencyTTL)
	}
	if cfg.Gateway.ReconcileEvery != 5*time.Minute {
		t.Fatalf("unexpected reconcile interval %s", cfg.Gateway.ReconcileEvery)
	}
	if cfg.Gateway.RateLimit != 30 || cfg.Gateway.RateWindow != time.Minute || cfg.Gateway.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected gateway limits %+v", cfg.Gateway)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jit.yaml")
	if err := os.WriteFile(path, []byte("kubiya_user_org: acme\njit_request_prefix: acme-jit-\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JIT_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.Organization != "acme" || cfg.Requests.IDPrefix != "acme-jit-" {
		t.Fatalf("config file values not applied: %+v %+v", cfg.Identity, cfg.Requests)
	}

	t.Setenv("JIT_CONFIG_FILE", filepath.Join(dir, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateForSubmitAndApprove(t *testing.T) {
	t.Parallel()

	var cfg Config
	err := cfg.ValidateForSubmit()
	if !errors.Is(err, ErrMissing) || !strings.Contains(err.Error(), "KUBIYA_JIT_WEBHOOK") || !strings.Contains(err.Error(), "KUBIYA_USER_EMAIL") {
		t.Fatalf("expected both missing keys, got %v", err)
	}
	cfg.Identity.UserEmail = "lead@example.com"
	if err := cfg.ValidateForApprove(); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected missing approvers, got %v", err)
	}
	cfg.Approval.Approvers = []string{"lead@example.com"}
	if err := cfg.ValidateForApprove(); err != nil {
		t.Fatalf("expected valid approve config, got %v", err)
	}
	cfg.Webhook.URL = "https://hooks.example.com/jit"
	if err := cfg.ValidateForSubmit(); !errors.Is(err, ErrMissing) || !strings.Contains(err.Error(), "GPT_API_KEY") {
		t.Fatalf("expected missing model key, got %v", err)
	}
	cfg.LLM.Demo = true
	if err := cfg.ValidateForSubmit(); err != nil {
		t.Fatalf("demo mode should not need a model key, got %v", err)
	}
	cfg.LLM = LLM{APIKey: "sk-test"}
	if err := cfg.ValidateForSubmit(); err != nil {
		t.Fatalf("expected valid submit config, got %v", err)
	}
}

func TestValidateForGateway(t *testing.T) {
	t.Parallel()

	cfg := Config{Gateway: Gateway{JWTSecret: "s3cret"}}
	if err := cfg.ValidateForGateway(); !errors.Is(err, ErrMissing) || !strings.Contains(err.Error(), "KUBIYA_JIT_WEBHOOK") {
		t.Fatalf("expected missing webhook, got %v", err)
	}
	cfg.Webhook.URL = "https://hooks.example.com/jit"
	if err := cfg.ValidateForGateway(); err != nil {
		t.Fatalf("expected valid gateway config, got %v", err)
	}
}
