package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrMissing = errors.New("missing required configuration")

// Config is built once at process start and handed to component constructors.
type Config struct {
	Identity  Identity
	Slack     Slack
	Approval  Approval
	Webhook   Webhook
	Scheduler Scheduler
	LLM       LLM
	AWS       AWS
	Redis     Redis
	Requests  Requests
	Audit     Audit
	Kafka     Kafka
	Log       Log
	Telemetry Telemetry
	Gateway   Gateway
}

// Identity is the invoking context supplied by the host runtime.
type Identity struct {
	UserEmail    string
	Organization string
	AgentProfile string
	AgentUUID    string
}

type Slack struct {
	Token           string
	APIURL          string
	ChannelID       string
	ThreadTS        string
	ApprovalChannel string
}

type Approval struct {
	Approvers  []string
	EnforceSoD bool
}

type Webhook struct {
	URL        string
	Retries    int
	RetryDelay time.Duration
}

type Scheduler struct {
	URL    string
	APIKey string
}

type LLM struct {
	APIKey   string
	Endpoint string
	Model    string
	Demo     bool
}

type AWS struct {
	Region string
	// AttachRole, when set, receives every granted policy.
	AttachRole string
}

type Redis struct {
	Addr             string
	Password         string
	DB               int
	TLS              bool
	RequireTLS       bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCACertFile    string
	TLSCertFile      string
	TLSKeyFile       string
}

type Requests struct {
	IDPrefix    string
	RecordGrace time.Duration
	CallTimeout time.Duration
}

type Audit struct {
	DatabaseURL string
	RequireTLS  bool
	HashSalt    string
	Redact      bool
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Log struct {
	Level  string
	Format string
}

type Telemetry struct {
	ServiceName string
	Endpoint    string
	Headers     string
	Insecure    bool
	Required    bool
	Timeout     time.Duration
	Sampler     string
	SamplerArg  string
}

type Gateway struct {
	Addr           string
	JWTSecret      string
	Issuer         string
	Audience       string
	CORSOrigins    []string
	StreamOrigins  []string
	IdempotencyTTL time.Duration
	RateLimit      int
	RateWindow     time.Duration
	MaxBodyBytes   int64
	// ReconcileEvery is how often the gateway refreshes its liability gauge.
	// Zero disables the loop.
	ReconcileEvery time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BACKEND_URL", "localhost")
	v.SetDefault("BACKEND_PORT", "6379")
	v.SetDefault("BACKEND_DB", 0)
	v.SetDefault("JIT_SCHEDULER_URL", "https://api.kubiya.ai/api/v1/scheduled_tasks")
	v.SetDefault("GPT_MODEL", "gpt-4o")
	v.SetDefault("JIT_REQUEST_PREFIX", "jit-")
	v.SetDefault("JIT_RECORD_GRACE_HOURS", 24)
	v.SetDefault("JIT_CALL_TIMEOUT_MS", 15000)
	v.SetDefault("JIT_WEBHOOK_RETRIES", 1)
	v.SetDefault("JIT_WEBHOOK_RETRY_DELAY_MS", 250)
	v.SetDefault("JIT_KAFKA_TOPIC", "jit-access-events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_SERVICE_NAME", "jit-access")
	v.SetDefault("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)
	v.SetDefault("JIT_GATEWAY_ADDR", ":8080")
	v.SetDefault("JIT_GATEWAY_IDEMPOTENCY_TTL_MIN", 60)
	v.SetDefault("JIT_GATEWAY_RATE_LIMIT", 30)
	v.SetDefault("JIT_GATEWAY_RATE_WINDOW_SEC", 60)
	v.SetDefault("JIT_GATEWAY_MAX_BODY_BYTES", 1<<20)
	v.SetDefault("JIT_GATEWAY_RECONCILE_INTERVAL_SEC", 300)
}

// Load reads the environment (and JIT_CONFIG_FILE when set) into a Config.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	setDefaults(v)
	if file := strings.TrimSpace(v.GetString("JIT_CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	dbIndex, err := strconv.Atoi(strings.TrimSpace(v.GetString("BACKEND_DB")))
	if err != nil {
		dbIndex = 0
	}
	cfg := Config{
		Identity: Identity{
			UserEmail:    trimmed(v, "KUBIYA_USER_EMAIL"),
			Organization: trimmed(v, "KUBIYA_USER_ORG"),
			AgentProfile: trimmed(v, "KUBIYA_AGENT_PROFILE"),
			AgentUUID:    trimmed(v, "KUBIYA_AGENT_UUID"),
		},
		Slack: Slack{
			Token:           trimmed(v, "SLACK_API_TOKEN"),
			APIURL:          trimmed(v, "SLACK_API_URL"),
			ChannelID:       trimmed(v, "SLACK_CHANNEL_ID"),
			ThreadTS:        trimmed(v, "SLACK_THREAD_TS"),
			ApprovalChannel: trimmed(v, "APPROVAL_SLACK_CHANNEL"),
		},
		Approval: Approval{
			Approvers:  SplitList(v.GetString("APPROVING_USERS")),
			EnforceSoD: v.GetBool("JIT_ENFORCE_SOD"),
		},
		Webhook: Webhook{
			URL:        trimmed(v, "KUBIYA_JIT_WEBHOOK"),
			Retries:    v.GetInt("JIT_WEBHOOK_RETRIES"),
			RetryDelay: time.Duration(v.GetInt("JIT_WEBHOOK_RETRY_DELAY_MS")) * time.Millisecond,
		},
		Scheduler: Scheduler{
			URL:    trimmed(v, "JIT_SCHEDULER_URL"),
			APIKey: trimmed(v, "JIT_API_KEY"),
		},
		LLM: LLM{
			APIKey:   trimmed(v, "GPT_API_KEY"),
			Endpoint: trimmed(v, "GPT_ENDPOINT"),
			Model:    trimmed(v, "GPT_MODEL"),
			Demo:     v.GetBool("JIT_POLICY_DEMO"),
		},
		AWS: AWS{
			Region:     trimmed(v, "AWS_REGION"),
			AttachRole: trimmed(v, "JIT_GRANT_ROLE"),
		},
		Redis: Redis{
			Addr:             net.JoinHostPort(trimmed(v, "BACKEND_URL"), trimmed(v, "BACKEND_PORT")),
			Password:         v.GetString("BACKEND_PASS"),
			DB:               dbIndex,
			TLS:              v.GetBool("REDIS_TLS"),
			RequireTLS:       v.GetBool("REDIS_REQUIRE_TLS"),
			TLSInsecure:      v.GetBool("REDIS_TLS_INSECURE"),
			AllowInsecureTLS: v.GetBool("REDIS_ALLOW_INSECURE_TLS"),
			TLSServerName:    trimmed(v, "REDIS_TLS_SERVER_NAME"),
			TLSCACertFile:    trimmed(v, "REDIS_TLS_CA_CERT_FILE"),
			TLSCertFile:      trimmed(v, "REDIS_TLS_CERT_FILE"),
			TLSKeyFile:       trimmed(v, "REDIS_TLS_KEY_FILE"),
		},
		Requests: Requests{
			IDPrefix:    v.GetString("JIT_REQUEST_PREFIX"),
			RecordGrace: time.Duration(v.GetInt("JIT_RECORD_GRACE_HOURS")) * time.Hour,
			CallTimeout: time.Duration(v.GetInt("JIT_CALL_TIMEOUT_MS")) * time.Millisecond,
		},
		Audit: Audit{
			DatabaseURL: trimmed(v, "JIT_AUDIT_DATABASE_URL"),
			RequireTLS:  v.GetBool("DATABASE_REQUIRE_TLS"),
			HashSalt:    v.GetString("AUDIT_HASH_SALT"),
			Redact:      v.GetBool("AUDIT_REDACT"),
		},
		Kafka: Kafka{
			Brokers: SplitList(v.GetString("JIT_KAFKA_BROKERS")),
			Topic:   trimmed(v, "JIT_KAFKA_TOPIC"),
		},
		Log: Log{
			Level:  strings.ToLower(trimmed(v, "LOG_LEVEL")),
			Format: strings.ToLower(trimmed(v, "LOG_FORMAT")),
		},
		Telemetry: Telemetry{
			ServiceName: trimmed(v, "OTEL_SERVICE_NAME"),
			Endpoint:    trimmed(v, "OTEL_EXPORTER_OTLP_ENDPOINT"),
			Headers:     v.GetString("OTEL_EXPORTER_OTLP_HEADERS"),
			Insecure:    v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			Required:    v.GetBool("OTEL_REQUIRED"),
			Timeout:     time.Duration(v.GetInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC")) * time.Second,
			Sampler:     trimmed(v, "OTEL_TRACES_SAMPLER"),
			SamplerArg:  trimmed(v, "OTEL_TRACES_SAMPLER_ARG"),
		},
		Gateway: Gateway{
			Addr:           trimmed(v, "JIT_GATEWAY_ADDR"),
			JWTSecret:      v.GetString("JIT_GATEWAY_JWT_SECRET"),
			Issuer:         trimmed(v, "JIT_GATEWAY_JWT_ISSUER"),
			Audience:       trimmed(v, "JIT_GATEWAY_JWT_AUDIENCE"),
			CORSOrigins:    SplitList(v.GetString("JIT_GATEWAY_CORS_ORIGINS")),
			StreamOrigins:  SplitList(v.GetString("JIT_GATEWAY_WS_ORIGINS")),
			IdempotencyTTL: time.Duration(v.GetInt("JIT_GATEWAY_IDEMPOTENCY_TTL_MIN")) * time.Minute,
			RateLimit:      v.GetInt("JIT_GATEWAY_RATE_LIMIT"),
			RateWindow:     time.Duration(v.GetInt("JIT_GATEWAY_RATE_WINDOW_SEC")) * time.Second,
			MaxBodyBytes:   v.GetInt64("JIT_GATEWAY_MAX_BODY_BYTES"),
			ReconcileEvery: time.Duration(v.GetInt("JIT_GATEWAY_RECONCILE_INTERVAL_SEC")) * time.Second,
		},
	}
	if cfg.Requests.CallTimeout <= 0 {
		cfg.Requests.CallTimeout = 15 * time.Second
	}
	if cfg.Requests.RecordGrace < 0 {
		cfg.Requests.RecordGrace = 0
	}
	if cfg.Webhook.Retries < 0 {
		cfg.Webhook.Retries = 0
	}
	if cfg.Gateway.RateWindow <= 0 {
		cfg.Gateway.RateWindow = time.Minute
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 1 << 20
	}
	if cfg.Gateway.ReconcileEvery < 0 {
		cfg.Gateway.ReconcileEvery = 0
	}
	return cfg, nil
}

// ValidateForSubmit checks what request_access needs before doing any work.
// The model key is only needed outside demo mode.
func (c Config) ValidateForSubmit() error {
	required := map[string]string{
		"KUBIYA_USER_EMAIL":  c.Identity.UserEmail,
		"KUBIYA_JIT_WEBHOOK": c.Webhook.URL,
	}
	if !c.LLM.Demo {
		required["GPT_API_KEY"] = c.LLM.APIKey
	}
	return requireAll(required)
}

// ValidateForGateway checks what jit-gateway needs to authenticate callers.
func (c Config) ValidateForGateway() error {
	return requireAll(map[string]string{
		"JIT_GATEWAY_JWT_SECRET": c.Gateway.JWTSecret,
		"KUBIYA_JIT_WEBHOOK":     c.Webhook.URL,
	})
}

// ValidateForApprove checks what approve needs before doing any work.
func (c Config) ValidateForApprove() error {
	if err := requireAll(map[string]string{"KUBIYA_USER_EMAIL": c.Identity.UserEmail}); err != nil {
		return err
	}
	if len(c.Approval.Approvers) == 0 {
		return fmt.Errorf("%w: APPROVING_USERS", ErrMissing)
	}
	return nil
}

func requireAll(values map[string]string) error {
	missing := []string{}
	for name, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}
