// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration parsed from environment
// variables. Every option recognized by the runtime is overridable by the
// upper-snake form of its name.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"orchestrator"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost" validate:"required"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379" validate:"gt=0"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`

	StreamName string `env:"STREAM_NAME" envDefault:"audit:events" validate:"required"`
	DLQStream  string `env:"DLQ_STREAM" envDefault:"audit:dlq" validate:"required"`

	// AgentName selects the worker identity; workers consume via the
	// `{agent}_workers` group unless CONSUMER_GROUP overrides it.
	AgentName string `env:"AGENT_NAME" envDefault:"dev_worker"`

	ConsumerGroup string `env:"CONSUMER_GROUP" envDefault:"orchestrator" validate:"required"`
	ConsumerName  string `env:"CONSUMER_NAME" envDefault:"consumer-1" validate:"required"`

	BlockMS       int `env:"BLOCK_MS" envDefault:"5000" validate:"gt=0"`
	IdleReclaimMS int `env:"IDLE_RECLAIM_MS" envDefault:"5000" validate:"gt=0"`
	ReclaimCount  int `env:"RECLAIM_COUNT" envDefault:"50" validate:"gt=0"`
	ReadCount     int `env:"READ_COUNT" envDefault:"10" validate:"gt=0"`

	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	DedupeTTLS  int `env:"DEDUPE_TTL_S" envDefault:"604800" validate:"gt=0"`

	LockTTLS         int `env:"LOCK_TTL_S" envDefault:"300" validate:"gt=0"`
	DispatchLockTTLS int `env:"DISPATCH_LOCK_TTL_S" envDefault:"30" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"audit" validate:"required"`

	// Agent manager phase timeouts (seconds).
	AnalyzeTimeoutS      int `env:"ANALYZE_TIMEOUT_S" envDefault:"600" validate:"gt=0"`
	ArchitectureTimeoutS int `env:"ARCHITECTURE_TIMEOUT_S" envDefault:"600" validate:"gt=0"`
	CodeTimeoutS         int `env:"CODE_TIMEOUT_S" envDefault:"900" validate:"gt=0"`
	ReviewTimeoutS       int `env:"REVIEW_TIMEOUT_S" envDefault:"300" validate:"gt=0"`
	ReviewMaxRetries     int `env:"REVIEW_MAX_RETRIES" envDefault:"3" validate:"gte=1"`

	SchemasDir  string `env:"SCHEMAS_DIR"`
	LedgerDir   string `env:"LEDGER_DIR" envDefault:"storage/audit_log"`
	JournalPath string `env:"JOURNAL_PATH" envDefault:".agent_manager_journal.jsonl"`
	RoutingFile string `env:"ROUTING_FILE"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// RedisAddr returns the host:port address of the Redis backend.
func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort) }

// Block is the maximum duration a group read blocks waiting for entries.
func (c Config) Block() time.Duration { return time.Duration(c.BlockMS) * time.Millisecond }

// IdleReclaim is the minimum idle time before a pending message is eligible
// for reclaim by a peer consumer.
func (c Config) IdleReclaim() time.Duration {
	return time.Duration(c.IdleReclaimMS) * time.Millisecond
}

// DedupeTTL bounds both the idempotence keys and the attempt-meta hashes. It
// must exceed the worst-case time a message may sit pending before reclaim.
func (c Config) DedupeTTL() time.Duration { return time.Duration(c.DedupeTTLS) * time.Second }

// LockTTL is the default TTL for backlog item locks.
func (c Config) LockTTL() time.Duration { return time.Duration(c.LockTTLS) * time.Second }

// DispatchLockTTL is the short TTL held around dispatching one backlog item.
func (c Config) DispatchLockTTL() time.Duration {
	return time.Duration(c.DispatchLockTTLS) * time.Second
}

// PhaseTimeout returns the wall-clock bound for a named workflow phase.
func (c Config) PhaseTimeout(phase string) time.Duration {
	switch strings.ToLower(phase) {
	case "analyse", "analyze":
		return time.Duration(c.AnalyzeTimeoutS) * time.Second
	case "architecture":
		return time.Duration(c.ArchitectureTimeoutS) * time.Second
	case "code":
		return time.Duration(c.CodeTimeoutS) * time.Second
	case "review":
		return time.Duration(c.ReviewTimeoutS) * time.Second
	default:
		return time.Duration(c.AnalyzeTimeoutS) * time.Second
	}
}

// IdempotencePrefix is the key prefix of the processed-event markers.
func (c Config) IdempotencePrefix() string { return "processed" }

// AttemptsPrefix is the key prefix of the per-message attempt hashes.
func (c Config) AttemptsPrefix() string { return "attempts" }

// TracePrefix is the stream prefix of the per-agent decision logs.
func (c Config) TracePrefix() string { return c.KeyPrefix + ":trace" }

// MetricsPrefix is the key prefix of the write-through metric mirrors.
func (c Config) MetricsPrefix() string { return c.KeyPrefix + ":metrics" }
