// Package config reads the daemon's settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Addr     string
	Identity string
	DataDir  string
	Profile  string

	OutboxDSN string
	InboxDSN  string
	DriveRoot string

	PeerSecret  string
	AdminSecret string
	PeersFile   string

	StokerInterval     time.Duration
	StokerStartupDelay time.Duration
	StokerSelfURL      string

	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	MaxAttempts int

	LeaseTimeout  time.Duration
	SweepInterval time.Duration
	InboxInterval time.Duration

	KafkaBrokers       []string
	KafkaTopic         string
	RedisDeadLetterURL string

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	LogLevel  string
	LogFormat string
}

// Load reads TRANSIT_* variables. Invalid numeric or duration values fall
// back to their defaults with a warning; structural problems are errors.
func Load(logger logrus.FieldLogger) (Config, error) {
	env := reader{logger: logger}
	cfg := Config{
		Addr:     env.str("TRANSIT_ADDR", ":8080"),
		Identity: strings.ToLower(env.str("TRANSIT_IDENTITY", "")),
		DataDir:  env.str("TRANSIT_DATA_DIR", ".peertransit"),
		Profile:  strings.ToLower(env.str("TRANSIT_BACKEND_PROFILE", "")),

		PeerSecret:  os.Getenv("TRANSIT_PEER_SECRET"),
		AdminSecret: os.Getenv("TRANSIT_ADMIN_SECRET"),
		PeersFile:   env.str("TRANSIT_PEERS", ""),

		StokerInterval:     env.duration("TRANSIT_STOKER_INTERVAL", 5*time.Second),
		StokerStartupDelay: env.duration("TRANSIT_STOKER_STARTUP_DELAY", 10*time.Second),
		StokerSelfURL:      env.str("TRANSIT_STOKER_SELF_URL", ""),

		BatchSize:   env.integer("TRANSIT_BATCH_SIZE", 25),
		Concurrency: env.integer("TRANSIT_CONCURRENCY", 4),
		SendTimeout: env.duration("TRANSIT_SEND_TIMEOUT", 30*time.Second),
		MaxAttempts: env.integer("TRANSIT_MAX_ATTEMPTS", 10),

		LeaseTimeout:  env.duration("TRANSIT_LEASE_TIMEOUT", 5*time.Minute),
		SweepInterval: env.duration("TRANSIT_SWEEP_INTERVAL", time.Minute),
		InboxInterval: env.duration("TRANSIT_INBOX_INTERVAL", 10*time.Second),

		KafkaBrokers:       splitList(os.Getenv("TRANSIT_KAFKA_BROKERS")),
		KafkaTopic:         env.str("TRANSIT_KAFKA_TOPIC", "peertransit.events"),
		RedisDeadLetterURL: env.str("TRANSIT_REDIS_DEADLETTER_URL", ""),

		RateLimitMax:    env.integer("TRANSIT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: env.duration("TRANSIT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    env.int64("TRANSIT_MAX_BODY_BYTES", 16<<20),

		LogLevel:  env.str("TRANSIT_LOG_LEVEL", "info"),
		LogFormat: env.str("TRANSIT_LOG_FORMAT", "text"),
	}
	if cfg.Identity == "" {
		return Config{}, fmt.Errorf("TRANSIT_IDENTITY is required")
	}

	outboxDefault, inboxDefault, err := profileDefaults(cfg.Profile, cfg.DataDir)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxDSN = env.str("TRANSIT_OUTBOX_DSN", outboxDefault)
	cfg.InboxDSN = env.str("TRANSIT_INBOX_DSN", inboxDefault)
	if cfg.OutboxDSN == "" || cfg.InboxDSN == "" {
		return Config{}, fmt.Errorf("TRANSIT_OUTBOX_DSN and TRANSIT_INBOX_DSN are required when TRANSIT_BACKEND_PROFILE=custom")
	}
	cfg.DriveRoot = env.str("TRANSIT_DRIVE_ROOT", filepath.Join(cfg.DataDir, "drives"))
	return cfg, nil
}

// profileDefaults returns the outbox and inbox DSNs a profile implies.
func profileDefaults(profile, dataDir string) (string, string, error) {
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "outbox.db"),
			"file://" + filepath.Join(dataDir, "inbox.json"),
			nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("TRANSIT_PRODUCTION_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("TRANSIT_POSTGRES_DSN"))
		}
		if dsn == "" {
			return "", "", fmt.Errorf("TRANSIT_PRODUCTION_DSN or TRANSIT_POSTGRES_DSN is required when TRANSIT_BACKEND_PROFILE=%s", profile)
		}
		return dsn, dsn, nil
	case "custom":
		return "", "", nil
	default:
		return "", "", fmt.Errorf("unsupported TRANSIT_BACKEND_PROFILE: %s", profile)
	}
}

type reader struct {
	logger logrus.FieldLogger
}

func (r reader) warn(name, raw string, fallback any) {
	if r.logger == nil {
		return
	}
	r.logger.WithField("variable", name).Warnf("invalid %s=%q, using fallback %v", name, raw, fallback)
}

func (r reader) str(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (r reader) integer(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (r reader) int64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (r reader) duration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
