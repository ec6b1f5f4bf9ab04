package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadRequiresIdentity(t *testing.T) {
	t.Setenv("TRANSIT_IDENTITY", "")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected missing identity to fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRANSIT_IDENTITY", "Alice.Example")
	t.Setenv("TRANSIT_BACKEND_PROFILE", "")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Identity != "alice.example" {
		t.Fatalf("expected lowercased identity, got %q", cfg.Identity)
	}
	if cfg.OutboxDSN != "memory://" || cfg.InboxDSN != "memory://" {
		t.Fatalf("expected memory queues by default, got %q %q", cfg.OutboxDSN, cfg.InboxDSN)
	}
	if cfg.StokerInterval != 5*time.Second || cfg.LeaseTimeout != 5*time.Minute || cfg.BatchSize != 25 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadDurableLocalProfile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRANSIT_IDENTITY", "alice.example")
	t.Setenv("TRANSIT_BACKEND_PROFILE", "durable-local")
	t.Setenv("TRANSIT_DATA_DIR", dir)
	t.Setenv("TRANSIT_INBOX_DSN", "redis://localhost:6379/0")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.OutboxDSN != "sqlite://"+filepath.Join(dir, "outbox.db") {
		t.Fatalf("unexpected outbox dsn %q", cfg.OutboxDSN)
	}
	if cfg.InboxDSN != "redis://localhost:6379/0" {
		t.Fatalf("expected explicit dsn to win, got %q", cfg.InboxDSN)
	}
	if cfg.DriveRoot != filepath.Join(dir, "drives") {
		t.Fatalf("unexpected drive root %q", cfg.DriveRoot)
	}
}

func TestLoadProductionProfileNeedsDSN(t *testing.T) {
	t.Setenv("TRANSIT_IDENTITY", "alice.example")
	t.Setenv("TRANSIT_BACKEND_PROFILE", "production")
	t.Setenv("TRANSIT_PRODUCTION_DSN", "")
	t.Setenv("TRANSIT_POSTGRES_DSN", "")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected production profile without dsn to fail")
	}
	t.Setenv("TRANSIT_POSTGRES_DSN", "postgres://u:p@db/transit")
	cfg, err := Load(nil)
	if err != nil || cfg.OutboxDSN != "postgres://u:p@db/transit" {
		t.Fatalf("expected postgres dsn, got %+v err=%v", cfg, err)
	}

	t.Setenv("TRANSIT_BACKEND_PROFILE", "custom")
	t.Setenv("TRANSIT_OUTBOX_DSN", "")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected custom profile without dsns to fail")
	}

	t.Setenv("TRANSIT_BACKEND_PROFILE", "floppy")
	if _, err := Load(nil); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestInvalidValuesFallBackWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	t.Setenv("TRANSIT_IDENTITY", "alice.example")
	t.Setenv("TRANSIT_BACKEND_PROFILE", "")
	t.Setenv("TRANSIT_BATCH_SIZE", "lots")
	t.Setenv("TRANSIT_SEND_TIMEOUT", "soon")
	t.Setenv("TRANSIT_MAX_BODY_BYTES", "big")
	t.Setenv("TRANSIT_KAFKA_BROKERS", "k1:9092, ,k2:9092")
	cfg, err := Load(logger)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BatchSize != 25 || cfg.SendTimeout != 30*time.Second || cfg.MaxBodyBytes != 16<<20 {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !strings.Contains(buf.String(), "TRANSIT_BATCH_SIZE") {
		t.Fatalf("expected warning for TRANSIT_BATCH_SIZE, got %q", buf.String())
	}
}
