package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresStoreContract(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	runStoreContract(t, openPostgresForContract(dsn))
}

func openPostgresForContract(dsn string) storeOpener {
	return func(t *testing.T, opts Options) Store {
		opts.Name = postgresIntegrationTableName("peer_queue_it")
		store, err := NewPostgresStore(dsn, opts)
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		t.Cleanup(func() {
			postgresIntegrationDropTable(t, dsn, opts.Name)
		})
		return store
	}
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore("  ", Options{}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresPlaceholderRewrite(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/transit", Options{Name: "peer_outbox"})
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	got := store.q("DELETE FROM {table} WHERE marker = ? AND box = ? AND id = ?")
	want := `DELETE FROM "peer_outbox" WHERE marker = $1 AND box = $2 AND id = $3`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TRANSIT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TRANSIT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", sqlQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
