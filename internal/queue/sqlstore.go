package queue

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	// numbered rewrites ? placeholders as $1, $2, ...
	numbered   bool
	skipLocked bool
	blobType   string
	// advisoryLock serializes recovery sweeps across processes.
	advisoryLock bool
	configure    func(db *sql.DB)
}

// SQLStore is the queue over a single SQL table. The sqlite and postgres
// constructors differ only in dialect.
type SQLStore struct {
	dsn     string
	table   string
	dialect sqlDialect
	now     func() time.Time
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect, opts Options) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &SQLStore{
		dsn:     dsn,
		table:   opts.Name,
		dialect: dialect,
		now:     opts.Now,
		openDB:  sql.Open,
	}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = storageErr("open", err)
			return
		}
		if s.dialect.configure != nil {
			s.dialect.configure(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, stmt := range s.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = storageErr("migrate", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) schema() []string {
	table := sqlQuoteIdentifier(s.table)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				box TEXT NOT NULL,
				id TEXT NOT NULL,
				priority BIGINT NOT NULL,
				added_ms BIGINT NOT NULL,
				next_run_ms BIGINT NOT NULL DEFAULT 0,
				marker TEXT,
				leased_ms BIGINT NOT NULL DEFAULT 0,
				checkouts INTEGER NOT NULL DEFAULT 0,
				value %s NOT NULL,
				PRIMARY KEY (box, id)
			)`, table, s.dialect.blobType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (box, priority, added_ms)",
			sqlQuoteIdentifier(s.table+"_box_order_idx"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (marker)",
			sqlQuoteIdentifier(s.table+"_marker_idx"), table),
	}
}

func (s *SQLStore) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", sqlQuoteIdentifier(s.table))
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

func (s *SQLStore) Insert(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	added := entry.Added
	if added.IsZero() {
		added = s.now()
	}
	value := entry.Value
	if value == nil {
		value = []byte{}
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO {table} (box, id, priority, added_ms, next_run_ms, leased_ms, checkouts, value)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT (box, id) DO NOTHING`),
		entry.Box, entry.ID, entry.Priority, toMillis(added), toMillis(entry.NextRun), value)
	if err != nil {
		return storageErr("insert", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("insert", err)
	}
	if affected == 0 {
		return &DuplicateItemError{Box: entry.Box, ID: entry.ID}
	}
	return nil
}

func (s *SQLStore) PopBatch(ctx context.Context, box string, max int) (Batch, error) {
	return s.pop(ctx, box, false, max)
}

func (s *SQLStore) PopBatchAcrossBoxes(ctx context.Context, max int) (Batch, error) {
	return s.pop(ctx, "", true, max)
}

func (s *SQLStore) pop(ctx context.Context, box string, anyBox bool, max int) (Batch, error) {
	if err := validateMax(max); err != nil {
		return Batch{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Batch{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, storageErr("pop", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	nowMs := toMillis(s.now())
	where := "marker IS NULL AND next_run_ms <= ?"
	args := []any{nowMs}
	if !anyBox {
		where = "box = ? AND " + where
		args = append([]any{box}, args...)
	}
	args = append(args, max)
	selectQuery := "SELECT box, id FROM {table} WHERE " + where +
		" ORDER BY priority ASC, added_ms ASC, box ASC, id ASC LIMIT ?"
	if s.dialect.skipLocked {
		selectQuery += " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, s.q(selectQuery), args...)
	if err != nil {
		return Batch{}, storageErr("pop", err)
	}
	keys := make([]Key, 0, max)
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Box, &key.ID); err != nil {
			_ = rows.Close()
			return Batch{}, storageErr("pop", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Batch{}, storageErr("pop", err)
	}
	_ = rows.Close()
	if len(keys) == 0 {
		return Batch{}, nil
	}

	marker := uuid.NewString()
	leaseQuery := s.q(`
		UPDATE {table} SET marker = ?, leased_ms = ?, checkouts = checkouts + 1
		WHERE box = ? AND id = ? AND marker IS NULL`)
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, leaseQuery, marker, nowMs, key.Box, key.ID); err != nil {
			return Batch{}, storageErr("pop", err)
		}
	}
	records, err := s.queryRecords(ctx, tx, "marker = ?", marker)
	if err != nil {
		return Batch{}, storageErr("pop", err)
	}
	if err := tx.Commit(); err != nil {
		return Batch{}, storageErr("pop", err)
	}
	committed = true
	return Batch{Marker: marker, Records: records}, nil
}

func (s *SQLStore) CommitMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	return s.exec(ctx, "commit marker", "DELETE FROM {table} WHERE marker = ?", marker)
}

func (s *SQLStore) CancelMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	return s.exec(ctx, "cancel marker", "UPDATE {table} SET marker = NULL, leased_ms = 0 WHERE marker = ?", marker)
}

func (s *SQLStore) Commit(ctx context.Context, marker string, keys ...Key) error {
	if marker == "" || len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, "commit", func(ctx context.Context, tx *sql.Tx) error {
		query := s.q("DELETE FROM {table} WHERE marker = ? AND box = ? AND id = ?")
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, query, marker, key.Box, key.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Release(ctx context.Context, marker string, releases ...Release) error {
	if marker == "" || len(releases) == 0 {
		return nil
	}
	return s.inTx(ctx, "release", func(ctx context.Context, tx *sql.Tx) error {
		keepValue := s.q(`
			UPDATE {table} SET marker = NULL, leased_ms = 0, next_run_ms = ?
			WHERE marker = ? AND box = ? AND id = ?`)
		withValue := s.q(`
			UPDATE {table} SET marker = NULL, leased_ms = 0, next_run_ms = ?, value = ?
			WHERE marker = ? AND box = ? AND id = ?`)
		for _, rel := range releases {
			var err error
			if rel.Value != nil {
				_, err = tx.ExecContext(ctx, withValue, toMillis(rel.NextRun), rel.Value, marker, rel.Key.Box, rel.Key.ID)
			} else {
				_, err = tx.ExecContext(ctx, keepValue, toMillis(rel.NextRun), marker, rel.Key.Box, rel.Key.ID)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	recovered := 0
	err := s.inTx(ctx, "recover", func(ctx context.Context, tx *sql.Tx) error {
		if s.dialect.advisoryLock {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", sqlLockKey(s.table, "recover")); err != nil {
				return err
			}
		}
		cutoff := toMillis(s.now().Add(-olderThan))
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE {table} SET marker = NULL, leased_ms = 0
			WHERE marker IS NOT NULL AND leased_ms < ?`), cutoff)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recovered = int(affected)
		return nil
	})
	return recovered, err
}

func (s *SQLStore) StatusForBox(ctx context.Context, box string) (Status, error) {
	if err := s.ensureReady(); err != nil {
		return Status{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var total, leased, oldest, nextRun int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN marker IS NULL THEN 0 ELSE 1 END), 0),
			COALESCE(MIN(added_ms), 0),
			COALESCE(MIN(CASE WHEN marker IS NULL THEN next_run_ms END), 0)
		FROM {table} WHERE box = ?`), box).Scan(&total, &leased, &oldest, &nextRun)
	if err != nil {
		return Status{}, storageErr("status", err)
	}
	return Status{
		Total:   int(total),
		Leased:  int(leased),
		Oldest:  fromMillis(oldest),
		NextRun: fromMillis(nextRun),
	}, nil
}

func (s *SQLStore) Records(ctx context.Context, box string) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	records, err := s.queryRecords(ctx, s.db, "box = ?", box)
	if err != nil {
		return nil, storageErr("records", err)
	}
	return records, nil
}

func (s *SQLStore) PendingBoxes(ctx context.Context) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.q("SELECT DISTINCT box FROM {table} ORDER BY box"))
	if err != nil {
		return nil, storageErr("boxes", err)
	}
	defer rows.Close()
	boxes := []string{}
	for rows.Next() {
		var box string
		if err := rows.Scan(&box); err != nil {
			return nil, storageErr("boxes", err)
		}
		boxes = append(boxes, box)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("boxes", err)
	}
	return boxes, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) queryRecords(ctx context.Context, db sqlQueryer, where string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, s.q(`
		SELECT box, id, priority, added_ms, next_run_ms, marker, leased_ms, checkouts, value
		FROM {table} WHERE `+where+`
		ORDER BY priority ASC, added_ms ASC, box ASC, id ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		var record Record
		var added, nextRun, leasedAt int64
		var marker sql.NullString
		if err := rows.Scan(&record.Box, &record.ID, &record.Priority, &added, &nextRun, &marker, &leasedAt, &record.CheckOuts, &record.Value); err != nil {
			return nil, err
		}
		record.Added = fromMillis(added)
		record.NextRun = fromMillis(nextRun)
		record.LeasedAt = fromMillis(leasedAt)
		record.Marker = marker.String
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	committed = true
	return nil
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func sqlLockKey(table, scope string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(scope)))
	return int64(hasher.Sum64())
}
