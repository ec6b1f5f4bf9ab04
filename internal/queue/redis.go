package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisMaxTxRetries = 32

// RedisStore keeps each row as JSON in one hash. Per-box id sets and per-marker
// lease sets index it. Every mutation runs as an optimistic WATCH/MULTI
// transaction on the records hash and retries when another writer got there first.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	owned  bool
}

func NewRedisStore(client *redis.Client, opts Options) (*RedisStore, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	return &RedisStore{
		client: client,
		prefix: opts.Name,
		now:    opts.Now,
	}, nil
}

// NewRedisStoreFromURL parses a redis:// or rediss:// URL and owns the client it creates.
func NewRedisStoreFromURL(rawURL string, opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, errors.Join(ErrInvalidInput, err)
	}
	store, err := NewRedisStore(redis.NewClient(redisOpts), opts)
	if err != nil {
		return nil, err
	}
	store.owned = true
	return store, nil
}

// redisReader is the read surface shared by *redis.Client and *redis.Tx.
type redisReader interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) recordsKey() string { return s.prefix + ":records" }

func (s *RedisStore) boxesKey() string { return s.prefix + ":boxes" }

func (s *RedisStore) leasesKey() string { return s.prefix + ":leases" }

func (s *RedisStore) boxKey(box string) string { return s.prefix + ":box:" + box }

func (s *RedisStore) leaseKey(marker string) string { return s.prefix + ":lease:" + marker }

func redisField(key Key) string {
	return key.Box + "\x1f" + key.ID
}

func (s *RedisStore) Insert(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	key := Key{Box: entry.Box, ID: entry.ID}
	added := entry.Added
	if added.IsZero() {
		added = s.now()
	}
	record := Record{
		Box:      entry.Box,
		ID:       entry.ID,
		Priority: entry.Priority,
		Added:    truncate(added),
		NextRun:  truncate(entry.NextRun),
		Value:    append([]byte{}, entry.Value...),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return storageErr("insert", err)
	}
	return s.transact(ctx, "insert", func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, s.recordsKey(), redisField(key)).Result()
		if err != nil {
			return err
		}
		if exists {
			return &DuplicateItemError{Box: entry.Box, ID: entry.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.recordsKey(), redisField(key), data)
			pipe.SAdd(ctx, s.boxKey(entry.Box), entry.ID)
			pipe.SAdd(ctx, s.boxesKey(), entry.Box)
			return nil
		})
		return err
	})
}

func (s *RedisStore) PopBatch(ctx context.Context, box string, max int) (Batch, error) {
	return s.pop(ctx, box, false, max)
}

func (s *RedisStore) PopBatchAcrossBoxes(ctx context.Context, max int) (Batch, error) {
	return s.pop(ctx, "", true, max)
}

func (s *RedisStore) pop(ctx context.Context, box string, anyBox bool, max int) (Batch, error) {
	if err := validateMax(max); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.transact(ctx, "pop", func(tx *redis.Tx) error {
		batch = Batch{}
		var records []Record
		var err error
		if anyBox {
			records, err = s.loadAll(ctx, tx)
		} else {
			records, err = s.loadBox(ctx, tx, box)
		}
		if err != nil {
			return err
		}
		now := s.now()
		nowMs := toMillis(now)
		candidates := make([]Record, 0, len(records))
		for _, record := range records {
			if eligible(record, nowMs) {
				candidates = append(candidates, record)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sortRecords(candidates)
		if len(candidates) > max {
			candidates = candidates[:max]
		}
		marker := uuid.NewString()
		leasedAt := truncate(now)
		fields := make([]any, 0, len(candidates)*2)
		members := make([]any, 0, len(candidates))
		for i := range candidates {
			candidates[i].Marker = marker
			candidates[i].LeasedAt = leasedAt
			candidates[i].CheckOuts++
			data, err := json.Marshal(candidates[i])
			if err != nil {
				return err
			}
			field := redisField(candidates[i].Key())
			fields = append(fields, field, data)
			members = append(members, field)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.recordsKey(), fields...)
			pipe.SAdd(ctx, s.leaseKey(marker), members...)
			pipe.HSet(ctx, s.leasesKey(), marker, toMillis(leasedAt))
			return nil
		})
		if err != nil {
			return err
		}
		batch = Batch{Marker: marker, Records: candidates}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (s *RedisStore) CommitMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	return s.transact(ctx, "commit marker", func(tx *redis.Tx) error {
		leased, err := s.loadLease(ctx, tx, marker)
		if err != nil {
			return err
		}
		return s.applyLease(ctx, tx, marker, leased, leased, nil)
	})
}

func (s *RedisStore) CancelMarker(ctx context.Context, marker string) error {
	if marker == "" {
		return nil
	}
	return s.transact(ctx, "cancel marker", func(tx *redis.Tx) error {
		leased, err := s.loadLease(ctx, tx, marker)
		if err != nil {
			return err
		}
		releases := make([]Release, 0, len(leased))
		for _, record := range leased {
			releases = append(releases, Release{Key: record.Key(), NextRun: record.NextRun})
		}
		return s.applyLease(ctx, tx, marker, leased, nil, releasedRecords(leased, releases))
	})
}

func (s *RedisStore) Commit(ctx context.Context, marker string, keys ...Key) error {
	if marker == "" || len(keys) == 0 {
		return nil
	}
	return s.transact(ctx, "commit", func(tx *redis.Tx) error {
		leased, err := s.loadLease(ctx, tx, marker)
		if err != nil {
			return err
		}
		wanted := map[Key]struct{}{}
		for _, key := range keys {
			wanted[key] = struct{}{}
		}
		remove := make([]Record, 0, len(keys))
		for _, record := range leased {
			if _, ok := wanted[record.Key()]; ok {
				remove = append(remove, record)
			}
		}
		return s.applyLease(ctx, tx, marker, leased, remove, nil)
	})
}

func (s *RedisStore) Release(ctx context.Context, marker string, releases ...Release) error {
	if marker == "" || len(releases) == 0 {
		return nil
	}
	return s.transact(ctx, "release", func(tx *redis.Tx) error {
		leased, err := s.loadLease(ctx, tx, marker)
		if err != nil {
			return err
		}
		return s.applyLease(ctx, tx, marker, leased, nil, releasedRecords(leased, releases))
	})
}

func (s *RedisStore) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	recovered := 0
	err := s.transact(ctx, "recover", func(tx *redis.Tx) error {
		recovered = 0
		leases, err := tx.HGetAll(ctx, s.leasesKey()).Result()
		if err != nil {
			return err
		}
		cutoff := toMillis(s.now().Add(-olderThan))
		updates := make([]any, 0)
		expired := make([]string, 0)
		for marker, raw := range leases {
			leasedMs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || leasedMs >= cutoff {
				continue
			}
			leased, err := s.loadLease(ctx, tx, marker)
			if err != nil {
				return err
			}
			for _, record := range leased {
				record.Marker = ""
				record.LeasedAt = time.Time{}
				data, err := json.Marshal(record)
				if err != nil {
					return err
				}
				updates = append(updates, redisField(record.Key()), data)
				recovered++
			}
			expired = append(expired, marker)
		}
		if len(expired) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(updates) > 0 {
				pipe.HSet(ctx, s.recordsKey(), updates...)
			}
			for _, marker := range expired {
				pipe.Del(ctx, s.leaseKey(marker))
				pipe.HDel(ctx, s.leasesKey(), marker)
			}
			return nil
		})
		return err
	})
	return recovered, err
}

func (s *RedisStore) StatusForBox(ctx context.Context, box string) (Status, error) {
	records, err := s.loadBox(ctx, s.client, box)
	if err != nil {
		return Status{}, storageErr("status", err)
	}
	return statusOf(records), nil
}

func (s *RedisStore) Records(ctx context.Context, box string) ([]Record, error) {
	records, err := s.loadBox(ctx, s.client, box)
	if err != nil {
		return nil, storageErr("records", err)
	}
	sortRecords(records)
	return records, nil
}

func (s *RedisStore) PendingBoxes(ctx context.Context) ([]string, error) {
	boxes, err := s.client.SMembers(ctx, s.boxesKey()).Result()
	if err != nil {
		return nil, storageErr("boxes", err)
	}
	sort.Strings(boxes)
	return boxes, nil
}

func (s *RedisStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) transact(ctx context.Context, op string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < redisMaxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, s.recordsKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return storageErr(op, err)
	}
	return storageErr(op, errors.New("too many concurrent writers"))
}

// applyLease deletes the removed rows and rewrites the released ones. The lease
// set is dropped once nothing is left under the marker.
func (s *RedisStore) applyLease(ctx context.Context, tx *redis.Tx, marker string, leased, remove, release []Record) error {
	if len(remove) == 0 && len(release) == 0 {
		return nil
	}
	done := map[Key]struct{}{}
	for _, record := range remove {
		done[record.Key()] = struct{}{}
	}
	for _, record := range release {
		done[record.Key()] = struct{}{}
	}
	remainingInLease := 0
	for _, record := range leased {
		if _, ok := done[record.Key()]; !ok {
			remainingInLease++
		}
	}

	boxRemaining := map[string]int64{}
	for _, record := range remove {
		if _, ok := boxRemaining[record.Box]; ok {
			continue
		}
		count, err := tx.SCard(ctx, s.boxKey(record.Box)).Result()
		if err != nil {
			return err
		}
		boxRemaining[record.Box] = count
	}
	for _, record := range remove {
		boxRemaining[record.Box]--
	}

	updates := make([]any, 0, len(release)*2)
	for _, record := range release {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		updates = append(updates, redisField(record.Key()), data)
	}

	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, record := range remove {
			pipe.HDel(ctx, s.recordsKey(), redisField(record.Key()))
			pipe.SRem(ctx, s.boxKey(record.Box), record.ID)
			pipe.SRem(ctx, s.leaseKey(marker), redisField(record.Key()))
		}
		for box, remaining := range boxRemaining {
			if remaining <= 0 {
				pipe.SRem(ctx, s.boxesKey(), box)
			}
		}
		if len(updates) > 0 {
			pipe.HSet(ctx, s.recordsKey(), updates...)
			for _, record := range release {
				pipe.SRem(ctx, s.leaseKey(marker), redisField(record.Key()))
			}
		}
		if remainingInLease == 0 {
			pipe.Del(ctx, s.leaseKey(marker))
			pipe.HDel(ctx, s.leasesKey(), marker)
		}
		return nil
	})
	return err
}

func releasedRecords(leased []Record, releases []Release) []Record {
	byKey := map[Key]Release{}
	for _, rel := range releases {
		byKey[rel.Key] = rel
	}
	out := make([]Record, 0, len(releases))
	for _, record := range leased {
		rel, ok := byKey[record.Key()]
		if !ok {
			continue
		}
		record.Marker = ""
		record.LeasedAt = time.Time{}
		record.NextRun = truncate(rel.NextRun)
		if rel.Value != nil {
			record.Value = append([]byte{}, rel.Value...)
		}
		out = append(out, record)
	}
	return out
}

// loadLease returns the rows still leased under marker.
func (s *RedisStore) loadLease(ctx context.Context, cmd redisReader, marker string) ([]Record, error) {
	fields, err := cmd.SMembers(ctx, s.leaseKey(marker)).Result()
	if err != nil {
		return nil, err
	}
	records, err := s.loadFields(ctx, cmd, fields)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, record := range records {
		if record.Marker == marker {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *RedisStore) loadBox(ctx context.Context, cmd redisReader, box string) ([]Record, error) {
	ids, err := cmd.SMembers(ctx, s.boxKey(box)).Result()
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(ids))
	for _, id := range ids {
		fields = append(fields, redisField(Key{Box: box, ID: id}))
	}
	return s.loadFields(ctx, cmd, fields)
}

func (s *RedisStore) loadAll(ctx context.Context, cmd redisReader) ([]Record, error) {
	values, err := cmd.HGetAll(ctx, s.recordsKey()).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(values))
	for _, raw := range values {
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) loadFields(ctx context.Context, cmd redisReader, fields []string) ([]Record, error) {
	if len(fields) == 0 {
		return []Record{}, nil
	}
	values, err := cmd.HMGet(ctx, s.recordsKey(), fields...).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
