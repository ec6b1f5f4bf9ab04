package queue

import (
	"context"
	"sort"
	"strings"
	"time"
)

const defaultName = "transit_queue"

// Key identifies one row. Item ids are unique per box only.
type Key struct {
	Box string `json:"box"`
	ID  string `json:"id"`
}

type Entry struct {
	Box      string
	ID       string
	Priority int64
	Value    []byte
	// Added defaults to the store clock when zero.
	Added time.Time
	// NextRun holds the row back from pops until it has passed.
	NextRun time.Time
}

type Record struct {
	Box       string    `json:"box"`
	ID        string    `json:"id"`
	Priority  int64     `json:"priority"`
	Added     time.Time `json:"added"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	Marker    string    `json:"marker,omitempty"`
	LeasedAt  time.Time `json:"leasedAt,omitempty"`
	CheckOuts int       `json:"checkOuts"`
	Value     []byte    `json:"value"`
}

func (r Record) Key() Key {
	return Key{Box: r.Box, ID: r.ID}
}

func (r Record) Leased() bool {
	return r.Marker != ""
}

// Batch is the result of a pop. Marker is empty when nothing was eligible.
type Batch struct {
	Marker  string
	Records []Record
}

func (b Batch) Empty() bool {
	return len(b.Records) == 0
}

func (b Batch) Keys() []Key {
	keys := make([]Key, 0, len(b.Records))
	for _, record := range b.Records {
		keys = append(keys, record.Key())
	}
	return keys
}

// Release returns one leased row to the queue. A nil Value keeps the stored bytes.
type Release struct {
	Key     Key
	NextRun time.Time
	Value   []byte
}

type Status struct {
	Total   int       `json:"totalItems"`
	Leased  int       `json:"leasedCount"`
	Oldest  time.Time `json:"oldestItemTimestamp"`
	NextRun time.Time `json:"nextRunTimestamp"`
}

func (s Status) Pending() int {
	return s.Total - s.Leased
}

type Store interface {
	Insert(ctx context.Context, entry Entry) error
	PopBatch(ctx context.Context, box string, max int) (Batch, error)
	PopBatchAcrossBoxes(ctx context.Context, max int) (Batch, error)
	CommitMarker(ctx context.Context, marker string) error
	CancelMarker(ctx context.Context, marker string) error
	Commit(ctx context.Context, marker string, keys ...Key) error
	Release(ctx context.Context, marker string, releases ...Release) error
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
	StatusForBox(ctx context.Context, box string) (Status, error)
	Records(ctx context.Context, box string) ([]Record, error)
	PendingBoxes(ctx context.Context) ([]string, error)
	Close() error
}

// Watcher is implemented by stores that can signal writes made by other processes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type Options struct {
	// Name is the SQL table or redis key prefix. File and memory stores ignore it.
	Name string
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = defaultName
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.Box) == "" || strings.TrimSpace(entry.ID) == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateMax(max int) error {
	if max <= 0 {
		return ErrInvalidInput
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// truncate keeps every backend at the millisecond precision the SQL columns store.
func truncate(t time.Time) time.Time {
	return fromMillis(toMillis(t))
}

func eligible(record Record, nowMs int64) bool {
	return record.Marker == "" && toMillis(record.NextRun) <= nowMs
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Added.Equal(b.Added) {
			return a.Added.Before(b.Added)
		}
		if a.Box != b.Box {
			return a.Box < b.Box
		}
		return a.ID < b.ID
	})
}

func statusOf(records []Record) Status {
	var status Status
	seenPending := false
	for _, record := range records {
		status.Total++
		if record.Leased() {
			status.Leased++
		} else if !seenPending || record.NextRun.Before(status.NextRun) {
			status.NextRun = record.NextRun
			seenPending = true
		}
		if status.Oldest.IsZero() || record.Added.Before(status.Oldest) {
			status.Oldest = record.Added
		}
	}
	return status
}

func cloneRecord(record Record) Record {
	record.Value = append([]byte(nil), record.Value...)
	return record
}
