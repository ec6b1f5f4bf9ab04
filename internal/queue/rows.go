package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// rowset is the table engine shared by the memory and file stores.
type rowset map[Key]*Record

func (rs rowset) insert(entry Entry, now time.Time) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	key := Key{Box: entry.Box, ID: entry.ID}
	if _, exists := rs[key]; exists {
		return &DuplicateItemError{Box: entry.Box, ID: entry.ID}
	}
	added := entry.Added
	if added.IsZero() {
		added = now
	}
	rs[key] = &Record{
		Box:      entry.Box,
		ID:       entry.ID,
		Priority: entry.Priority,
		Added:    truncate(added),
		NextRun:  truncate(entry.NextRun),
		Value:    append([]byte(nil), entry.Value...),
	}
	return nil
}

func (rs rowset) pop(box string, anyBox bool, max int, now time.Time) Batch {
	nowMs := toMillis(now)
	candidates := make([]Record, 0)
	for _, record := range rs {
		if !anyBox && record.Box != box {
			continue
		}
		if eligible(*record, nowMs) {
			candidates = append(candidates, *record)
		}
	}
	if len(candidates) == 0 {
		return Batch{}
	}
	sortRecords(candidates)
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	marker := uuid.NewString()
	leasedAt := truncate(now)
	out := make([]Record, 0, len(candidates))
	for _, candidate := range candidates {
		record := rs[candidate.Key()]
		record.Marker = marker
		record.LeasedAt = leasedAt
		record.CheckOuts++
		out = append(out, cloneRecord(*record))
	}
	return Batch{Marker: marker, Records: out}
}

func (rs rowset) commitMarker(marker string) int {
	if marker == "" {
		return 0
	}
	removed := 0
	for key, record := range rs {
		if record.Marker == marker {
			delete(rs, key)
			removed++
		}
	}
	return removed
}

func (rs rowset) cancelMarker(marker string) int {
	if marker == "" {
		return 0
	}
	released := 0
	for _, record := range rs {
		if record.Marker == marker {
			record.Marker = ""
			record.LeasedAt = time.Time{}
			released++
		}
	}
	return released
}

func (rs rowset) commit(marker string, keys []Key) int {
	if marker == "" {
		return 0
	}
	removed := 0
	for _, key := range keys {
		record, ok := rs[key]
		if !ok || record.Marker != marker {
			continue
		}
		delete(rs, key)
		removed++
	}
	return removed
}

func (rs rowset) release(marker string, releases []Release) int {
	if marker == "" {
		return 0
	}
	released := 0
	for _, rel := range releases {
		record, ok := rs[rel.Key]
		if !ok || record.Marker != marker {
			continue
		}
		record.Marker = ""
		record.LeasedAt = time.Time{}
		record.NextRun = truncate(rel.NextRun)
		if rel.Value != nil {
			record.Value = append([]byte(nil), rel.Value...)
		}
		released++
	}
	return released
}

func (rs rowset) recover(cutoff time.Time) int {
	cutoffMs := toMillis(cutoff)
	recovered := 0
	for _, record := range rs {
		if record.Marker == "" {
			continue
		}
		if toMillis(record.LeasedAt) < cutoffMs {
			record.Marker = ""
			record.LeasedAt = time.Time{}
			recovered++
		}
	}
	return recovered
}

func (rs rowset) records(box string) []Record {
	out := make([]Record, 0)
	for _, record := range rs {
		if record.Box == box {
			out = append(out, cloneRecord(*record))
		}
	}
	sortRecords(out)
	return out
}

func (rs rowset) boxes() []string {
	seen := map[string]struct{}{}
	for _, record := range rs {
		seen[record.Box] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for box := range seen {
		out = append(out, box)
	}
	sort.Strings(out)
	return out
}

func (rs rowset) snapshot() []Record {
	out := make([]Record, 0, len(rs))
	for _, record := range rs {
		out = append(out, cloneRecord(*record))
	}
	sortRecords(out)
	return out
}

func rowsetFrom(records []Record) rowset {
	rs := make(rowset, len(records))
	for i := range records {
		record := records[i]
		rs[record.Key()] = &record
	}
	return rs
}
