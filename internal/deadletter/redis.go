package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "transit:deadletters"

// RedisStreamSink appends entries to a capped redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = defaultStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func NewRedisStreamSinkFromURL(rawURL, stream string) (*RedisStreamSink, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	sink := NewRedisStreamSink(redis.NewClient(opts), stream, 0)
	sink.owned = true
	return sink, nil
}

func (s *RedisStreamSink) Record(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(stamp(entry))
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"queue": entry.Queue,
			"entry": string(payload),
		},
	}).Err()
}

func (s *RedisStreamSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStreamSink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
