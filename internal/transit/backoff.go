package transit

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
	backoffJitterRatio = 0.2
)

// backoffDelay doubles base for every prior attempt, caps at max, then spreads
// the result by the jitter ratio using sample in [0,1].
func backoffDelay(base, max time.Duration, attempt int, sample float64) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return jitter(delay, backoffJitterRatio, sample)
}

func jitter(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if ratio <= 0 {
		return base
	}
	if ratio > 1 {
		ratio = 1
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// normalizeFailureCode folds free-form transport errors into a small set of reasons.
func normalizeFailureCode(errText string) string {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	if normalized == "" {
		return "unknown"
	}
	switch {
	case strings.Contains(normalized, "429"), strings.Contains(normalized, "rate limit"), strings.Contains(normalized, "too many requests"):
		return "rate_limited"
	case strings.Contains(normalized, "timeout"), strings.Contains(normalized, "timed out"), strings.Contains(normalized, "deadline exceeded"):
		return "timeout"
	case strings.Contains(normalized, "401"), strings.Contains(normalized, "unauthorized"):
		return "unauthorized"
	case strings.Contains(normalized, "403"), strings.Contains(normalized, "forbidden"):
		return "forbidden"
	case strings.Contains(normalized, "404"), strings.Contains(normalized, "not found"):
		return "not_found"
	case strings.Contains(normalized, "409"), strings.Contains(normalized, "conflict"):
		return "conflict"
	case strings.Contains(normalized, "500"), strings.Contains(normalized, "502"), strings.Contains(normalized, "503"), strings.Contains(normalized, "504"), strings.Contains(normalized, "internal server"), strings.Contains(normalized, "connection refused"):
		return "provider_unavailable"
	default:
		return "unknown"
	}
}

func statusReason(code int) string {
	reason := normalizeFailureCode(strconv.Itoa(code))
	if reason == "unknown" {
		return "http_" + strconv.Itoa(code)
	}
	return reason
}
