package llm

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaygw/relay/internal/catalog"
	"github.com/relaygw/relay/internal/domain/entity"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

type usageSample struct {
	at     time.Time
	tokens int
}

// rateCounter is the rolling usage state for one (provider, model) key.
type rateCounter struct {
	samples []usageSample
}

func (rc *rateCounter) prune(now time.Time) {
	cutoff := now.Add(-dayWindow)
	kept := rc.samples[:0]
	for _, s := range rc.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	rc.samples = kept
}

func (rc *rateCounter) totals(now time.Time, window time.Duration) (requests, tokens int) {
	cutoff := now.Add(-window)
	for _, s := range rc.samples {
		if s.at.After(cutoff) {
			requests++
			tokens += s.tokens
		}
	}
	return requests, tokens
}

// RateTracker is the process-wide accounting surface for per-model rate
// limits. It never delays; it only answers whether a projected call would
// exceed any active window. Zero limits mean "no limit on that window".
type RateTracker struct {
	mu       sync.Mutex
	counters map[string]*rateCounter

	now func() time.Time // test seam
}

// NewRateTracker creates an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{
		counters: make(map[string]*rateCounter),
		now:      time.Now,
	}
}

// Fits reports whether a call projecting projectedTokens would stay within
// every active window for the given limits.
func (t *RateTracker) Fits(key string, limits catalog.RateLimits, projectedTokens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc, ok := t.counters[key]
	if !ok {
		return true
	}
	now := t.now()
	rc.prune(now)

	minReq, minTok := rc.totals(now, minuteWindow)
	dayReq, dayTok := rc.totals(now, dayWindow)

	if limits.RPM > 0 && minReq+1 > limits.RPM {
		return false
	}
	if limits.TPM > 0 && minTok+projectedTokens > limits.TPM {
		return false
	}
	if limits.RPD > 0 && dayReq+1 > limits.RPD {
		return false
	}
	if limits.TPD > 0 && dayTok+projectedTokens > limits.TPD {
		return false
	}
	return true
}

// Commit records one completed request's actual token usage.
func (t *RateTracker) Commit(key string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc, ok := t.counters[key]
	if !ok {
		rc = &rateCounter{}
		t.counters[key] = rc
	}
	now := t.now()
	rc.samples = append(rc.samples, usageSample{at: now, tokens: tokens})
	rc.prune(now)
}

// --- Token estimation ---

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the prompt token count of a message list.
// Uses the cl100k_base encoding as a vendor-neutral yardstick; when the
// encoding is unavailable (offline without a cached BPE file), falls back
// to a bytes/4 heuristic. Estimates feed rate projection only, so rough
// is fine.
func EstimateTokens(messages []entity.Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	// Per-message envelope overhead for the chat format.
	const perMessage = 4

	total := 0
	for _, m := range messages {
		total += perMessage
		if encoding != nil {
			total += len(encoding.Encode(m.Content, nil, nil))
		} else {
			total += len(m.Content) / 4
		}
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)/4 + 16
		}
	}
	return total
}
