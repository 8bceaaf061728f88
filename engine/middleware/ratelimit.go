package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// slidingWindow counts events in a trailing window using fixed
// sub-buckets, adapted from coreengine/kernel/rate_limiter.go's
// SlidingWindow (there: per-user/endpoint; here: one window per
// pipeline execution key).
type slidingWindow struct {
	window  time.Duration
	buckets int
	mu      sync.Mutex
	counts  map[int64]int
}

func newSlidingWindow(window time.Duration, buckets int) *slidingWindow {
	if buckets <= 0 {
		buckets = 10
	}
	return &slidingWindow{window: window, buckets: buckets, counts: make(map[int64]int)}
}

func (w *slidingWindow) bucketSize() time.Duration {
	return w.window / time.Duration(w.buckets)
}

func (w *slidingWindow) record(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := w.bucketSize()
	current := now.UnixNano() / int64(size)
	min := current - int64(w.buckets)
	for b := range w.counts {
		if b < min {
			delete(w.counts, b)
		}
	}
	w.counts[current]++
	return w.countLocked(current, min)
}

func (w *slidingWindow) countLocked(current, min int64) int {
	total := 0
	for b, c := range w.counts {
		if b >= min {
			total += c
		}
	}
	return total
}

// KeyFunc derives the rate-limit bucket key from an execution, e.g. a
// tenant ID stored in ec.Shared. A nil KeyFunc rate-limits the whole
// pipeline as a single key.
type KeyFunc func(ec *engine.Context) string

// RateLimit aborts the pipeline with ErrRateLimitExceeded once more
// than limit pipeline-starts are recorded for a key within window.
// Adapted from coreengine/kernel/rate_limiter.go's SlidingWindow
// algorithm, generalized from per-user/endpoint keys to an arbitrary
// KeyFunc.
func RateLimit(limit int, window time.Duration, keyFn KeyFunc) *engine.Middleware {
	var mu sync.Mutex
	windows := make(map[string]*slidingWindow)

	windowFor := func(key string) *slidingWindow {
		mu.Lock()
		defer mu.Unlock()
		w, ok := windows[key]
		if !ok {
			w = newSlidingWindow(window, 10)
			windows[key] = w
		}
		return w
	}

	return &engine.Middleware{
		Name: "rateLimit",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			key := ""
			if keyFn != nil {
				key = keyFn(ec)
			}
			count := windowFor(key).record(time.Now())
			if count > limit {
				return engine.NewError(engine.ErrRateLimitExceeded, "", nil)
			}
			return nil
		},
	}
}
