package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// circuitState is one stage's breaker state — adapted from commbus/
// middleware.go's CircuitBreakerState, keyed by stage name instead of
// message type.
type circuitState struct {
	failures    int
	lastFailure time.Time
	state       string // "closed", "open", "half-open"
}

// CircuitBreakerMiddleware opens per-stage after FailureThreshold
// consecutive failures and half-opens after ResetTimeout, admitting
// calls until the next recorded outcome closes it (success) or reopens
// it (failure), like commbus/middleware.go's
// CircuitBreakerMiddleware but keyed by stage name instead of message
// type. Build the engine.Middleware with Middleware(); use Guard as a
// stage's Validate to actually refuse execution while open, since
// engine.Middleware itself has no pre-stage abort hook narrower than
// OnPipelineStart.
type CircuitBreakerMiddleware struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Excluded         []string

	mu     sync.Mutex
	states map[string]*circuitState
}

// NewCircuitBreakerMiddleware constructs a ready-to-use breaker.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excluded []string) *CircuitBreakerMiddleware {
	return &CircuitBreakerMiddleware{
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
		Excluded:         excluded,
		states:           make(map[string]*circuitState),
	}
}

func (m *CircuitBreakerMiddleware) excluded(stageName string) bool {
	for _, s := range m.Excluded {
		if s == stageName {
			return true
		}
	}
	return false
}

func (m *CircuitBreakerMiddleware) getState(stageName string) *circuitState {
	if _, ok := m.states[stageName]; !ok {
		m.states[stageName] = &circuitState{state: "closed"}
	}
	return m.states[stageName]
}

// GetStates returns a snapshot of every tracked stage's breaker state.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.states))
	for k, v := range m.states {
		out[k] = v.state
	}
	return out
}

// Reset clears breaker state for stageName, or for every stage if
// stageName is "".
func (m *CircuitBreakerMiddleware) Reset(stageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stageName == "" {
		m.states = make(map[string]*circuitState)
		return
	}
	delete(m.states, stageName)
}

// Guard fails the stage with ValidationFailed while its breaker is
// open, without consuming a retry attempt.
func (m *CircuitBreakerMiddleware) Guard(stageName string) engine.ValidateFunc {
	return func(ctx context.Context, ec *engine.Context) bool {
		if m.excluded(stageName) {
			return true
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		st := m.getState(stageName)
		if st.state == "open" && time.Since(st.lastFailure) >= m.ResetTimeout {
			st.state = "half-open"
		}
		return st.state != "open"
	}
}

// Middleware builds the engine.Middleware that records stage outcomes
// into this breaker's state.
func (m *CircuitBreakerMiddleware) Middleware() *engine.Middleware {
	return &engine.Middleware{
		Name: "circuitBreaker",
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			if m.excluded(stageName) {
				return
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			st := m.getState(stageName)

			if !result.Success {
				st.failures++
				st.lastFailure = time.Now()
				if st.state == "half-open" {
					st.state = "open"
				} else if m.FailureThreshold > 0 && st.failures >= m.FailureThreshold {
					st.state = "open"
				}
				return
			}
			st.failures = 0
			if st.state == "half-open" {
				st.state = "closed"
			}
		},
	}
}
