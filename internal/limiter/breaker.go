package limiter

import (
	"sync"
	"time"

	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// State is the circuit breaker state
type State int

// Breaker states
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the limiter's Redis circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration
}

// Breaker is a three-state circuit breaker guarding the limiter's Redis
// path. Closed sends every call to Redis; Open sends everything to the
// fallback; Half-open lets exactly one probe through. Generation counters
// keep a slow in-flight call from flipping state it did not observe.
type Breaker struct {
	config        BreakerConfig
	logger        observability.Logger
	onStateChange func(State)

	mu           sync.Mutex
	state        State
	failures     int
	probing      bool
	probeStarted time.Time
	lastFailure  time.Time
	generation   uint64
}

// NewBreaker creates a Breaker in the closed state. onStateChange may be
// nil; when set it is invoked outside the lock on every transition.
func NewBreaker(config BreakerConfig, logger observability.Logger, onStateChange func(State)) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		config:        config,
		logger:        logger,
		onStateChange: onStateChange,
	}
}

// Allow reports whether the Redis path may be attempted. The returned
// generation must be handed back to Record with the call's outcome.
func (b *Breaker) Allow() (uint64, bool) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		gen := b.generation
		b.mu.Unlock()
		return gen, true

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.transition(StateHalfOpen)
			b.probing = true
			b.probeStarted = time.Now()
			gen := b.generation
			b.mu.Unlock()
			b.notify(StateHalfOpen)
			return gen, true
		}
		gen := b.generation
		b.mu.Unlock()
		return gen, false

	case StateHalfOpen:
		// One probe at a time; everyone else stays on the fallback. A probe
		// whose outcome never came back is considered lost after a cooldown
		// and its slot is taken over.
		if b.probing && time.Since(b.probeStarted) < b.config.Cooldown {
			gen := b.generation
			b.mu.Unlock()
			return gen, false
		}
		b.probing = true
		b.probeStarted = time.Now()
		gen := b.generation
		b.mu.Unlock()
		return gen, true

	default:
		gen := b.generation
		b.mu.Unlock()
		return gen, false
	}
}

// Record reports the outcome of a Redis call admitted by Allow. Outcomes
// from a stale generation are dropped.
func (b *Breaker) Record(generation uint64, err error) {
	b.mu.Lock()

	if generation != b.generation {
		b.mu.Unlock()
		return
	}

	var changed State = -1
	if err == nil {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.transition(StateClosed)
			changed = StateClosed
			b.logger.Info("limiter circuit closed after successful probe", nil)
		}
	} else {
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.config.FailureThreshold {
				b.transition(StateOpen)
				changed = StateOpen
				b.logger.Error("limiter circuit opened", map[string]interface{}{
					"failures": b.failures,
					"cooldown": b.config.Cooldown.String(),
				})
			}
		case StateHalfOpen:
			b.transition(StateOpen)
			changed = StateOpen
			b.logger.Warn("limiter circuit reopened after failed probe", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	b.mu.Unlock()
	if changed >= 0 {
		b.notify(changed)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held
func (b *Breaker) transition(to State) {
	b.state = to
	b.failures = 0
	b.probing = false
	b.generation++
}

func (b *Breaker) notify(s State) {
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}
