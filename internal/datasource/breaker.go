package datasource

import (
	"sync"
	"time"

	"github.com/pitabwire/opgraph/internal/config"
)

// BreakerState is the state of a namespace circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets requests through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
	// BreakerOpen rejects requests until the open timeout passes.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// Breaker trips a namespace open after consecutive failures or when the
// error rate of a tumbling window crosses a threshold. Open breakers move to
// half-open after a timeout; enough probe successes close them again, one
// probe failure reopens them. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	settings breakerSettings
	onChange func(from, to BreakerState)

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	now func() time.Time
}

type breakerSettings struct {
	failureThreshold   int
	successThreshold   int
	openTimeout        time.Duration
	errorRateThreshold float64
	errorRateWindow    time.Duration
}

// NewBreaker returns a closed breaker. Zero thresholds fall back to 5
// consecutive failures, 2 probe successes and a 30s open timeout. onChange,
// when non-nil, is called on every state transition with the lock released.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(from, to BreakerState)) *Breaker {
	s := breakerSettings{
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		openTimeout:        cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
	}
	if s.failureThreshold < 1 {
		s.failureThreshold = 5
	}
	if s.successThreshold < 1 {
		s.successThreshold = 2
	}
	if s.openTimeout <= 0 {
		s.openTimeout = 30 * time.Second
	}
	b := &Breaker{settings: s, onChange: onChange, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from, to, changed := b.refresh()
	allowed := b.state != BreakerOpen
	b.mu.Unlock()
	b.notify(from, to, changed)
	return allowed
}

// Success records a request that reached the data source and got a usable
// answer.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.settings.successThreshold {
			b.transition(BreakerClosed)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to, from != to)
}

// Failure records an infrastructure failure: connection errors, timeouts
// and 5xx answers.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.settings.failureThreshold || b.rateExceeded() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to, from != to)
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to, changed := b.refresh()
	st := b.state
	b.mu.Unlock()
	b.notify(from, to, changed)
	return st
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// refresh must be called with the lock held.
func (b *Breaker) refresh() (from, to BreakerState, changed bool) {
	from = b.state
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.settings.openTimeout {
		b.transition(BreakerHalfOpen)
	}
	return from, b.state, from != b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.successes = 0
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
		b.resetWindow()
	case BreakerClosed:
		b.failures = 0
		b.resetWindow()
	}
}

func (b *Breaker) notify(from, to BreakerState, changed bool) {
	if changed && b.onChange != nil {
		b.onChange(from, to)
	}
}

// count must be called with the lock held.
func (b *Breaker) count(failed bool) {
	if b.settings.errorRateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.settings.errorRateWindow > 0 && b.now().Sub(b.windowStart) > b.settings.errorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.settings.errorRateThreshold <= 0 || b.settings.errorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.settings.errorRateThreshold
}
