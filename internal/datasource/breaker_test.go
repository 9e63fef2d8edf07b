package datasource

import (
	"testing"
	"time"

	"github.com/pitabwire/opgraph/internal/config"
)

// fakeClock drives a breaker's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *fakeClock, *[]BreakerState) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	var changes []BreakerState
	b := NewBreaker(cfg, func(_, to BreakerState) { changes = append(changes, to) })
	b.now = clock.now
	b.windowStart = clock.now()
	return b, clock, &changes
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})
	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if !b.Allow() {
		t.Error("Allow() = false, want true")
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if b.Allow() {
		t.Error("Allow() = true on open breaker")
	}
	if len(*changes) != 1 || (*changes)[0] != BreakerOpen {
		t.Errorf("changes = %v, want [open]", *changes)
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_halfOpenAfterTimeout(t *testing.T) {
	b, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
	})

	b.Failure()
	clock.advance(500 * time.Millisecond)
	if b.Allow() {
		t.Fatal("Allow() = true before open timeout")
	}

	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after open timeout")
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 probe success = %v, want half-open", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 probe successes = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock, changes := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	b.Failure()
	clock.advance(2 * time.Second)
	b.Allow()
	b.Failure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen}
	if len(*changes) != len(want) {
		t.Fatalf("changes = %v, want %v", *changes, want)
	}
	for i := range want {
		if (*changes)[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, (*changes)[i], want[i])
		}
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// 5 successes and 4 failures: below the sample minimum.
	for i := 0; i < 5; i++ {
		b.Success()
	}
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed below sample minimum", s)
	}

	b.Failure() // 5/10 failed
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% error rate", s)
	}
}

func TestBreaker_errorRateWindowRolls(t *testing.T) {
	b, clock, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.9,
		ErrorRateWindow:    time.Minute,
	})

	for i := 0; i < 8; i++ {
		b.Failure()
		b.Success()
	}
	if rate, total := b.ErrorRate(); total != 16 || rate != 0.5 {
		t.Fatalf("ErrorRate() = %v, %d; want 0.5, 16", rate, total)
	}

	clock.advance(2 * time.Minute)
	if _, total := b.ErrorRate(); total != 0 {
		t.Errorf("window total after roll = %d, want 0", total)
	}
}

func TestBreaker_defaults(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{}, nil)
	if b.settings.failureThreshold != 5 || b.settings.successThreshold != 2 || b.settings.openTimeout != 30*time.Second {
		t.Errorf("settings = %+v", b.settings)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerHalfOpen:  "half-open",
		BreakerOpen:      "open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
