package monitor

import (
	"sync"
	"time"
)

// throttle levels, from healthy to one-block-at-a-time.
const (
	levelNormal = iota
	levelModerate
	levelAggressive
)

// consecutive timeouts promoted to one rate-limit event. A lone timeout
// is network weather; a run of them is the provider shedding load
// without saying so.
const timeoutPromotion = 3

// rolling window for the errors-per-minute signal.
const rateWindow = time.Minute

// ThrottleConfig carries the breaker knobs from the chain config.
type ThrottleConfig struct {
	Concurrency  int           // block-fetch parallelism at level normal
	BatchPause   time.Duration // inter-chunk pause at level normal
	Threshold    int           // consecutive errors that open the breaker
	PerMinuteCap int           // errors/min that open the breaker
	Cooldown     time.Duration
}

// Throttle tracks rate-limit pressure for one chain and answers two
// questions: how hard may the next pass push, and is the chain in
// breaker cooldown.
//
// Consecutive errors decrement on success rather than reset, so a
// provider that fails every other call still climbs toward the breaker.
type Throttle struct {
	cfg ThrottleConfig

	mu            sync.Mutex
	consecutive   int
	timeoutStreak int
	events        []time.Time
	openUntil     time.Time
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 2
	}
	return &Throttle{cfg: cfg}
}

// RecordSuccess decays the pressure counters.
func (t *Throttle) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consecutive > 0 {
		t.consecutive--
	}
	t.timeoutStreak = 0
}

// RecordRateLimit registers one throttling signal and opens the breaker
// when either limit trips.
func (t *Throttle) RecordRateLimit(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	t.timeoutStreak = 0
	t.events = append(t.events, now)
	t.prune(now)

	if t.consecutive >= t.cfg.Threshold || len(t.events) >= t.cfg.PerMinuteCap {
		t.openUntil = now.Add(t.cfg.Cooldown)
	}
}

// RecordTimeout registers a timeout; every timeoutPromotion-th in a row
// counts as a rate-limit event.
func (t *Throttle) RecordTimeout(now time.Time) {
	t.mu.Lock()
	t.timeoutStreak++
	promote := t.timeoutStreak%timeoutPromotion == 0
	t.mu.Unlock()
	if promote {
		t.RecordRateLimit(now)
	}
}

// IsOpen reports whether the breaker is holding the chain quiet. When
// the cooldown has lapsed the counters reset so the chain restarts at
// level normal.
func (t *Throttle) IsOpen(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openUntil.IsZero() {
		return false
	}
	if now.Before(t.openUntil) {
		return true
	}
	t.openUntil = time.Time{}
	t.consecutive = 0
	t.timeoutStreak = 0
	t.events = nil
	return false
}

// OpenUntil returns the cooldown deadline, zero when closed.
func (t *Throttle) OpenUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openUntil
}

// Consecutive returns the current consecutive-error count.
func (t *Throttle) Consecutive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// Plan returns the block-fetch concurrency and inter-chunk pause for
// the next pass, derated by recent rate-limit pressure:
//
//	>6 errors/min: one block at a time, at least a second between blocks
//	>3 errors/min: normal concurrency, half-second pauses
//	otherwise:     configured concurrency and pause
func (t *Throttle) Plan(now time.Time) (concurrent int, pause time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)

	switch t.level() {
	case levelAggressive:
		pause = time.Second
		if t.cfg.BatchPause > pause {
			pause = t.cfg.BatchPause
		}
		return 1, pause
	case levelModerate:
		return t.cfg.Concurrency, 500 * time.Millisecond
	default:
		return t.cfg.Concurrency, t.cfg.BatchPause
	}
}

func (t *Throttle) level() int {
	switch n := len(t.events); {
	case n > 6:
		return levelAggressive
	case n > 3:
		return levelModerate
	default:
		return levelNormal
	}
}

// prune drops events older than the rolling window. Callers hold mu.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(t.events) && t.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}

// ErrorsPerMinute returns the rolling-window error count.
func (t *Throttle) ErrorsPerMinute(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	return len(t.events)
}
