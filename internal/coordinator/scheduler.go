package coordinator

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FastInterval is the poll interval used while executions are in flight or
// a full state refresh is outstanding.
const FastInterval = time.Second

// MaxInterval is the longest poll interval accepted from callers.
const MaxInterval = 24 * time.Hour

// IntervalFromSeconds converts a caller-supplied number of seconds to a poll
// interval, rejecting values outside [FastInterval, MaxInterval].
func IntervalFromSeconds(seconds float64) (time.Duration, error) {
	if math.IsNaN(seconds) || seconds < FastInterval.Seconds() || seconds > MaxInterval.Seconds() {
		return 0, fmt.Errorf("%w: %v seconds (allowed %s to %s)", ErrInvalidInterval, seconds, FastInterval, MaxInterval)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func checkInterval(d time.Duration) error {
	if d < FastInterval || d > MaxInterval {
		return fmt.Errorf("%w: %s (allowed %s to %s)", ErrInvalidInterval, d, FastInterval, MaxInterval)
	}
	return nil
}

// Mode is the scheduler's cadence.
type Mode int

// Scheduler modes.
const (
	// ModeNormal polls at the current (default or overridden) interval.
	ModeNormal Mode = iota

	// ModeFast polls at FastInterval.
	ModeFast
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "normal"
}

// Scheduler holds the poll interval.
//
// It is a pure state holder: the coordinator decides when to switch mode and
// the poller reads Interval and re-arms its timer on every Changes signal.
// Thread Safety: All methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.RWMutex
	def     time.Duration
	current time.Duration
	mode    Mode
	changes chan struct{}
}

// NewScheduler creates a scheduler in normal mode at the default interval.
func NewScheduler(def time.Duration) *Scheduler {
	if def <= 0 {
		def = 30 * time.Second
	}
	return &Scheduler{
		def:     def,
		current: def,
		mode:    ModeNormal,
		changes: make(chan struct{}, 1),
	}
}

// Interval returns the current poll interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Default returns the default poll interval.
func (s *Scheduler) Default() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// Mode returns the current cadence.
func (s *Scheduler) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetInterval overrides the current interval. An interval of FastInterval
// or less puts the scheduler in fast mode.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= FastInterval {
		s.EnterFast()
		return
	}
	s.set(d, ModeNormal)
}

// EnterFast switches to fast cadence.
func (s *Scheduler) EnterFast() {
	s.set(FastInterval, ModeFast)
}

// RestoreDefault returns to normal cadence at the default interval.
func (s *Scheduler) RestoreDefault() {
	s.mu.RLock()
	def := s.def
	s.mu.RUnlock()
	s.set(def, ModeNormal)
}

// SetDefault changes the default interval and applies it immediately.
func (s *Scheduler) SetDefault(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.def = d
	s.mu.Unlock()
	s.set(d, ModeNormal)
}

// Changes signals whenever the current interval changes. The channel has a
// buffer of one; bursts of changes coalesce into a single signal.
func (s *Scheduler) Changes() <-chan struct{} {
	return s.changes
}

func (s *Scheduler) set(d time.Duration, mode Mode) {
	s.mu.Lock()
	changed := s.current != d || s.mode != mode
	s.current = d
	s.mode = mode
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
