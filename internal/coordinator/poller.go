package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Poller defaults.
const (
	// DefaultRefreshInterval is how often a full state refresh is requested.
	DefaultRefreshInterval = 720 * time.Second

	// DefaultCycleTimeout bounds a single cycle.
	DefaultCycleTimeout = 20 * time.Second

	// MinRefreshInterval is the shortest full refresh interval accepted by
	// ApplySettings.
	MinRefreshInterval = time.Minute
)

// Settings are the polling settings that can change at runtime.
type Settings struct {
	// UpdateInterval is the default poll interval.
	UpdateInterval time.Duration

	// RefreshInterval is the full state refresh interval.
	// Zero or negative means the refresh timer is off.
	RefreshInterval time.Duration
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Coordinator runs the cycles. Required.
	Coordinator *Coordinator

	// RefreshInterval is the wall-clock interval for full state refreshes.
	// Zero uses DefaultRefreshInterval; negative disables the refresh timer
	// until ApplySettings sets one.
	RefreshInterval time.Duration

	// CycleTimeout bounds each cycle.
	// Default: 20 seconds.
	CycleTimeout time.Duration

	// Logger is optional.
	Logger Logger
}

// Poller is the outer scheduling loop.
//
// It runs a cycle every time the scheduler's current interval elapses and
// re-arms its timer whenever the interval changes. Independently, it asks
// for a full state refresh on its own interval. Cycles never overlap: both
// paths go through the coordinator's cycle lock.
//
// Poller is the only reader of the scheduler's Changes channel.
type Poller struct {
	coord        *Coordinator
	cycleTimeout time.Duration
	logger       Logger

	refreshMu       sync.Mutex
	refreshInterval time.Duration
	refreshChanges  chan struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPoller creates a poller. Call Start to begin polling.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	refresh := opts.RefreshInterval
	if refresh == 0 {
		refresh = DefaultRefreshInterval
	}
	timeout := opts.CycleTimeout
	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Poller{
		coord:           opts.Coordinator,
		cycleTimeout:    timeout,
		logger:          logger,
		refreshInterval: refresh,
		refreshChanges:  make(chan struct{}, 1),
		done:            make(chan struct{}),
	}, nil
}

// Start launches the poll and refresh loops.
//
// Parameters:
//   - ctx: Cancelling ctx stops the loops, like Stop
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.pollLoop(ctx)
	go p.refreshLoop(ctx)

	p.logger.Info("poller started",
		"interval", p.coord.Scheduler().Interval(),
		"refresh_interval", p.getRefreshInterval())
}

// Settings returns the current polling settings.
func (p *Poller) Settings() Settings {
	return Settings{
		UpdateInterval:  p.coord.Scheduler().Default(),
		RefreshInterval: p.getRefreshInterval(),
	}
}

// ApplySettings changes the polling settings. Zero fields are left as they
// are. A new update interval becomes the default and one cycle runs right
// away; a new refresh interval re-arms the refresh timer.
func (p *Poller) ApplySettings(ctx context.Context, s Settings) error {
	if s.UpdateInterval == 0 && s.RefreshInterval == 0 {
		return fmt.Errorf("%w: no setting given", ErrInvalidInterval)
	}
	if s.UpdateInterval != 0 {
		if err := checkInterval(s.UpdateInterval); err != nil {
			return err
		}
	}
	if s.RefreshInterval != 0 && (s.RefreshInterval < MinRefreshInterval || s.RefreshInterval > MaxInterval) {
		return fmt.Errorf("%w: refresh %s (allowed %s to %s)", ErrInvalidInterval, s.RefreshInterval, MinRefreshInterval, MaxInterval)
	}

	if s.RefreshInterval != 0 {
		p.setRefreshInterval(s.RefreshInterval)
	}
	if s.UpdateInterval != 0 {
		if err := p.coord.SetDefaultPollInterval(s.UpdateInterval); err != nil {
			return err
		}
	}

	current := p.Settings()
	p.logger.Info("polling settings applied",
		"interval", current.UpdateInterval,
		"refresh_interval", current.RefreshInterval)

	if s.UpdateInterval != 0 {
		if err := p.coord.RunCycle(ctx); err != nil {
			p.logCycleError("cycle after settings change failed", err)
		}
	}
	return nil
}

// setRefreshInterval stores d and wakes the refresh loop to re-arm.
func (p *Poller) setRefreshInterval(d time.Duration) {
	p.refreshMu.Lock()
	p.refreshInterval = d
	p.refreshMu.Unlock()
	select {
	case p.refreshChanges <- struct{}{}:
	default:
	}
}

func (p *Poller) getRefreshInterval() time.Duration {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()
	return p.refreshInterval
}

// Stop halts both timers and waits for an in-flight cycle to finish.
// In-flight cycles are not cancelled. Safe to call multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.logger.Info("poller stopped")
	})
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	sched := p.coord.Scheduler()
	timer := time.NewTimer(sched.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-sched.Changes():
			timer.Reset(sched.Interval())
		case <-timer.C:
			p.runCycle()
			timer.Reset(sched.Interval())
		}
	}
}

// refreshLoop holds no ticker while the refresh interval is off.
func (p *Poller) refreshLoop(ctx context.Context) {
	defer p.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	arm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d := p.getRefreshInterval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	arm()
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.refreshChanges:
			arm()
		case <-tick:
			p.runRefresh()
		}
	}
}

// runCycle uses its own context so Stop never cancels a cycle midway.
func (p *Poller) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cycleTimeout)
	defer cancel()

	if err := p.coord.RunCycle(ctx); err != nil {
		p.logCycleError("scheduled cycle failed", err)
	}
}

func (p *Poller) runRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cycleTimeout)
	defer cancel()

	if err := p.coord.RequestManualRefresh(ctx); err != nil {
		p.logCycleError("scheduled state refresh failed", err)
	}
}

func (p *Poller) logCycleError(msg string, err error) {
	if errors.Is(err, ErrNotSetUp) {
		p.logger.Warn(msg, "error", err)
		return
	}
	var failed *UpdateFailedError
	if errors.As(err, &failed) {
		p.logger.Debug(msg, "reason", failed.Reason, "error", failed.Err)
		return
	}
	p.logger.Error(msg, "error", err)
}
