package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/abtime"
)

const renewalTickerID = iota + 1

// Ticker is the part of a ticker the Scheduler needs. abtime tickers satisfy it.
type Ticker interface {
	Channel() <-chan time.Time
	Stop()
}

type SchedulerOptions struct {
	// Interval between checks. Defaults to 10 minutes.
	Interval time.Duration
	// Buffer is how close to expiry a credential must be before it is
	// refreshed. Defaults to 5 minutes.
	Buffer time.Duration
	// Target is the session duration requested on refresh. Defaults to 60 minutes.
	Target time.Duration
	// Timeout bounds each refresh call. Defaults to 10 seconds.
	Timeout time.Duration

	Clock  abtime.AbstractTime
	Logger *slog.Logger
}

// Scheduler keeps the identity provider session alive by refreshing it shortly
// before it expires. At most one check runs at a time, and once Stop has
// returned no tick-driven refresh is running or will start.
type Scheduler struct {
	source CredentialSource
	opts   SchedulerOptions
	clock  abtime.AbstractTime
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	gen     uint64
	ticker  Ticker
	cancel  context.CancelFunc
	checkMu sync.Mutex

	// Held for reading while a tick-driven refresh runs; Stop drains it.
	refreshMu sync.RWMutex
}

func NewScheduler(source CredentialSource, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 5 * time.Minute
	}
	if opts.Target <= 0 {
		opts.Target = 60 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = abtime.NewRealTime()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scheduler{
		source: source,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// Start begins periodic checks. It is a no-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.gen++
	gen := s.gen
	ticker := s.clock.NewTicker(s.opts.Interval, renewalTickerID)
	ctx, cancel := context.WithCancel(context.Background())
	s.ticker = ticker
	s.cancel = cancel

	s.logger.Debug("renewal scheduler started", "interval", s.opts.Interval)

	go s.loop(ctx, gen, ticker)
}

// Stop halts the scheduler. It is idempotent and safe to call concurrently.
// A refresh already in flight has its context cancelled, and Stop waits for
// it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	s.running = false
	s.gen++
	s.ticker.Stop()
	s.cancel()
	s.ticker = nil
	s.cancel = nil
	s.mu.Unlock()

	s.refreshMu.Lock()
	s.refreshMu.Unlock()

	s.logger.Debug("renewal scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, ticker Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Channel():
			if !s.current(gen) {
				return
			}
			s.check(ctx, gen)
		}
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

// Check runs one renewal check immediately and reports whether a refresh was
// attempted. Refresh failures are logged, never returned.
func (s *Scheduler) Check(ctx context.Context) bool {
	return s.check(ctx, 0)
}

func (s *Scheduler) check(ctx context.Context, gen uint64) bool {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	cred := s.source.Current()
	if cred == nil {
		return false
	}

	remaining := cred.ExpiresAt.Sub(s.clock.Now())
	if remaining >= s.opts.Buffer {
		return false
	}

	if gen != 0 {
		// Decide and register the refresh under the lock Stop takes, so Stop
		// either wins or waits for this refresh.
		s.mu.Lock()
		if !s.running || s.gen != gen || ctx.Err() != nil {
			s.mu.Unlock()
			return false
		}
		s.refreshMu.RLock()
		s.mu.Unlock()
		defer s.refreshMu.RUnlock()
	} else if ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	s.logger.Info("refreshing identity session",
		"user_id", cred.UserID,
		"remaining", remaining.Round(time.Second),
		"target", s.opts.Target,
	)

	if err := s.source.Refresh(ctx, s.opts.Target); err != nil {
		s.logger.Warn("identity session refresh failed", "error", err)
	}
	return true
}
