package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/abtime"
)

const backoffTimerID = iota + 100

type Options struct {
	Scheduler SchedulerOptions
	Logout    LogoutOptions

	// MaxAttempts bounds EnsureBackendSession retries on transient failures.
	// Defaults to 2.
	MaxAttempts int
	// Backoff is the delay before the second attempt, doubled after each
	// further one. Defaults to 500ms; negative disables the delay.
	Backoff time.Duration

	Clock  abtime.AbstractTime
	Logger *slog.Logger
}

// Synchronizer owns the client session state. It consumes credential events,
// drives the renewal scheduler and establishes the backend session on demand.
type Synchronizer struct {
	source    CredentialSource
	backend   *BackendClient
	scheduler *Scheduler
	logout    *LogoutCoordinator
	clock     abtime.AbstractTime
	logger    *slog.Logger

	maxAttempts int
	backoff     time.Duration

	dispatchMu sync.Mutex
	mu         sync.Mutex
	state      SyncState
	subs       map[int]func(SyncState)
	nextSub    int
}

func NewSynchronizer(source CredentialSource, backend *BackendClient, opts Options) *Synchronizer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = abtime.NewRealTime()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	} else if opts.Backoff == 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Scheduler.Clock == nil {
		opts.Scheduler.Clock = opts.Clock
	}
	if opts.Scheduler.Logger == nil {
		opts.Scheduler.Logger = opts.Logger
	}
	if opts.Logout.Logger == nil {
		opts.Logout.Logger = opts.Logger
	}

	s := &Synchronizer{
		source:      source,
		backend:     backend,
		scheduler:   NewScheduler(source, opts.Scheduler),
		clock:       opts.Clock,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		state:       InitialState(),
		subs:        make(map[int]func(SyncState)),
	}
	s.logout = NewLogoutCoordinator(s.scheduler, source, backend, func() {
		s.dispatch(LogoutCleared{})
		s.dispatch(LogoutCompleted{})
	}, opts.Logout)

	return s
}

// Run consumes credential events until ctx is done or the source closes its
// channel. The renewal scheduler is stopped on return.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.scheduler.Stop()

	events := s.source.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.logger.Debug("credential event", "kind", ev.Kind.String())
			s.dispatch(ev)
		}
	}
}

// State returns a snapshot of the current state.
func (s *Synchronizer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Credential = st.Credential.Clone()
	return st
}

// Subscribe registers fn for every state change, in order. fn runs on the
// dispatching goroutine and must not call Logout or EnsureBackendSession
// synchronously.
func (s *Synchronizer) Subscribe(fn func(SyncState)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Synchronizer) Scheduler() *Scheduler {
	return s.scheduler
}

func (s *Synchronizer) LogoutCoordinator() *LogoutCoordinator {
	return s.logout
}

func (s *Synchronizer) dispatch(ev Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, ev)
	s.state = next
	subs := make([]func(SyncState), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	switch {
	case next.Phase.Authenticated() && !prev.Phase.Authenticated():
		s.scheduler.Start()
	case !next.Phase.Authenticated() && prev.Phase.Authenticated():
		s.scheduler.Stop()
	}

	if prev.Phase != next.Phase {
		s.logger.Info("session state changed", "from", prev.Phase.String(), "to", next.Phase.String())
	}

	for _, fn := range subs {
		st := next
		st.Credential = next.Credential.Clone()
		fn(st)
	}
}

// EnsureBackendSession makes sure the backend recognizes this client. It
// probes first and establishes a session only when the probe is rejected.
// Transient failures are retried a bounded number of times. Concurrent
// callers are not serialized; each may establish, and the last cookie wins.
func (s *Synchronizer) EnsureBackendSession(ctx context.Context) error {
	delay := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.ensureOnce(ctx)
		if err == nil {
			s.dispatch(BackendEstablished{})
			return nil
		}

		if errors.Is(err, ErrSessionExpired) {
			s.dispatch(BackendLost{})
			return err
		}
		if !errors.Is(err, ErrSessionTransient) || attempt >= s.maxAttempts {
			return err
		}

		s.logger.Warn("backend session attempt failed, retrying", "attempt", attempt, "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return &SessionError{Kind: SessionTransient, Err: ctx.Err()}
			case <-s.clock.After(delay, backoffTimerID):
			}
			delay *= 2
		}
	}
}

func (s *Synchronizer) ensureOnce(ctx context.Context) error {
	_, err := s.backend.Me(ctx)
	if err == nil {
		return nil
	}
	if !isStatus(err, http.StatusUnauthorized) {
		return &SessionError{Kind: SessionTransient, Err: err}
	}

	cred := s.source.Current()
	if cred == nil || cred.SessionToken == "" {
		return &SessionError{Kind: ProviderSessionMissing}
	}

	if _, err := s.backend.Establish(ctx, cred.SessionToken); err != nil {
		if isStatus(err, http.StatusUnauthorized) {
			return &SessionError{Kind: SessionExpired, Err: err}
		}
		return &SessionError{Kind: SessionTransient, Err: err}
	}

	s.logger.Info("backend session established", "user_id", cred.UserID)
	return nil
}

// Logout ends the provider and local sessions and notifies the backend in
// the background. Local state is always cleared; a non-nil error is an
// informational *ProviderError from revocation.
func (s *Synchronizer) Logout(ctx context.Context) error {
	s.dispatch(LogoutStarted{})
	return s.logout.Logout(ctx)
}
