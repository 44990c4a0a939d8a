package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BackendLogouter ends the backend session. *BackendClient implements it.
type BackendLogouter interface {
	Logout(ctx context.Context) error
}

type LogoutOptions struct {
	// BackendTimeout bounds the background backend notification. Defaults to 10 seconds.
	BackendTimeout time.Duration
	Logger         *slog.Logger
}

// LogoutCoordinator tears down both sessions. Local and provider logout always
// complete; the backend is notified in the background and its failures are
// reported on Errors, never to the caller.
type LogoutCoordinator struct {
	scheduler *Scheduler
	source    CredentialSource
	backend   BackendLogouter
	clear     func()
	timeout   time.Duration
	logger    *slog.Logger

	errs chan error
	wg   sync.WaitGroup
}

// NewLogoutCoordinator builds a coordinator. clear must drop the local
// credential; it is called exactly once per Logout.
func NewLogoutCoordinator(scheduler *Scheduler, source CredentialSource, backend BackendLogouter, clear func(), opts LogoutOptions) *LogoutCoordinator {
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LogoutCoordinator{
		scheduler: scheduler,
		source:    source,
		backend:   backend,
		clear:     clear,
		timeout:   opts.BackendTimeout,
		logger:    opts.Logger,
		errs:      make(chan error, 8),
	}
}

// Logout stops renewal, revokes the provider session, clears local state and
// then notifies the backend without waiting for it. The returned error is a
// *ProviderError when revocation failed; local state is cleared regardless.
func (lc *LogoutCoordinator) Logout(ctx context.Context) error {
	if lc.scheduler != nil {
		lc.scheduler.Stop()
	}

	var revokeErr error
	if err := lc.source.Revoke(ctx); err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = &ProviderError{Op: "revoke", Err: err}
		}
		lc.logger.Warn("identity provider revoke failed, continuing logout", "error", err)
		revokeErr = err
	}

	lc.clear()

	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lc.timeout)
		defer cancel()

		if err := lc.backend.Logout(bctx); err != nil {
			lc.logger.Warn("backend logout failed", "error", err)
			select {
			case lc.errs <- err:
			default:
			}
			return
		}
		lc.logger.Debug("backend session ended")
	}()

	return revokeErr
}

// Errors reports background backend logout failures. It is buffered and
// drops errors nobody reads.
func (lc *LogoutCoordinator) Errors() <-chan error {
	return lc.errs
}

// Wait blocks until every background backend notification has finished.
func (lc *LogoutCoordinator) Wait() {
	lc.wg.Wait()
}
