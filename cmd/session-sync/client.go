package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/marcogenualdo/session-sync/pkg/client"
	"github.com/marcogenualdo/session-sync/pkg/client/oidcsource"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	backendURL   string
	issuer       string
	clientID     string
	clientSecret string
	refreshToken string
	watch        bool
	logout       bool
	debug        bool
}

func newClientCmd() *cobra.Command {
	f := clientFlags{
		backendURL:   envOr("SESSION_SYNC_BACKEND_URL", "http://localhost:8080"),
		issuer:       os.Getenv("OIDC_ISSUER"),
		clientID:     os.Getenv("OIDC_CLIENT_ID"),
		clientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		refreshToken: os.Getenv("OIDC_REFRESH_TOKEN"),
	}

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Client-side session synchronization",
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Establish a backend session from an identity provider session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientSync(cmd.Context(), f)
		},
	}
	syncCmd.Flags().StringVar(&f.backendURL, "backend-url", f.backendURL, "backend base URL (env SESSION_SYNC_BACKEND_URL)")
	syncCmd.Flags().StringVar(&f.issuer, "issuer", f.issuer, "OIDC issuer URL (env OIDC_ISSUER)")
	syncCmd.Flags().StringVar(&f.clientID, "client-id", f.clientID, "OIDC client id (env OIDC_CLIENT_ID)")
	syncCmd.Flags().StringVar(&f.clientSecret, "client-secret", f.clientSecret, "OIDC client secret (env OIDC_CLIENT_SECRET)")
	syncCmd.Flags().StringVar(&f.refreshToken, "refresh-token", f.refreshToken, "refresh token of an existing provider session (env OIDC_REFRESH_TOKEN)")
	syncCmd.Flags().BoolVar(&f.watch, "watch", false, "keep running and renew the provider session until interrupted")
	syncCmd.Flags().BoolVar(&f.logout, "logout", false, "log out of both sessions before exiting")
	syncCmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")

	clientCmd.AddCommand(syncCmd)
	return clientCmd
}

func runClientSync(ctx context.Context, f clientFlags) error {
	if f.issuer == "" || f.clientID == "" {
		return errors.New("--issuer and --client-id are required")
	}

	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := oidcsource.New(ctx, oidcsource.Config{
		Issuer:       f.issuer,
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		RefreshToken: f.refreshToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	backend, err := client.NewBackendClient(f.backendURL, client.BackendOptions{Logger: logger})
	if err != nil {
		return err
	}

	syncer := client.NewSynchronizer(source, backend, client.Options{Logger: logger})
	unsubscribe := syncer.Subscribe(func(st client.SyncState) {
		fmt.Printf("state=%s intent=%s loading=%t\n", st.Phase, st.Intent, st.IsLoading)
	})
	defer unsubscribe()

	runCtx, cancelRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- syncer.Run(runCtx) }()
	defer func() {
		cancelRun()
		<-done
	}()

	if err := source.Init(ctx); err != nil {
		logger.Warn("identity session not restored", "error", err)
	}

	if err := waitInitialized(ctx, syncer); err != nil {
		return err
	}

	if err := syncer.EnsureBackendSession(ctx); err != nil {
		return fmt.Errorf("backend session: %w", err)
	}

	if f.watch {
		<-ctx.Done()
	}

	if f.logout {
		endSessions(syncer, logger)
	}
	return nil
}

// endSessions logs out of both sessions and waits for the backend
// notification. Failures are logged; local state is cleared regardless.
func endSessions(syncer *client.Synchronizer, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := syncer.Logout(ctx); err != nil {
		logger.Warn("identity provider revocation failed", "error", err)
	}
	syncer.LogoutCoordinator().Wait()

	select {
	case err := <-syncer.LogoutCoordinator().Errors():
		logger.Warn("backend session may still be active", "error", err)
	default:
	}
}

func waitInitialized(ctx context.Context, syncer *client.Synchronizer) error {
	ready := make(chan struct{})
	var once sync.Once
	unsubscribe := syncer.Subscribe(func(st client.SyncState) {
		if st.HasInitialized {
			once.Do(func() { close(ready) })
		}
	})
	defer unsubscribe()

	if syncer.State().HasInitialized {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}
