package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/marcogenualdo/session-sync/internal/auth"
	authjwt "github.com/marcogenualdo/session-sync/internal/auth/jwt"
	authoidc "github.com/marcogenualdo/session-sync/internal/auth/oidc"
	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/server"
	"github.com/marcogenualdo/session-sync/internal/users"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load(".env")

	configPath := envOr("SESSION_SYNC_CONFIG", "/etc/session-sync/config.yaml")

	root := &cobra.Command{
		Use:           "session-sync",
		Short:         "Keeps a first-party cookie session in step with an identity provider session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to configuration file (env SESSION_SYNC_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend session service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok (identity=%s cache=%s database=%s)\n",
				cfg.Identity.Type, cfg.Cache.Type, cfg.Database.Driver)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("session-sync v%s\n", version)
		},
	}

	root.AddCommand(serveCmd, checkCmd, versionCmd, newClientCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServer(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting session-sync", "version", version)

	cacheInstance, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	verifier, err := newVerifier(ctx, cfg.Identity)
	if err != nil {
		return fmt.Errorf("failed to create identity verifier: %w", err)
	}
	logger.Info("identity verifier initialized", "type", verifier.Type())

	directory, err := users.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open user directory: %w", err)
	}
	logger.Info("user directory initialized", "driver", cfg.Database.Driver)

	srv, err := server.New(*cfg, cacheInstance, verifier, directory, version, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}

func newVerifier(ctx context.Context, cfg config.IdentityConfig) (auth.Verifier, error) {
	switch cfg.Type {
	case "oidc":
		return authoidc.NewVerifier(ctx, *cfg.OIDC, cfg.Timeout)
	case "jwt":
		return authjwt.NewVerifier(*cfg.JWT), nil
	default:
		return nil, fmt.Errorf("unsupported identity type: %s", cfg.Type)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
