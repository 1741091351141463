package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/signoff/internal/api"
	"github.com/Togather-Foundation/signoff/internal/api/handlers"
	"github.com/Togather-Foundation/signoff/internal/auth"
	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/metrics"
	"github.com/Togather-Foundation/signoff/internal/telemetry"
)

type serveOptions struct {
	host string
	port int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the signoff HTTP server",
		Long: `Start the HTTP API and, with the Postgres store, the River workers that
retry failed summary syncs and notifications.

Examples:
  # Start with configuration from the environment
  signoff serve

  # Local development without Postgres
  STORE=memory signoff serve --port 9090 --log-format console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "server host address (default: 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "server port (default: 8080)")
	return cmd
}

func runServer(opts *serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", Version).Str("store", cfg.Database.Store).Msg("starting signoff server")

	metrics.Init(Version, GitCommit, BuildDate)

	shutdownTracing, err := telemetry.InitTracing(context.Background(), cfg.Tracing, cfg.Environment, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := buildApp(initCtx, cfg, logger, appOptions{periodic: true})
	initCancel()
	if err != nil {
		return err
	}
	defer a.Close()
	if a.tokens == nil {
		// Only the memory store may start without a secret; tokens minted
		// against this one die with the process.
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		a.tokens = auth.NewJWTManager(secret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer)
		logger.Warn().Msg("JWT_SECRET not set; using an ephemeral signing secret")
	}

	if a.pool != nil {
		dbCollector := metrics.NewDBCollector(a.pool)
		collectorCtx, collectorCancel := context.WithCancel(context.Background())
		go dbCollector.Start(collectorCtx, 15*time.Second)
		defer collectorCancel()
		defer dbCollector.Stop()
	}

	if a.river != nil {
		riverCtx, riverCancel := context.WithCancel(context.Background())
		defer riverCancel()
		if err := a.river.Start(riverCtx); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		logger.Info().Msg("river workers started")
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := a.river.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			} else {
				logger.Info().Msg("river workers stopped")
			}
		}()
	}

	router := api.NewRouter(api.Deps{
		Engine:     a.engine,
		Identities: a.store.Identities(),
		Tokens:     a.tokens,
		Health:     handlers.NewHealthChecker(a.pool, a.river, Version, GitCommit),
		Ping:       a.store.Ping,
		Logger:     logger,
		Env:        cfg.Environment,
		CORS:       cfg.CORS,
		Version:    Version,
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	return gracefulShutdown(server, cfg.Server.ShutdownTimeout, logger)
}

func gracefulShutdown(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutting down")

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
