package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crewdeck/crewchat/internal/config"
	"github.com/crewdeck/crewchat/internal/relay"
	"github.com/crewdeck/crewchat/internal/store"
)

type ServeFlags struct {
	Port   string
	DBPath string
}

func (f *ServeFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.Port, "port", f.Port, "Listen port (default PORT or 8080)")
	fs.StringVar(&f.DBPath, "db", f.DBPath, "Relay history database (default RELAY_DB_PATH)")
}

func newServeCmd(root *RootFlags) *cobra.Command {
	f := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local relay serving the AI-ask, socket and history endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, os.Stdout)
			if err != nil {
				return err
			}
			if f.Port != "" {
				cfg.Relay.Port = f.Port
			}
			if f.DBPath != "" {
				cfg.Relay.DBPath = f.DBPath
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting relay", "port", cfg.Relay.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.Relay.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.Relay.DBPath)

	if cfg.AISessionID == "" {
		slog.Warn("AI_SESSION_ID is not set; accepting any session id")
	}

	rel := relay.New(repo, relay.Options{
		SessionID:          cfg.AISessionID,
		FrontendURL:        cfg.Relay.FrontendURL,
		ReplyDelay:         cfg.Relay.ReplyDelay,
		RateLimitRequests:  cfg.Relay.RateLimitRequests,
		RateLimitWindow:    cfg.Relay.RateLimitWindow,
		MaxRequestBodySize: cfg.Relay.MaxRequestBodySize,
	})

	// No WriteTimeout: sockets are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Relay.Port,
		Handler:     rel.Routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay.StartRetentionWorker(ctx, repo, cfg.Relay.HistoryTTL, relay.DefaultRetentionInterval, func(userID string) {
		rel.Hub().DropPending(userID)
		slog.Info("Pruned idle chat history", "user_id", userID)
	})

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			rel.Close()
			return fmt.Errorf("relay failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	rel.Close()
	if shutdownErr != nil {
		return fmt.Errorf("relay forced to shutdown: %w", shutdownErr)
	}

	slog.Info("Relay stopped successfully")
	return nil
}
