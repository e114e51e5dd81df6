package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whatsgate/gateway/internal/authstore"
	"github.com/whatsgate/gateway/internal/bootstrap"
	"github.com/whatsgate/gateway/internal/config"
	"github.com/whatsgate/gateway/internal/eventfilter"
	"github.com/whatsgate/gateway/internal/httpapi"
	"github.com/whatsgate/gateway/internal/session"
	"github.com/whatsgate/gateway/internal/transport/whatsmeow"
	"github.com/whatsgate/gateway/internal/webhook"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway server.

The server will:
1. Load configuration from the environment
2. Connect to Redis for credential storage and the webhook queue
3. Resurrect every session with persisted credentials
4. Start the webhook delivery worker
5. Start the HTTP server for session control and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context) error {
	logger := slog.Default()
	cfg := config.Load(logger)

	logger.Info("starting gateway", "version", version, "commit", commit, "port", cfg.Port)

	redisAddr := redisAddrFromConfig(cfg.Redis)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := authstore.NewRedisStore(connectCtx, authstore.RedisOptions{
		Addr:     redisAddr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect authstore: %w", err)
	}
	defer store.Close()

	engine := webhook.New(redisClient, cfg.Webhook, logger)
	filter := eventfilter.New(eventfilter.Config(cfg.Filter))
	factory := whatsmeow.NewFactory(cfg.AuthBaseDir, logger)

	registry := session.NewRegistry(factory, store, engine, filter, *cfg, logger)

	resumeCtx, resumeCancel := context.WithTimeout(ctx, 30*time.Second)
	resumed, err := bootstrap.Resurrect(resumeCtx, store, registry, logger)
	resumeCancel()
	if err != nil {
		logger.Warn("bootstrap: resurrect failed", "err", err)
	} else {
		logger.Info("bootstrap: sessions resumed", "count", resumed)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go engine.Run(workerCtx)

	server := httpapi.New(registry, engine, logger)
	if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil {
		workerCancel()
		return fmt.Errorf("start http server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	engine.StopProcessing()
	workerCancel()
	registry.Shutdown()

	logger.Info("gateway stopped gracefully")
	return nil
}

// redisAddrFromConfig returns the host:port to dial. A REDIS_URL in
// redis:// form contributes only its address; any other non-empty
// REDIS_URL is used as the address verbatim.
func redisAddrFromConfig(rc config.RedisConfig) string {
	if rc.URL != "" {
		if opts, err := redis.ParseURL(rc.URL); err == nil {
			return opts.Addr
		}
		return rc.URL
	}
	return rc.Host + ":" + strconv.Itoa(rc.Port)
}

// =============================================================================
// Sessions Command
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions on a running gateway",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

type sessionRow struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	IsAuthenticated   bool   `json:"isAuthenticated"`
	HasQR             bool   `json:"hasQR"`
	CredentialsValid  bool   `json:"credentialsValid"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

type sessionsListResponse struct {
	Count    int          `json:"count"`
	Sessions []sessionRow `json:"sessions"`
}

func buildSessionsListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions known to a running gateway instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:3001", "Base URL of a running gateway instance")
	return cmd
}

func runSessionsList(cmd *cobra.Command, addr string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/sessions", nil)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var body sessionsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	if body.Count == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAUTHENTICATED\tHAS QR\tRECONNECT ATTEMPTS")
	for _, row := range body.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%d\n", row.ID, row.Status, row.IsAuthenticated, row.HasQR, row.ReconnectAttempts)
	}
	return tw.Flush()
}
