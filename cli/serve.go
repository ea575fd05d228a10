package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/centralseq/config"
	seqotel "github.com/petal-labs/centralseq/otel"
	"github.com/petal-labs/centralseq/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sequence HTTP server",
		RunE:  runServe,
	}

	addConfigFlags(cmd)
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("resync-cron", "", "Cron expression for background resync runs (UTC)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint, e.g. http://localhost:4318")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return exitError(exitValidation, "invalid config: %v", err)
	}
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	logger := newLogger(cmd)

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := seqotel.NewTracerProvider(cmd.Context(), cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return exitError(exitValidation, "initializing tracing: %v", err)
		}
		otelapi.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("trace provider shutdown failed", "error", err)
			}
		}()
	}

	observer, err := seqotel.NewCoordinatorObserver(
		otelapi.GetMeterProvider().Meter("centralseq/coordinator"),
		otelapi.GetTracerProvider().Tracer("centralseq/coordinator"),
	)
	if err != nil {
		return fmt.Errorf("initializing coordinator observability: %w", err)
	}

	rt, err := buildRuntime(cfg, configPath, observer, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()
	if configPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", configPath)
	}

	seqServer := server.NewServer(server.ServerConfig{
		Service:    rt.coordinator,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})

	if cfg.Resync.Cron != "" {
		scheduler, err := server.NewResyncScheduler(server.ResyncSchedulerConfig{
			Resyncer:     rt.coordinator,
			Cron:         cfg.Resync.Cron,
			ElementTypes: cfg.Resync.ElementTypes,
			Logger:       logger,
		})
		if err != nil {
			return exitError(exitValidation, "invalid resync schedule: %v", err)
		}
		scheduler.Start()
		defer func() {
			_ = scheduler.Stop(context.Background())
		}()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      seqServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "centralseq listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags overlays explicitly set listener flags on cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.File) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout, _ = flags.GetDuration("read-timeout")
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout, _ = flags.GetDuration("write-timeout")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBody, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("resync-cron") {
		cfg.Resync.Cron, _ = flags.GetString("resync-cron")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
}
