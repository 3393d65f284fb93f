package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/conclave-sec/conclave/internal/config"
	"github.com/conclave-sec/conclave/internal/core"
	"github.com/conclave-sec/conclave/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string
	var traceSpans bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conclave governance server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// Fall back to defaults if no config file
				cfg = config.Defaults()
			}

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Server.LogLevel)

			var tracer trace.Tracer
			if traceSpans {
				exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
				if err != nil {
					return fmt.Errorf("creating trace exporter: %w", err)
				}
				tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = tp.Shutdown(ctx)
				}()
				tracer = tp.Tracer("conclave")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := core.New(ctx, cfg, logger, tracer)
			if err != nil {
				return err
			}
			defer c.Close()

			// Reconciliation sweep: expire overdue votes, purge aged ones.
			go runSweeper(ctx, c, logger)

			srv := server.New(c, logger)
			if err := srv.Listen(cfg.Server.Bind, cfg.Server.Port); err != nil {
				return err
			}
			fmt.Printf("conclave listening on %s\n", srv.Addr())

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&traceSpans, "trace", false, "emit otel spans to stdout")
	return cmd
}

func runSweeper(ctx context.Context, c *core.Core, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := c.Council.SweepExpired(ctx, now)
			if err != nil {
				logger.Error("vote sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				logger.Info("expired overdue votes", "count", expired)
			}
		}
	}
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
