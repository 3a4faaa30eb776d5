package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline caching edge",
	Long: `Install the configured version, then serve intercepted requests and the
control endpoints until interrupted.

If the install fails the edge still starts and passes requests through to the
origin; the install is retried when the origin is reachable.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := offline0.NewLogger(cfg.Logging, os.Stderr)

	svc, err := offline0.NewService(cfg, offline0.Deps{Logger: log})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("close", offline0.KeyError, err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Error("initial install failed, passing requests through", offline0.KeyError, err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("offline0 listening",
			"addr", addr,
			"origin", cfg.Server.Origin,
			"public_origin", cfg.Server.PublicOrigin,
			offline0.KeyBucket, cfg.CacheName(),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", offline0.KeyError, err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
