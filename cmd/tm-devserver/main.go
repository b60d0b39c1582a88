// Command tm-devserver runs the in-memory messenger backend for local use.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/turtlemessenger/turtle/internal/devserver"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses flags, serves REST and STOMP on one listener and shuts down on SIGINT/SIGTERM.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "listen address")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (default: built-in dev key)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 7*24*time.Hour, "refresh token TTL")
	rps := flag.Float64("rps", 0, "per-IP request rate limit (0 disables)")
	burst := flag.Int("burst", 20, "per-IP burst when -rps is set")
	dev := flag.Bool("dev", false, "human-readable debug logging")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)
	if *jwtKey == "" {
		logger.Warn("using the built-in dev signing key (--jwt-key)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(devserver.Options{
		SigningKey: []byte(*jwtKey),
		AccessTTL:  *accessTTL,
		RefreshTTL: *refreshTTL,
		Logger:     logger,
		RPS:        *rps,
		Burst:      *burst,
	})
	hs := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Listen
	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- hs.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown timed out", zap.Error(err))
			_ = hs.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
