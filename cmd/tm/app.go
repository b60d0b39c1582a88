package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turtlemessenger/turtle/internal/api"
	"github.com/turtlemessenger/turtle/internal/config"
	"github.com/turtlemessenger/turtle/internal/contacts"
	"github.com/turtlemessenger/turtle/internal/metrics"
	"github.com/turtlemessenger/turtle/internal/realtime"
	"github.com/turtlemessenger/turtle/internal/session"
	"github.com/turtlemessenger/turtle/internal/tokenstore"
)

// app is the client stack shared by every subcommand.
type app struct {
	cfg     config.Config
	out     io.Writer
	log     *zap.Logger
	metrics *metrics.Metrics
	store   tokenstore.Store
	session *session.Manager
	client  *api.Client
	book    *contacts.Book

	metricsSrv *http.Server
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	store, err := tokenstore.Open(cfg.Store, cfg.ConfigDir, cfg.StorePassphrase)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	mgr := session.New(api.NewAuthClient(cfg.ServerURL, hc), hc, store,
		session.WithLogger(log.Named("session")),
		session.WithMetrics(m),
	)
	if err := mgr.Restore(ctx); err != nil {
		log.Warn("ignoring unreadable session", zap.Error(err))
	}
	client := api.NewClient(cfg.ServerURL, mgr)

	a := &app{
		cfg:     cfg,
		out:     out,
		log:     log,
		metrics: m,
		store:   store,
		session: mgr,
		client:  client,
		book:    contacts.New(client, contacts.WithLogger(log.Named("contacts")), contacts.WithMetrics(m)),
	}
	if cfg.MetricsAddr != "" {
		a.serveMetrics()
	}
	return a, nil
}

func (a *app) serveMetrics() {
	a.metricsSrv = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           a.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server", zap.Error(err))
		}
	}()
}

func (a *app) engine() *realtime.Engine {
	return realtime.New(realtime.Config{
		URL:              a.cfg.WSURL,
		RoomID:           a.cfg.RoomID,
		HistorySize:      a.cfg.HistorySize,
		ReconnectDelay:   a.cfg.ReconnectDelay,
		SubscribeReceipt: a.cfg.SubscribeReceipt,
	}, realtime.WSDialer{HandshakeTimeout: a.cfg.HTTPTimeout}, a.client, a.session,
		realtime.WithLogger(a.log.Named("realtime")),
		realtime.WithMetrics(a.metrics),
	)
}

func (a *app) close() {
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close token store", zap.Error(err))
	}
	_ = a.log.Sync()
}
