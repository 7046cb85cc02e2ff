package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"weathersync/internal/channel"
	"weathersync/internal/config"
	"weathersync/internal/db"
	"weathersync/internal/envelope"
	"weathersync/internal/face"
	"weathersync/internal/httpapi"
	"weathersync/internal/migrate"
	"weathersync/internal/responder"
	"weathersync/internal/scheduler"
	"weathersync/internal/snapshot"
	"weathersync/internal/weather"
)

func logConfig(cfg config.Config, role string) {
	slog.Info("config loaded",
		"role", role,
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"channel", cfg.Channel,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopicPrefix", cfg.MQTTTopicPrefix,
		"sqlitePath", cfg.SQLitePath,
		"weatherLocation", cfg.WeatherLocation,
		"weatherUnits", cfg.WeatherUnits,
		"displaySize", cfg.DisplaySize,
		"retryInterval", cfg.RetryInterval,
		"steadyInterval", cfg.SteadyInterval,
	)
}

// RunSource answers weather requests from the store until ctx is cancelled.
func RunSource(ctx context.Context, cfg config.Config) error {
	logConfig(cfg, "source")
	logger := slog.Default()

	dbConn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(dbConn)

	tr := channel.NewMQTT(cfg, cfg.ClientIDFor("source"), logger)
	resp, err := newResponder(cfg, logger, dbConn, tr)
	if err != nil {
		return err
	}
	connect(ctx, tr)
	defer tr.Disconnect()

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewSourceMux(dbConn, tr, resp), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return resp.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, srv) })
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RunSink keeps the weather snapshot fresh and serves the face until ctx is
// cancelled.
func RunSink(ctx context.Context, cfg config.Config) error {
	logConfig(cfg, "sink")
	logger := slog.Default()

	if err := face.LoadTemplates(); err != nil {
		return err
	}

	tr := channel.NewMQTT(cfg, cfg.ClientIDFor("sink"), logger)
	cache, sched, err := newSink(cfg, logger, tr)
	if err != nil {
		return err
	}
	connect(ctx, tr)
	defer tr.Disconnect()

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewSinkMux(cache, sched, tr), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, srv) })
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RunDemo runs both peers in one process over an in-memory channel and serves
// the sink's face.
func RunDemo(ctx context.Context, cfg config.Config) error {
	logConfig(cfg, "demo")
	logger := slog.Default()

	if err := face.LoadTemplates(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	d, err := startDemo(gctx, g, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewSinkMux(d.cache, d.sched, d.sinkPeer), logger)
	g.Go(func() error { return serveHTTP(gctx, srv) })

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

type demo struct {
	dbConn     *sql.DB
	sourcePeer *channel.Peer
	sinkPeer   *channel.Peer
	resp       *responder.Responder
	sched      *scheduler.Scheduler
	cache      *snapshot.Cache
}

func (d *demo) close() {
	d.sourcePeer.Disconnect()
	d.sinkPeer.Disconnect()
	closeStore(d.dbConn)
}

func startDemo(ctx context.Context, g *errgroup.Group, cfg config.Config, logger *slog.Logger) (*demo, error) {
	dbConn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	hub := channel.NewHub(logger)
	d := &demo{
		dbConn:     dbConn,
		sourcePeer: hub.Peer("source"),
		sinkPeer:   hub.Peer("sink"),
	}

	d.resp, err = newResponder(cfg, logger, dbConn, d.sourcePeer)
	if err != nil {
		d.close()
		return nil, err
	}
	d.cache, d.sched, err = newSink(cfg, logger, d.sinkPeer)
	if err != nil {
		d.close()
		return nil, err
	}
	connect(ctx, d.sourcePeer)
	connect(ctx, d.sinkPeer)

	g.Go(func() error { return d.resp.Run(ctx) })
	g.Go(func() error { return d.sched.Run(ctx) })
	return d, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sql.DB, error) {
	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(ctx, dbConn, logger); err != nil {
		closeStore(dbConn)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("database connection successful")
	return dbConn, nil
}

func closeStore(dbConn *sql.DB) {
	if err := db.Close(dbConn); err != nil {
		slog.Error("db close", "error", err)
	}
}

// newResponder wires the responder to the request path. Subscribing before
// Connect makes the transport subscribe as soon as the link is up.
func newResponder(cfg config.Config, logger *slog.Logger, dbConn *sql.DB, tr channel.Transport) (*responder.Responder, error) {
	resp := responder.New(
		weather.NewRepository(dbConn),
		weather.NewEmbeddedIcons(),
		weather.Formatter{Units: cfg.WeatherUnits},
		tr,
		cfg.WeatherLocation,
		logger,
	)
	if err := tr.Subscribe(envelope.RequestPath, resp.HandleEvent); err != nil {
		return nil, fmt.Errorf("subscribe requests: %w", err)
	}
	return resp, nil
}

func newSink(cfg config.Config, logger *slog.Logger, tr channel.Transport) (*snapshot.Cache, *scheduler.Scheduler, error) {
	cache := &snapshot.Cache{}
	sched := scheduler.New(scheduler.Config{
		RetryInterval:  cfg.RetryInterval,
		SteadyInterval: cfg.SteadyInterval,
		DemoteAfter:    cfg.DemoteAfter,
		DisplaySize:    cfg.DisplaySize,
	}, tr, cache, logger)
	if err := tr.Subscribe(envelope.ResponsePath, sched.HandleEvent); err != nil {
		return nil, nil, fmt.Errorf("subscribe responses: %w", err)
	}
	return cache, sched, nil
}

// connect does not fail startup: the transport keeps reconnecting and puts
// fail with ErrTransportUnavailable until it is up.
func connect(ctx context.Context, tr channel.Transport) {
	if err := tr.Connect(ctx); err != nil {
		slog.Warn("channel connect failed (continuing, will retry)", "error", err)
	}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
