// Command backbone runs the event backbone daemon: a JetStream-backed
// event store with snapshotting, an outbound publisher with dead-letter
// routing, and a live fan-out endpoint streaming every stored event to
// connected subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamhaus/backbone/adapters/api"
	"github.com/streamhaus/backbone/adapters/nats"
	backboneprom "github.com/streamhaus/backbone/adapters/prometheus"
	"github.com/streamhaus/backbone/core/fanout"
	"github.com/streamhaus/backbone/core/relay"
	"github.com/streamhaus/backbone/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the TOML config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(log, *configPath); err != nil {
		log.Error("backbone failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := backboneprom.NewAllMetrics(reg)

	connect := nats.ReuseConnection(nats.ConnectURL(cfg.NATS.URL))

	store, err := nats.NewEventStore(nats.EventStoreConfig{
		Connect:       connect,
		Log:           log,
		StreamName:    cfg.NATS.StreamName,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Metrics:       metrics.ES,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := nats.NewPublisher(nats.PublisherConfig{
		Connect:    connect,
		Log:        log,
		StreamName: cfg.NATS.PublishStream,
		Metrics:    metrics.Publish,
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	cp, err := nats.NewCpStore(nats.CpStoreConfig{
		Connect: connect,
		Key:     cfg.Relay.Checkpoint,
	})
	if err != nil {
		return err
	}

	hub := fanout.NewHub(fanout.HubOpts{
		Log:               log,
		Metrics:           metrics.Fanout,
		SendBuffer:        cfg.Fanout.SendBuffer,
		RecentSize:        cfg.Fanout.RecentSize,
		RecentTTL:         cfg.Fanout.RecentTTL.Duration,
		HeartbeatInterval: cfg.Fanout.HeartbeatInterval.Duration,
	})
	go hub.Run(ctx)

	r, err := relay.NewRelay(relay.RelayOpts{
		Log:         log,
		Publisher:   publisher,
		Hub:         hub,
		DedupSize:   cfg.Relay.DedupSize,
		DedupWindow: cfg.Relay.DedupWindow.Duration,
	})
	if err != nil {
		return err
	}

	consumer := relay.NewConsumer(store, r, cp)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	apiServer, err := api.NewServer(api.ServerConfig{Log: log, Hub: hub})
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: apiServer.Handler()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		log.Info("listening", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("metrics listening", slog.String("addr", cfg.MetricsListen))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	hub.Close()

	return nil
}
