package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/example/ride-realtime/internal/app"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/fanout"
	httpapi "github.com/example/ride-realtime/internal/http"
	"github.com/example/ride-realtime/internal/history"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/session"
	"github.com/example/ride-realtime/internal/sos"
	"github.com/example/ride-realtime/internal/workerpool"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewRotatingLogger(cfg.LogLevel, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = logger.With("process_id", cfg.ProcessID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	infra, err := app.BuildInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			logger.Warn("close infrastructure", "error", err)
		}
	}()

	sosPool := workerpool.New("sos", cfg.SOSWorkers, cfg.SOSQueueSize, logger)
	bulkPool := workerpool.New("bulk", cfg.BulkWorkers, cfg.BulkQueueSize, logger)

	ws := dispatch.NewWSRegistry(dispatch.WSOptions{PingEvery: cfg.HeartbeatTimeout / 3}, logger)
	rooms := fanout.NewManager(infra.Broker, ws, fanout.Options{
		ProcessID: cfg.ProcessID,
		SeqTTL:    cfg.HistoryRetention,
		Replay:    infra.Replay,
		Positions: infra.Positions,
	}, logger)
	sessions := session.NewRegistry(cfg.ProcessID, cfg.HeartbeatTimeout, rooms, infra.Broker, logger)
	buf := ingest.NewBuffer()
	ws.Rooms, ws.Sessions, ws.Ingest = rooms, sessions, buf
	dispatcher := ingest.NewDispatcher(buf, rooms, bulkPool, cfg.BatchInterval, logger)

	pipeline := sos.NewPipeline(sos.Deps{
		Pool:      sosPool,
		Store:     infra.Alerts,
		Contacts:  infra.Contacts,
		Gateway:   infra.Gateway,
		Escalator: infra.Escalator,
		Nearby:    infra.Positions,
	}, sos.Options{
		MaxAttempts: cfg.SOSMaxAttempts,
		RetryBase:   cfg.SOSRetryBase,
		CallTimeout: cfg.SOSCallTimeout,
	}, logger)

	syncer := history.NewSyncer(infra.Replay, infra.Sinks, history.SyncerOptions{
		Retention:   cfg.HistoryRetention,
		CallTimeout: cfg.SyncCallTimeout,
	}, logger)
	if cfg.HistorySync {
		if err := syncer.Start(cfg.SyncInterval, cfg.TrimInterval); err != nil {
			return err
		}
	}

	rate, err := limiter.NewRateFromFormatted(cfg.WSUpgradeRate)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		ProcessID: cfg.ProcessID,
		Ingest:    buf,
		SOS:       pipeline,
		Trips:     rooms,
		WS:        ws,
		Sessions:  sessions,
		Bulk:      bulkPool,
		Notifier:  infra.Gateway,
		Ready:     infra.Ping,
		WSLimiter: limiter.New(memory.NewStore(), rate),
	}, logger)

	bg, cancelBG := context.WithCancel(context.Background())
	background := make(chan struct{}, 8)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			defer func() { background <- struct{}{} }()
			if err := fn(bg); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background task stopped", "task", name, "error", err)
			}
		}()
	}
	spawn("rooms", rooms.Run)
	spawn("dispatcher", func(ctx context.Context) error { dispatcher.Run(ctx); return nil })
	spawn("sessions", func(ctx context.Context) error { sessions.Run(ctx, cfg.HeartbeatSweepInterval); return nil })
	running := 3
	if len(cfg.KafkaBrokers) > 0 {
		src := ingest.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup, buf, logger)
		spawn("kafka-ingest", src.Run)
		running++
	}
	if cfg.MQTTBrokerURL != "" {
		src := ingest.NewMQTTSource(ingest.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID + "-" + cfg.ProcessID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
			QoS:       1,
		}, buf, logger)
		go func() {
			defer func() { background <- struct{}{} }()
			src.Run(bg)
		}()
		running++
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ride-realtime listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	ws.CloseAll()

	// stopping the background loops publishes the last ingest window
	cancelBG()
wait:
	for i := 0; i < running; i++ {
		select {
		case <-background:
		case <-shutdownCtx.Done():
			logger.Warn("background tasks did not stop in time", "pending", running-i)
			break wait
		}
	}

	if cfg.HistorySync {
		if err := syncer.Stop(shutdownCtx); err != nil {
			logger.Warn("final history sync", "error", err)
		}
	}
	bulkPool.Stop()
	sosPool.Stop()
	logger.Info("shutdown complete")
	return nil
}
