// Command consumer is a headless ingest worker: it drains the location
// topics into batch windows, publishes them to the trip channels and keeps
// the durable history in sync. It serves no sockets.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-realtime/internal/app"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/fanout"
	"github.com/example/ride-realtime/internal/history"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
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
	logger = logger.With("process_id", cfg.ProcessID, "role", "consumer")
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set; published batches stay inside this process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.BuildInfra(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := infra.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	bulk := workerpool.New("bulk", cfg.BulkWorkers, cfg.BulkQueueSize, logger)
	defer bulk.Stop()

	rooms := fanout.NewManager(infra.Broker, noSockets{}, fanout.Options{
		ProcessID: cfg.ProcessID,
		SeqTTL:    cfg.HistoryRetention,
		Replay:    infra.Replay,
		Positions: infra.Positions,
	}, logger)
	pub := &retryPublisher{next: rooms, attempts: 3, delay: 200 * time.Millisecond, logger: logger}
	buf := ingest.NewBuffer()
	dispatcher := ingest.NewDispatcher(buf, pub, bulk, cfg.BatchInterval, logger)

	var syncer *history.Syncer
	if cfg.HistorySync {
		syncer = history.NewSyncer(infra.Replay, infra.Sinks, history.SyncerOptions{
			Retention:   cfg.HistoryRetention,
			CallTimeout: cfg.SyncCallTimeout,
		}, logger)
		if err := syncer.Start(cfg.SyncInterval, cfg.TrimInterval); err != nil {
			logger.Error("history syncer", "error", err)
			os.Exit(1)
		}
	}

	done := make(chan struct{})
	go func() { dispatcher.Run(ctx); close(done) }()

	if cfg.MQTTBrokerURL != "" {
		go ingest.NewMQTTSource(ingest.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID + "-" + cfg.ProcessID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
			QoS:       1,
		}, buf, logger).Run(ctx)
	}
	if len(cfg.KafkaBrokers) > 0 {
		src := ingest.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup, buf, logger)
		logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
		if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka source stopped", "error", err)
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set; only MQTT samples will be consumed")
	}
	<-ctx.Done()
	logger.Info("shutting down consumer")
	<-done

	if syncer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := syncer.Stop(flushCtx); err != nil {
			logger.Warn("final history sync", "error", err)
		}
	}
}

// noSockets satisfies the room manager; this process never has members.
type noSockets struct{}

func (noSockets) Deliver(string, []byte) bool { return false }

// retryPublisher publishes each trip of a window on its own so that a
// failing trip is retried without re-sequencing the ones already sent.
type retryPublisher struct {
	next     ingest.Publisher
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (p *retryPublisher) Publish(ctx context.Context, batch models.Batch) error {
	var errs []error
	for tripID, entry := range batch {
		one := models.Batch{tripID: entry}
		if err := publishWithRetry(ctx, p.next, one, p.attempts, p.delay); err != nil {
			observability.BatchPublishErrors.Inc()
			p.logger.Warn("trip publish failed", "trip_id", tripID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publishWithRetry retries with a doubling delay and gives up early when ctx ends.
func publishWithRetry(ctx context.Context, pub ingest.Publisher, batch models.Batch, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = pub.Publish(ctx, batch); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
