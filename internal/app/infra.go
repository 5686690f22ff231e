// Package app builds the shared infrastructure both binaries run on. Every
// backend falls back to an in-process implementation when it is not
// configured, so a single node runs with no external services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/broker"
	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/history"
	"github.com/example/ride-realtime/internal/notify"
	"github.com/example/ride-realtime/internal/sos"
	"github.com/example/ride-realtime/internal/storage"
)

const replayStream = "location:replay"

type Infra struct {
	Broker    broker.Broker
	Redis     *redis.Client
	Postgres  *storage.PostgresStore
	Alerts    storage.AlertStore
	Contacts  storage.ContactDirectory
	Replay    history.ReplayLog
	Positions geo.Index
	Sinks     []history.Sink
	Gateway   *notify.Router
	Escalator sos.Escalator

	closers []func() error
}

func BuildInfra(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Infra, error) {
	in := &Infra{}
	positionTTL := 3 * cfg.HeartbeatTimeout

	if cfg.RedisAddr != "" {
		in.Redis = broker.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err := in.Redis.Ping(ctx).Err(); err != nil {
			in.Redis.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rb := broker.NewRedisBroker(ctx, in.Redis)
		in.Broker = rb
		in.Replay = history.NewRedisLog(in.Redis, replayStream, cfg.HistoryRetention)
		in.Positions = geo.NewRedisIndex(in.Redis, cfg.RedisGeoKey, positionTTL)
		in.closers = append(in.closers, rb.Close, in.Redis.Close)
		logger.Info("using redis broker", "addr", cfg.RedisAddr)
	} else {
		in.Broker = broker.NewMemoryHub().NewBroker()
		in.Replay = history.NewMemoryLog()
		in.Positions = geo.NewMemoryIndex(positionTTL)
		in.closers = append(in.closers, in.Broker.Close)
		logger.Warn("REDIS_ADDR not set; running single-node with in-memory broker")
	}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
			} else {
				logger.Info("migrations applied")
			}
		}
		in.Postgres = pg
		in.Alerts, in.Contacts = pg, pg
		in.Sinks = append(in.Sinks, pg)
		in.closers = append(in.closers, pg.Close)
	} else {
		mem := storage.NewMemoryStore()
		in.Alerts, in.Contacts = mem, mem
		in.Sinks = append(in.Sinks, mem)
		logger.Warn("PG_DSN not set; alerts and history kept in memory")
	}

	if cfg.InfluxURL != "" && cfg.InfluxBucket != "" {
		ih := storage.NewInfluxHistory(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		in.Sinks = append(in.Sinks, ih)
		in.closers = append(in.closers, func() error { ih.Close(); return nil })
	}

	in.Gateway = &notify.Router{}
	if cfg.NotifySMSEndpoint != "" {
		in.Gateway.SMS = notify.NewHTTPProvider(cfg.NotifySMSEndpoint, cfg.NotifyAPIKey)
	}
	if cfg.NotifyPushEndpoint != "" {
		in.Gateway.Push = notify.NewHTTPProvider(cfg.NotifyPushEndpoint, cfg.NotifyAPIKey)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ops := notify.NewKafkaOperations(cfg.KafkaBrokers, cfg.KafkaOpsTopic)
		esc := notify.NewKafkaEscalator(cfg.KafkaBrokers, cfg.KafkaEscalationTopic)
		in.Gateway.Ops, in.Escalator = ops, esc
		in.closers = append(in.closers, ops.Close, esc.Close)
	} else {
		in.Gateway.Ops = notify.NewBrokerOperations(in.Broker)
		in.Escalator = notify.LogEscalator{Logger: logger}
	}
	return in, nil
}

// Ping checks the external stores this process depends on.
func (in *Infra) Ping(ctx context.Context) error {
	var errs []error
	if in.Redis != nil {
		if err := in.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if in.Postgres != nil {
		if err := in.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases everything in reverse order of creation.
func (in *Infra) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}
