package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServerConfig captures all tunable parameters for the realtime process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	ProcessID string

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaGroup           string
	KafkaOpsTopic        string
	KafkaEscalationTopic string

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string

	PGDSN string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	NotifySMSEndpoint  string
	NotifyPushEndpoint string
	NotifyAPIKey       string

	BatchInterval          time.Duration
	SyncInterval           time.Duration
	TrimInterval           time.Duration
	HistoryRetention       time.Duration
	SyncCallTimeout        time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatSweepInterval time.Duration

	SOSWorkers     int
	SOSQueueSize   int
	BulkWorkers    int
	BulkQueueSize  int
	SOSMaxAttempts int
	SOSRetryBase   time.Duration
	SOSCallTimeout time.Duration

	WSUpgradeRate string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	RunMigrations bool
	HistorySync   bool
	MetricsAddr   string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "positions_geo",
		KafkaLocationTopic:     "driver-locations",
		KafkaGroup:             "ride-realtime-ingest",
		KafkaOpsTopic:          "sos-operations",
		KafkaEscalationTopic:   "sos-escalations",
		MQTTClientID:           "ride-realtime",
		MQTTTopic:              "telemetry/location",
		BatchInterval:          time.Second,
		SyncInterval:           30 * time.Second,
		TrimInterval:           time.Minute,
		HistoryRetention:       time.Hour,
		SyncCallTimeout:        5 * time.Second,
		HeartbeatTimeout:       45 * time.Second,
		HeartbeatSweepInterval: 5 * time.Second,
		SOSWorkers:             4,
		SOSQueueSize:           1024,
		BulkWorkers:            8,
		BulkQueueSize:          4096,
		SOSMaxAttempts:         3,
		SOSRetryBase:           50 * time.Millisecond,
		SOSCallTimeout:         40 * time.Millisecond,
		WSUpgradeRate:          "50-S",
		LogLevel:               "info",
		LogMaxSizeMB:           100,
		LogMaxBackups:          5,
		LogMaxAgeDays:          7,
		HistorySync:            true,
		MetricsAddr:            ":2112",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.ProcessID, "PROCESS_ID")
	if cfg.ProcessID == "" {
		host, _ := os.Hostname()
		cfg.ProcessID = host + "-" + uuid.NewString()[:8]
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.KafkaOpsTopic, "KAFKA_OPS_TOPIC")
	setStringFromEnv(&cfg.KafkaEscalationTopic, "KAFKA_ESCALATION_TOPIC")

	setStringFromEnv(&cfg.MQTTBrokerURL, "MQTT_BROKER_URL")
	setStringFromEnv(&cfg.MQTTClientID, "MQTT_CLIENT_ID")
	cfg.MQTTUsername = os.Getenv("MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	setStringFromEnv(&cfg.MQTTTopic, "MQTT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.InfluxURL, "INFLUX_URL")
	cfg.InfluxToken = os.Getenv("INFLUX_TOKEN")
	setStringFromEnv(&cfg.InfluxOrg, "INFLUX_ORG")
	setStringFromEnv(&cfg.InfluxBucket, "INFLUX_BUCKET")

	setStringFromEnv(&cfg.NotifySMSEndpoint, "NOTIFY_SMS_ENDPOINT")
	setStringFromEnv(&cfg.NotifyPushEndpoint, "NOTIFY_PUSH_ENDPOINT")
	cfg.NotifyAPIKey = os.Getenv("NOTIFY_API_KEY")

	setDurationFromEnv(&cfg.BatchInterval, "BATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SyncInterval, "SYNC_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TrimInterval, "TRIM_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HistoryRetention, "HISTORY_RETENTION", &errs)
	setDurationFromEnv(&cfg.SyncCallTimeout, "SYNC_CALL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HeartbeatSweepInterval, "HEARTBEAT_SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.SOSWorkers, "SOS_WORKERS", &errs)
	setIntFromEnv(&cfg.SOSQueueSize, "SOS_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.BulkWorkers, "BULK_WORKERS", &errs)
	setIntFromEnv(&cfg.BulkQueueSize, "BULK_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.SOSMaxAttempts, "SOS_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SOSRetryBase, "SOS_RETRY_BASE", &errs)
	setDurationFromEnv(&cfg.SOSCallTimeout, "SOS_CALL_TIMEOUT", &errs)

	setStringFromEnv(&cfg.WSUpgradeRate, "WS_UPGRADE_RATE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")
	setIntFromEnv(&cfg.LogMaxSizeMB, "LOG_MAX_SIZE_MB", &errs)
	setIntFromEnv(&cfg.LogMaxBackups, "LOG_MAX_BACKUPS", &errs)
	setIntFromEnv(&cfg.LogMaxAgeDays, "LOG_MAX_AGE_DAYS", &errs)

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	if v := os.Getenv("HISTORY_SYNC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid HISTORY_SYNC: %w", err))
		} else {
			cfg.HistorySync = b
		}
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	if cfg.BatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_INTERVAL must be > 0"))
	}
	if cfg.SOSWorkers <= 0 || cfg.BulkWorkers <= 0 {
		errs = append(errs, fmt.Errorf("SOS_WORKERS and BULK_WORKERS must be > 0"))
	}
	if cfg.SOSMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SOS_MAX_ATTEMPTS must be > 0"))
	}
	// a hung call has to surface as a retry before the next backoff step
	if cfg.SOSCallTimeout >= cfg.SOSRetryBase {
		errs = append(errs, fmt.Errorf("SOS_CALL_TIMEOUT (%s) must be shorter than SOS_RETRY_BASE (%s)", cfg.SOSCallTimeout, cfg.SOSRetryBase))
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatSweepInterval {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_SWEEP_INTERVAL"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
