package ingest

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
}

// MQTTSource subscribes to in-vehicle telemetry and feeds the ingest buffer.
type MQTTSource struct {
	opts   MQTTOptions
	sink   Ingester
	logger *slog.Logger
	client mqtt.Client
}

func NewMQTTSource(o MQTTOptions, sink Ingester, logger *slog.Logger) *MQTTSource {
	s := &MQTTSource{opts: o, sink: sink, logger: logger}
	s.client = mqtt.NewClient(s.clientOptions())
	return s
}

func (s *MQTTSource) clientOptions() *mqtt.ClientOptions {
	h := func(_ mqtt.Client, msg mqtt.Message) { s.handle(msg.Payload()) }

	opts := mqtt.NewClientOptions().
		AddBroker(s.opts.BrokerURL).
		SetClientID(s.opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
	}
	if s.opts.Password != "" {
		opts.SetPassword(s.opts.Password)
	}
	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(s.opts.Topic, s.opts.QoS, h); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.opts.Topic, "error", token.Error())
			return
		}
		s.logger.Info("mqtt subscribed", "topic", s.opts.Topic, "qos", s.opts.QoS)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	}
	return opts
}

func (s *MQTTSource) handle(payload []byte) {
	if sample, ok := decodeSample(payload); ok {
		s.sink.Ingest(sample)
	}
}

// Run connects with backoff and blocks until ctx ends.
func (s *MQTTSource) Run(ctx context.Context) {
	backoff, maxBackoff := time.Second, 30*time.Second
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			break
		}
		s.logger.Warn("mqtt connect failed", "error", token.Error(), "backoff", backoff.String())
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return
		}
	}
	<-ctx.Done()
	s.client.Disconnect(250)
}
