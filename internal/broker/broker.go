// Package broker is the only cross-process channel: per-channel FIFO pub/sub
// plus a small TTL-capable key-value surface.
package broker

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("broker: closed")

// Handler receives every message for channels this process subscribed to,
// in publish order per channel.
type Handler func(channel string, payload []byte)

type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	// Run feeds incoming messages to h until ctx ends or the broker closes.
	Run(ctx context.Context, h Handler) error

	// Incr atomically increments key and refreshes its ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)

	Close() error
}

func TripChannel(tripID string) string { return "trip:" + tripID }

func TripSeqKey(tripID string) string { return "trip:seq:" + tripID }

func ProcessConnectionsKey(processID string) string { return "process:connections:" + processID }
