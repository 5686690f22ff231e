package history

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/models"
)

// RedisLog stores the replay log in a single Redis stream shared by all
// processes. The newest location per trip is mirrored into its own key so
// late joiners can catch up without scanning the stream.
type RedisLog struct {
	client    *redis.Client
	stream    string
	retention time.Duration
}

func NewRedisLog(client *redis.Client, stream string, retention time.Duration) *RedisLog {
	return &RedisLog{client: client, stream: stream, retention: retention}
}

func (r *RedisLog) latestKey(tripID string) string { return r.stream + ":latest:" + tripID }

func (r *RedisLog) Append(ctx context.Context, env models.BatchEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, Values: map[string]interface{}{"env": b}})
	if env.Type == models.EnvelopeLocation {
		pipe.Set(ctx, r.latestKey(env.TripID), b, r.retention)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisLog) Range(ctx context.Context, after string, limit int) ([]Entry, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = r.client.XRangeN(ctx, r.stream, start, "+", int64(limit)).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.stream, start, "+").Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["env"].(string)
		var env models.BatchEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, Entry{ID: m.ID, Envelope: env})
	}
	return out, nil
}

func (r *RedisLog) Latest(ctx context.Context, tripID string) (models.BatchEnvelope, bool, error) {
	var env models.BatchEnvelope
	b, err := r.client.Get(ctx, r.latestKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return env, false, nil
	}
	if err != nil {
		return env, false, err
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, false, err
	}
	return env, true, nil
}

func (r *RedisLog) Trim(ctx context.Context, before time.Time) (int64, error) {
	return r.client.XTrimMinID(ctx, r.stream, strconv.FormatInt(before.UnixMilli(), 10)).Result()
}
