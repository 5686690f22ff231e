package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-realtime/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, shared by all processes.
type RedisIndex struct {
	client *redis.Client
	key    string
	maxAge time.Duration
}

func NewRedisIndex(client *redis.Client, key string, maxAge time.Duration) *RedisIndex {
	return &RedisIndex{client: client, key: key, maxAge: maxAge}
}

func (r *RedisIndex) Upsert(ctx context.Context, e models.LatestLocationEntry) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: e.Sample.Lng, Latitude: e.Sample.Lat, Name: e.Sample.UserID})
	pipe.HSet(ctx, metaKey(e.Sample.UserID), map[string]interface{}{"trip": e.TripID, "updated": strconv.FormatInt(time.Now().UnixMilli(), 10)})
	pipe.Expire(ctx, metaKey(e.Sample.UserID), r.maxAge)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Position, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		// members whose metadata expired have gone quiet
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		p := Position{UserID: g.Name, TripID: m["trip"], Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}, DistanceMeters: g.Dist}
		p.UpdatedAtMs, _ = strconv.ParseInt(m["updated"], 10, 64)
		out = append(out, p)
	}
	return out, nil
}

func metaKey(userID string) string { return "position:meta:" + userID }
