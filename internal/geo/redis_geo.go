package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisDirectory keeps mover positions in a Redis GEO set with a metadata
// hash per mover. The consumer writes it from the location log; the server
// reads it once at startup to seed the in-memory directory.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = "movers_geo"
	}
	return &RedisDirectory{client: client, key: key}
}

// NewRedisClient connects and pings so misconfiguration fails at startup.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

func (r *RedisDirectory) Key() string { return r.key }

// UpsertMover writes the mover position and metadata.
func (r *RedisDirectory) UpsertMover(ctx context.Context, m models.Mover) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: m.Loc.Lon, Latitude: m.Loc.Lat, Name: m.ID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(m.ID), MetaFields(m)).Err()
}

// UpdatePosition only moves the GEO member; metadata is left untouched.
func (r *RedisDirectory) UpdatePosition(ctx context.Context, moverID string, c models.Coord, at time.Time) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: moverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(moverID), "updated", at.UTC().Format(time.RFC3339)).Err()
}

// LoadMovers reads every member of the GEO set. Members without metadata
// are skipped since their vehicle class is unknown.
func (r *RedisDirectory) LoadMovers(ctx context.Context) ([]models.Mover, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", r.key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	positions, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("geopos %s: %w", r.key, err)
	}
	out := make([]models.Mover, 0, len(ids))
	for i, id := range ids {
		if i >= len(positions) || positions[i] == nil {
			continue
		}
		meta, err := r.client.HGetAll(ctx, MetaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", MetaKey(id), err)
		}
		class, ok := meta["vehicle_class"]
		if !ok || class == "" {
			continue
		}
		m := models.Mover{
			ID:           id,
			Loc:          models.Coord{Lat: positions[i].Latitude, Lon: positions[i].Longitude},
			VehicleClass: models.VehicleClass(class),
			Available:    true,
		}
		if v, ok := meta["available"]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				m.Available = b
			}
		}
		if v, ok := meta["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				m.Updated = ts
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func MetaKey(id string) string { return "mover:meta:" + id }

func MetaFields(m models.Mover) map[string]interface{} {
	return map[string]interface{}{
		"vehicle_class": string(m.VehicleClass),
		"available":     strconv.FormatBool(m.Available),
		"updated":       m.Updated.UTC().Format(time.RFC3339),
	}
}
