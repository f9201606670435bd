package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash per
// driver. Position lives in a GEO set; eligibility fields (online,
// availability, vehicle class) live in driver:meta:<id> and are checked on
// every query so stale entries never reach the coordinator.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient wires an existing client, used by the consumer binary.
func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon,
		Latitude:  d.Loc.Lat,
		Name:      d.ID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"name":          d.Name,
		"rating":        strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":        strconv.FormatBool(d.Online),
		"availability":  string(d.Availability),
		"vehicle_class": string(d.VehicleClass),
		"updated":       time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusMeters float64, limit int) ([]models.Candidate, error) {
	if err := ValidatePoint(point); err != nil {
		return nil, err
	}
	// Over-fetch: ineligible drivers are filtered out after the GEO query.
	count := limit * 4
	if count < limit {
		count = limit
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lon,
			Latitude:   point.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, limit)
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.Name = m["name"]
		if v, ok := m["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				d.Rating = f
			}
		}
		d.Online = m["online"] == "true"
		d.Availability = models.Availability(m["availability"])
		d.VehicleClass = models.VehicleClass(m["vehicle_class"])
		if !d.Eligible(class) {
			continue
		}
		// GEOSEARCH returns kilometers-free meter distances with RadiusUnit m.
		out = append(out, models.Candidate{DriverID: d.ID, DistM: g.Dist, Driver: d})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) Driver(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, err
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverUnknown
	}
	d := models.Driver{ID: id, Name: m["name"]}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.Availability = models.Availability(m["availability"])
	d.VehicleClass = models.VehicleClass(m["vehicle_class"])
	if pos, err := r.client.GeoPos(ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc.Lon = pos[0].Longitude
		d.Loc.Lat = pos[0].Latitude
	}
	return d, nil
}

func (r *RedisGeo) SetAvailability(ctx context.Context, id string, a models.Availability) error {
	return r.client.HSet(ctx, metaKey(id), map[string]interface{}{
		"availability": string(a),
		"online":       strconv.FormatBool(a != models.AvailOffline),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func metaKey(id string) string { return "driver:meta:" + id }
