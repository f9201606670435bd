package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the proximity query interface used by the dispatch coordinator.
// FindNearby returns eligible drivers ordered ascending by distance, truncated
// to limit. An empty result is not an error; the caller decides what that means.
type Geo interface {
	FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusMeters float64, limit int) ([]models.Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// ErrDriverUnknown is returned by Driver for ids the index has never seen.
var ErrDriverUnknown = errors.New("driver unknown")

// Directory is the narrow driver-record surface dispatch is allowed to touch:
// a point-in-time read for accept-time eligibility, and the single in_ride
// write on acceptance. Driver records stay owned by the presence subsystem.
type Directory interface {
	Driver(ctx context.Context, id string) (models.Driver, error)
	SetAvailability(ctx context.Context, id string, a models.Availability) error
}

// ValidatePoint rejects malformed coordinates before any query is issued.
func ValidatePoint(c models.Coord) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid point: %w", err)
	}
	return nil
}

// Index is an in-memory implementation backed by a naive scan. It serves
// local runs and tests; production deployments use RedisGeo.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

// FindNearby evaluates eligibility at query time: a driver toggled offline
// between upsert and query is excluded.
func (g *Index) FindNearby(_ context.Context, point models.Coord, class models.VehicleClass, radiusMeters float64, limit int) ([]models.Candidate, error) {
	if err := ValidatePoint(point); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.Candidate, 0, limit)
	for _, d := range g.drivers {
		if !d.Eligible(class) {
			continue
		}
		dist := Haversine(point.Lat, point.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.Candidate{DriverID: d.ID, DistM: dist, Driver: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistM < out[j].DistM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Index) Driver(_ context.Context, id string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, ErrDriverUnknown
	}
	return d, nil
}

func (g *Index) SetAvailability(_ context.Context, id string, a models.Availability) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return ErrDriverUnknown
	}
	d.Availability = a
	d.Online = a != models.AvailOffline
	d.Updated = time.Now()
	g.drivers[id] = d
	return nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
