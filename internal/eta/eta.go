package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is the pluggable route estimator consumed by the coordinator.
type Client interface {
	EstimateRoute(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive estimates the route as haversine distance at a fixed average speed.
// Used directly in local runs and as the fallback when the routing engine is
// unreachable.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateRoute(_ context.Context, from, to models.Coord) (Route, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cached wraps a Client with a Cache, falling through on miss.
type Cached struct {
	Inner Client
	Cache *Cache
}

func (c Cached) EstimateRoute(ctx context.Context, from, to models.Coord) (Route, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Inner.EstimateRoute(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}
