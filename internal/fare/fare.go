package fare

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Config is the active fare configuration. Multipliers are keyed by vehicle
// class; a missing class falls back to 1.0.
type Config struct {
	ID              string
	BaseFare        float64
	PerKmRate       float64
	PerMinuteRate   float64
	FuelSurchargePc float64 // percentage of subtotal, 0..100
	MinFare         float64
	Multipliers     map[models.VehicleClass]float64
}

// ConfigSource loads the currently active fare configuration.
type ConfigSource interface {
	Active(ctx context.Context) (Config, error)
}

// StaticSource serves a fixed config, used for local runs and tests.
type StaticSource struct{ Cfg Config }

func (s StaticSource) Active(context.Context) (Config, error) { return s.Cfg, nil }

// Fallback is the fixed linear formula used when the active configuration
// cannot be loaded. Degraded mode only; never the primary path.
type Fallback struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
	MinFare       float64
}

// Estimator computes fare breakdowns from distance, duration and vehicle
// class. When the config source fails the estimator switches to the fallback
// formula and logs the switch; it never fails the whole request for a config
// read error.
type Estimator struct {
	Source   ConfigSource
	Fallback Fallback
	Logger   *slog.Logger
}

// Estimate returns the price breakdown. Invalid inputs are rejected.
func (e *Estimator) Estimate(ctx context.Context, distanceMeters, durationSeconds float64, class models.VehicleClass) (models.Fare, error) {
	if distanceMeters <= 0 {
		return models.Fare{}, fmt.Errorf("invalid distance %f", distanceMeters)
	}
	if durationSeconds <= 0 {
		return models.Fare{}, fmt.Errorf("invalid duration %f", durationSeconds)
	}

	cfg, err := e.Source.Active(ctx)
	if err != nil {
		e.Logger.Warn("fare config unavailable, using fallback formula", "error", err)
		return e.fallbackFare(distanceMeters, durationSeconds), nil
	}
	return computeFare(cfg, distanceMeters, durationSeconds, class), nil
}

func computeFare(cfg Config, distanceMeters, durationSeconds float64, class models.VehicleClass) models.Fare {
	multiplier := 1.0
	if m, ok := cfg.Multipliers[class]; ok && m > 0 {
		multiplier = m
	}

	distanceKm := distanceMeters / 1000
	durationMin := durationSeconds / 60

	base := cfg.BaseFare * multiplier
	distanceCost := distanceKm * cfg.PerKmRate * multiplier
	timeCost := durationMin * cfg.PerMinuteRate * multiplier
	subtotal := base + distanceCost + timeCost
	fuelSurcharge := subtotal * (cfg.FuelSurchargePc / 100)
	total := math.Max(cfg.MinFare, subtotal+fuelSurcharge)

	return models.Fare{
		Base:         round2(base),
		DistanceCost: round2(distanceCost),
		TimeCost:     round2(timeCost),
		Surge:        1,
		Total:        round2(total),
	}
}

func (e *Estimator) fallbackFare(distanceMeters, durationSeconds float64) models.Fare {
	f := e.Fallback
	base := f.BaseFare
	distanceCost := distanceMeters / 1000 * f.PerKmRate
	timeCost := durationSeconds / 60 * f.PerMinuteRate
	total := math.Max(f.MinFare, base+distanceCost+timeCost)
	return models.Fare{
		Base:         round2(base),
		DistanceCost: round2(distanceCost),
		TimeCost:     round2(timeCost),
		Surge:        1,
		Total:        round2(total),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
