package fare

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func testConfig() Config {
	return Config{
		BaseFare:        50,
		PerKmRate:       12,
		PerMinuteRate:   2,
		FuelSurchargePc: 5,
		MinFare:         80,
		Multipliers: map[models.VehicleClass]float64{
			models.VehicleStandard: 1.0,
			models.VehicleXL:       1.5,
			models.VehiclePremium:  2.0,
			models.VehicleLuxury:   3.0,
		},
	}
}

func testEstimator(src ConfigSource) *Estimator {
	return &Estimator{
		Source:   src,
		Fallback: Fallback{BaseFare: 40, PerKmRate: 10, PerMinuteRate: 1.5, MinFare: 60},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestEstimateBreakdown(t *testing.T) {
	e := testEstimator(StaticSource{Cfg: testConfig()})
	f, err := e.Estimate(context.Background(), 5000, 600, models.VehicleStandard)
	if err != nil {
		t.Fatal(err)
	}
	// base 50, distance 5*12=60, time 10*2=20, subtotal 130, +5% fuel = 136.50
	if f.Base != 50 || f.DistanceCost != 60 || f.TimeCost != 20 {
		t.Fatalf("unexpected components: %+v", f)
	}
	if f.Total != 136.50 {
		t.Fatalf("expected total 136.50, got %f", f.Total)
	}
	if f.Surge < 1 {
		t.Fatalf("surge below 1: %f", f.Surge)
	}
}

func TestEstimateAppliesClassMultiplier(t *testing.T) {
	e := testEstimator(StaticSource{Cfg: testConfig()})
	std, _ := e.Estimate(context.Background(), 5000, 600, models.VehicleStandard)
	xl, _ := e.Estimate(context.Background(), 5000, 600, models.VehicleXL)
	if xl.Total <= std.Total {
		t.Fatalf("xl total %f should exceed standard %f", xl.Total, std.Total)
	}
	if math.Abs(xl.Base-75) > 0.001 {
		t.Fatalf("expected xl base 75, got %f", xl.Base)
	}
}

func TestEstimateClampsToMinimumFare(t *testing.T) {
	e := testEstimator(StaticSource{Cfg: testConfig()})
	f, err := e.Estimate(context.Background(), 100, 30, models.VehicleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if f.Total != 80 {
		t.Fatalf("expected min fare 80, got %f", f.Total)
	}
}

func TestEstimateRejectsInvalidInputs(t *testing.T) {
	e := testEstimator(StaticSource{Cfg: testConfig()})
	if _, err := e.Estimate(context.Background(), 0, 600, models.VehicleStandard); err == nil {
		t.Fatal("expected error for zero distance")
	}
	if _, err := e.Estimate(context.Background(), 5000, -1, models.VehicleStandard); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

type failingSource struct{}

func (failingSource) Active(context.Context) (Config, error) {
	return Config{}, errors.New("db down")
}

func TestEstimateFallsBackWhenConfigUnavailable(t *testing.T) {
	e := testEstimator(failingSource{})
	f, err := e.Estimate(context.Background(), 5000, 600, models.VehicleStandard)
	if err != nil {
		t.Fatal(err)
	}
	// fallback: 40 + 5*10 + 10*1.5 = 105
	if f.Total != 105 {
		t.Fatalf("expected fallback total 105, got %f", f.Total)
	}
}

func TestFallbackRespectsMinimum(t *testing.T) {
	e := testEstimator(failingSource{})
	f, err := e.Estimate(context.Background(), 100, 30, models.VehicleStandard)
	if err != nil {
		t.Fatal(err)
	}
	if f.Total != 60 {
		t.Fatalf("expected fallback min 60, got %f", f.Total)
	}
}
