package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type queueChannel struct{}

func (queueChannel) Send(context.Context, string, models.NotificationKind, any) (notify.Delivery, error) {
	return notify.QueuedFallback, nil
}

func newTestServer(t *testing.T) (*Server, *geo.Index) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := geo.NewIndex()
	store := storage.NewMemoryStore()
	estimator := &fare.Estimator{
		Source: fare.StaticSource{Cfg: fare.Config{
			BaseFare: 50, PerKmRate: 12, PerMinuteRate: 2, MinFare: 80,
			Multipliers: map[models.VehicleClass]float64{models.VehicleStandard: 1},
		}},
		Fallback: fare.Fallback{BaseFare: 40, PerKmRate: 10, PerMinuteRate: 1.5, MinFare: 60},
		Logger:   logger,
	}
	notifier := &notify.Notifier{Store: store, Channel: queueChannel{}, BatchSize: 5, Logger: logger}
	coord := dispatch.NewCoordinator(g, g, eta.Naive{SpeedMps: 10}, estimator,
		store, store, notifier, nil, logger, dispatch.Options{ResponseWindow: time.Minute})
	return NewServer(coord, g, nil, notify.NewRegistry(), logger), g
}

func addDriver(t *testing.T, g *geo.Index, id string) {
	t.Helper()
	_ = g.Upsert(context.Background(), models.Driver{
		ID: id, Loc: models.Coord{Lat: 12.905, Lon: 77.585},
		Online: true, Availability: models.AvailAvailable,
		VehicleClass: models.VehicleStandard,
	})
}

func rideRequestBody() []byte {
	b, _ := json.Marshal(models.RideRequest{
		RiderID:      "rider1",
		Pickup:       models.Stop{Address: "A", Coord: models.Coord{Lat: 12.90, Lon: 77.58}},
		Destination:  models.Stop{Address: "B", Coord: models.Coord{Lat: 12.93, Lon: 77.61}},
		VehicleClass: "standard",
		ContactPhone: "+911234567890",
	})
	return b
}

func TestHandleRideRequestCreated(t *testing.T) {
	srv, g := newTestServer(t)
	addDriver(t, g, "d1")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/request", bytes.NewReader(rideRequestBody())))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var sum models.RideSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Status != models.StatusRequested || sum.RideID == "" {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestHandleRideRequestNoDrivers(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/request", bytes.NewReader(rideRequestBody())))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRideRequestInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/request", bytes.NewReader([]byte("{not json"))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleAcceptRideRace(t *testing.T) {
	srv, g := newTestServer(t)
	addDriver(t, g, "d1")
	addDriver(t, g, "d2")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/request", bytes.NewReader(rideRequestBody())))
	var sum models.RideSummary
	_ = json.Unmarshal(rec.Body.Bytes(), &sum)

	accept := func(driverID string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"driver_id": driverID})
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/"+sum.RideID+"/accept", bytes.NewReader(body)))
		return rec
	}

	first := accept("d1")
	if first.Code != http.StatusOK {
		t.Fatalf("first accept: %d %s", first.Code, first.Body.String())
	}
	second := accept("d2")
	if second.Code != http.StatusConflict {
		t.Fatalf("second accept should conflict, got %d", second.Code)
	}
	var errBody map[string]string
	_ = json.Unmarshal(second.Body.Bytes(), &errBody)
	if errBody["error"] != "already_accepted" {
		t.Fatalf("expected already_accepted, got %q", errBody["error"])
	}
}

func TestHandleAcceptUnknownRide(t *testing.T) {
	srv, g := newTestServer(t)
	addDriver(t, g, "d1")

	body, _ := json.Marshal(map[string]string{"driver_id": "d1"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/rides/missing/accept", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleDriverUpdate(t *testing.T) {
	srv, g := newTestServer(t)

	b, _ := json.Marshal(models.Driver{
		ID: "d9", Loc: models.Coord{Lat: 12.9, Lon: 77.6},
		Online: true, Availability: models.AvailAvailable, VehicleClass: models.VehicleStandard,
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/internal/driver/locations", bytes.NewReader(b)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := g.Driver(context.Background(), "d9"); err != nil {
		t.Fatalf("driver not upserted: %v", err)
	}
}
