package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type sentEvent struct {
	recipient string
	kind      models.NotificationKind
}

// recordingChannel delivers everything unless fail is set per recipient.
type recordingChannel struct {
	mu     sync.Mutex
	fail   map[string]bool
	events []sentEvent
}

func (r *recordingChannel) Send(_ context.Context, recipientID string, kind models.NotificationKind, _ any) (notify.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[recipientID] {
		return "", errors.New("unreachable")
	}
	r.events = append(r.events, sentEvent{recipient: recipientID, kind: kind})
	return notify.Delivered, nil
}

func (r *recordingChannel) kindsFor(recipient string) []models.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationKind
	for _, e := range r.events {
		if e.recipient == recipient {
			out = append(out, e.kind)
		}
	}
	return out
}

// countingStore tracks ride creations on top of the memory store.
type countingStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	created []string
}

func (c *countingStore) CreateRequested(ctx context.Context, r *models.Ride) error {
	c.mu.Lock()
	c.created = append(c.created, r.ID)
	c.mu.Unlock()
	return c.MemoryStore.CreateRequested(ctx, r)
}

type fakePayments struct {
	mu    sync.Mutex
	holds []int64
}

func (f *fakePayments) Hold(_ context.Context, amount int64, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds = append(f.holds, amount)
	return "pi_test", nil
}

type harness struct {
	coord   *Coordinator
	geo     *geo.Index
	store   *countingStore
	channel *recordingChannel
	pay     *fakePayments
	expiry  []func() // captured expiry tasks, run manually
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		geo:     geo.NewIndex(),
		store:   &countingStore{MemoryStore: storage.NewMemoryStore()},
		channel: &recordingChannel{fail: map[string]bool{}},
		pay:     &fakePayments{},
		clock:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	estimator := &fare.Estimator{
		Source: fare.StaticSource{Cfg: fare.Config{
			BaseFare: 50, PerKmRate: 12, PerMinuteRate: 2, FuelSurchargePc: 5, MinFare: 80,
			Multipliers: map[models.VehicleClass]float64{models.VehicleStandard: 1, models.VehicleXL: 1.5},
		}},
		Fallback: fare.Fallback{BaseFare: 40, PerKmRate: 10, PerMinuteRate: 1.5, MinFare: 60},
		Logger:   logger,
	}
	notifier := &notify.Notifier{Store: h.store, Channel: h.channel, BatchSize: 5, Logger: logger}
	h.coord = NewCoordinator(h.geo, h.geo, eta.Naive{SpeedMps: 10}, estimator,
		h.store, h.store, notifier, h.pay, logger, Options{ResponseWindow: 60 * time.Second})
	h.coord.now = func() time.Time { return h.clock }
	h.coord.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		h.expiry = append(h.expiry, f)
		return nil
	}
	return h
}

func (h *harness) addDriver(id string, lat, lon float64) {
	_ = h.geo.Upsert(context.Background(), models.Driver{
		ID: id, Loc: models.Coord{Lat: lat, Lon: lon},
		Online: true, Availability: models.AvailAvailable,
		VehicleClass: models.VehicleStandard, Rating: 4.5,
	})
}

func (h *harness) addThreeDrivers() {
	h.addDriver("d1", 12.905, 77.585)
	h.addDriver("d2", 12.910, 77.590)
	h.addDriver("d3", 12.915, 77.575)
}

func validRequest() models.RideRequest {
	return models.RideRequest{
		RiderID:      "rider1",
		Pickup:       models.Stop{Address: "MG Road", Coord: models.Coord{Lat: 12.90, Lon: 77.58}},
		Destination:  models.Stop{Address: "Indiranagar", Coord: models.Coord{Lat: 12.93, Lon: 77.61}},
		VehicleClass: "standard",
		ContactPhone: "+911234567890",
	}
}

func TestRequestRideHappyPath(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Status != models.StatusRequested {
		t.Fatalf("expected requested, got %s", sum.Status)
	}
	if len(sum.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(sum.Candidates))
	}
	if sum.Fare.Total < 80 {
		t.Fatalf("total %f below minimum fare", sum.Fare.Total)
	}
	if !sum.ExpiresAt.Equal(h.clock.Add(60 * time.Second)) {
		t.Fatalf("expiresAt %v, want createdAt+60s", sum.ExpiresAt)
	}
	for i := 1; i < len(sum.Candidates); i++ {
		if sum.Candidates[i-1].DistM > sum.Candidates[i].DistM {
			t.Fatal("candidates not ordered by distance")
		}
	}
	if len(h.expiry) != 1 {
		t.Fatalf("expected one armed expiry task, got %d", len(h.expiry))
	}
}

func TestRequestRideInvalidInput(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	cases := map[string]func(*models.RideRequest){
		"bad pickup latitude": func(r *models.RideRequest) { r.Pickup.Coord.Lat = 95 },
		"bad dest longitude":  func(r *models.RideRequest) { r.Destination.Coord.Lon = -200 },
		"same point":          func(r *models.RideRequest) { r.Destination.Coord = r.Pickup.Coord },
		"unknown class":       func(r *models.RideRequest) { r.VehicleClass = "hoverboard" },
		"missing rider":       func(r *models.RideRequest) { r.RiderID = "" },
		"missing contact":     func(r *models.RideRequest) { r.ContactPhone = "" },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		_, err := h.coord.RequestRide(context.Background(), req)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
	if len(h.store.created) != 0 {
		t.Fatalf("invalid requests must not persist rides, created %d", len(h.store.created))
	}
}

func TestRequestRideNoDriversPersistsNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.RequestRide(context.Background(), validRequest())
	if !errors.Is(err, ErrNoDriversNearby) {
		t.Fatalf("expected ErrNoDriversNearby, got %v", err)
	}
	if len(h.store.created) != 0 {
		t.Fatal("no ride may be persisted when zero candidates are found")
	}
	if len(h.expiry) != 0 {
		t.Fatal("no expiry task may be armed without a ride")
	}
}

func TestRequestRidePartialNotificationFailure(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()
	h.channel.fail["d2"] = true

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("partial delivery failure must not fail the request: %v", err)
	}
	if len(sum.Candidates) != 3 {
		t.Fatalf("full candidate list expected, got %d", len(sum.Candidates))
	}
}

func TestRequestRideAllNotificationsFailed(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()
	for _, id := range []string{"d1", "d2", "d3"} {
		h.channel.fail[id] = true
	}

	_, err := h.coord.RequestRide(context.Background(), validRequest())
	if !errors.Is(err, notify.ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	// the ride record exists and the expiry task will clean it up
	if len(h.store.created) != 1 || len(h.expiry) != 1 {
		t.Fatalf("ride should be persisted with expiry armed, got created=%d expiry=%d", len(h.store.created), len(h.expiry))
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		res *models.AcceptResult
		err error
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i, id := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := h.coord.AcceptRide(context.Background(), sum.RideID, id)
			results[i] = outcome{res, err}
		}(i, id)
	}
	wg.Wait()

	var wins, losses int
	for _, o := range results {
		if o.err == nil {
			wins++
			if o.res.Status != models.StatusAccepted {
				t.Fatalf("winner status %s", o.res.Status)
			}
		} else {
			losses++
			var ae *AcceptError
			if !errors.As(o.err, &ae) || ae.Reason != ReasonAlreadyAccepted {
				t.Fatalf("loser should see already_accepted, got %v", o.err)
			}
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}

	ride, err := h.store.Get(context.Background(), sum.RideID)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusAccepted || ride.DriverID == "" {
		t.Fatalf("ride state inconsistent: %+v", ride)
	}
}

func TestAcceptAfterExpiryWindow(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	h.clock = h.clock.Add(61 * time.Second)
	_, err = h.coord.AcceptRide(context.Background(), sum.RideID, "d1")
	var ae *AcceptError
	if !errors.As(err, &ae) || ae.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestAcceptUnknownRide(t *testing.T) {
	h := newHarness(t)
	h.addDriver("d1", 12.905, 77.585)

	_, err := h.coord.AcceptRide(context.Background(), "nope", "d1")
	var ae *AcceptError
	if !errors.As(err, &ae) || ae.Reason != ReasonNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestAcceptDriverUnavailable(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	_ = h.geo.SetAvailability(context.Background(), "d1", models.AvailBusy)

	_, err = h.coord.AcceptRide(context.Background(), sum.RideID, "d1")
	var ae *AcceptError
	if !errors.As(err, &ae) || ae.Reason != ReasonDriverUnavailable {
		t.Fatalf("expected driver_unavailable, got %v", err)
	}
}

func TestAcceptMarksDriverInRideAndHoldsFare(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.AcceptRide(context.Background(), sum.RideID, "d1"); err != nil {
		t.Fatal(err)
	}

	d, err := h.geo.Driver(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Availability != models.AvailInRide {
		t.Fatalf("driver availability %s, want in_ride", d.Availability)
	}
	if len(h.pay.holds) != 1 {
		t.Fatalf("expected one fare hold, got %d", len(h.pay.holds))
	}
	kinds := h.channel.kindsFor("rider1")
	if len(kinds) != 1 || kinds[0] != models.KindRideAccepted {
		t.Fatalf("rider should get ride_accepted, got %v", kinds)
	}
}

func TestExpiryCancelsUntakenRide(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}

	h.clock = h.clock.Add(61 * time.Second)
	h.expiry[0]()

	ride, err := h.store.Get(context.Background(), sum.RideID)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", ride.Status)
	}
	if ride.CancellationReason != "no driver accepted" {
		t.Fatalf("wrong reason %q", ride.CancellationReason)
	}
	for _, n := range h.store.NotificationsForRide(sum.RideID) {
		if n.Kind == models.KindRideRequest && n.Status != models.NotifExpired {
			t.Fatalf("pending notification not expired: %+v", n)
		}
	}
	kinds := h.channel.kindsFor("rider1")
	if len(kinds) != 1 || kinds[0] != models.KindRideCancelled {
		t.Fatalf("rider should get ride_cancelled, got %v", kinds)
	}
}

func TestExpiryIsNoopAfterAccept(t *testing.T) {
	h := newHarness(t)
	h.addThreeDrivers()

	sum, err := h.coord.RequestRide(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.AcceptRide(context.Background(), sum.RideID, "d1"); err != nil {
		t.Fatal(err)
	}

	h.clock = h.clock.Add(61 * time.Second)
	h.expiry[0]()

	ride, err := h.store.Get(context.Background(), sum.RideID)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.StatusAccepted || ride.DriverID != "d1" {
		t.Fatalf("expiry clobbered accepted ride: %+v", ride)
	}
}
