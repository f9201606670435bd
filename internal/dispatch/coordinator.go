package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// PaymentHolder places a manual-capture hold for the fare total once a driver
// accepts. Amounts are in minor currency units.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// Options are the dispatch tunables, loaded from config.
type Options struct {
	ResponseWindow time.Duration // how long a requested ride stays acceptable
	SearchRadiusM  float64       // proximity query radius
	MaxCandidates  int           // upper bound on drivers notified per request
	Currency       string        // ISO code for payment holds
}

func (o *Options) applyDefaults() {
	if o.ResponseWindow <= 0 {
		o.ResponseWindow = 60 * time.Second
	}
	if o.SearchRadiusM <= 0 {
		o.SearchRadiusM = 5000
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 10
	}
	if o.Currency == "" {
		o.Currency = "inr"
	}
}

// Coordinator orchestrates ride dispatch: it validates a request, computes
// route and fare, finds candidates, persists the requested ride, fans out
// notifications and arms the response timeout. Acceptance arrives through a
// separate entry point and races the timeout; the store's conditional update
// is the only concurrency-control primitive.
type Coordinator struct {
	Geo           geo.Geo
	Drivers       geo.Directory
	Routes        eta.Client
	Fares         *fare.Estimator
	Store         storage.RideStore
	Notifications storage.NotificationStore
	Notifier      *notify.Notifier
	Payments      PaymentHolder
	Logger        *slog.Logger
	Opts          Options

	// test seams; zero values use the real clock
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewCoordinator(g geo.Geo, dir geo.Directory, routes eta.Client, fares *fare.Estimator,
	store storage.RideStore, notifications storage.NotificationStore, notifier *notify.Notifier,
	payments PaymentHolder, logger *slog.Logger, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		Geo:           g,
		Drivers:       dir,
		Routes:        routes,
		Fares:         fares,
		Store:         store,
		Notifications: notifications,
		Notifier:      notifier,
		Payments:      payments,
		Logger:        logger,
		Opts:          opts,
		now:           time.Now,
		afterFunc:     time.AfterFunc,
	}
}

// RequestRide runs the dispatch pipeline. On success the ride is persisted in
// requested state, candidates have been notified (partial delivery failure is
// tolerated) and the expiry timer is armed.
func (c *Coordinator) RequestRide(ctx context.Context, req models.RideRequest) (*models.RideSummary, error) {
	start := c.now()

	class, err := c.validate(req)
	if err != nil {
		observability.RidesRejected.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	route, err := c.Routes.EstimateRoute(ctx, req.Pickup.Coord, req.Destination.Coord)
	if err != nil {
		observability.RidesRejected.WithLabelValues("route_unavailable").Inc()
		return nil, errors.Join(ErrRouteUnavailable, err)
	}
	if route.DistanceMeters <= 0 || route.DurationSeconds <= 0 {
		observability.RidesRejected.WithLabelValues("route_unavailable").Inc()
		return nil, ErrRouteUnavailable
	}

	candidates, err := c.Geo.FindNearby(ctx, req.Pickup.Coord, class, c.Opts.SearchRadiusM, c.Opts.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("find nearby drivers: %w", err)
	}
	if len(candidates) == 0 {
		observability.RidesRejected.WithLabelValues("no_drivers").Inc()
		return nil, ErrNoDriversNearby
	}

	breakdown, err := c.Fares.Estimate(ctx, route.DistanceMeters, route.DurationSeconds, class)
	if err != nil {
		return nil, invalidInput("fare estimate: %v", err)
	}

	now := c.now()
	ride := &models.Ride{
		ID:      notify.NewID(),
		RiderID: req.RiderID,
		Pickup: models.Stop{
			Address:      req.Pickup.Address,
			Coord:        req.Pickup.Coord,
			ContactPhone: req.ContactPhone,
		},
		Destination:        req.Destination,
		VehicleClass:       class,
		Fare:               breakdown,
		EstimatedDistanceM: route.DistanceMeters,
		EstimatedDurationS: route.DurationSeconds,
		Status:             models.StatusRequested,
		ExpiresAt:          now.Add(c.Opts.ResponseWindow),
		Timeline:           models.Timeline{RequestedAt: now},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.Store.CreateRequested(ctx, ride); err != nil {
		return nil, err
	}

	result, err := c.Notifier.NotifyCandidates(ctx, ride, candidates)
	if err != nil {
		// Every candidate was unreachable: the request fails and the expiry
		// task will cancel the orphaned ride record.
		c.armExpiry(ride.ID)
		return nil, err
	}
	if len(result.Failed) > 0 {
		c.Logger.Warn("some candidates unreachable",
			"ride_id", ride.ID, "failed", len(result.Failed), "succeeded", len(result.Succeeded))
	}

	c.armExpiry(ride.ID)

	observability.RidesRequested.Inc()
	observability.DispatchLatency.Observe(c.now().Sub(start).Seconds())
	c.Logger.Info("ride dispatched",
		"ride_id", ride.ID, "rider_id", req.RiderID,
		"candidates", len(candidates), "fare_total", breakdown.Total,
		"expires_at", ride.ExpiresAt)

	return &models.RideSummary{
		RideID:     ride.ID,
		Status:     ride.Status,
		Fare:       ride.Fare,
		ExpiresAt:  ride.ExpiresAt,
		Candidates: candidates,
	}, nil
}

func (c *Coordinator) validate(req models.RideRequest) (models.VehicleClass, error) {
	if req.RiderID == "" {
		return "", invalidInput("rider_id is required")
	}
	if req.ContactPhone == "" {
		return "", invalidInput("contact_phone is required")
	}
	if err := req.Pickup.Coord.Validate(); err != nil {
		return "", invalidInput("pickup: %v", err)
	}
	if err := req.Destination.Coord.Validate(); err != nil {
		return "", invalidInput("destination: %v", err)
	}
	if req.Pickup.Coord == req.Destination.Coord {
		return "", invalidInput("pickup and destination must be distinct points")
	}
	class, err := models.ParseVehicleClass(req.VehicleClass)
	if err != nil {
		return "", invalidInput("%v", err)
	}
	return class, nil
}

// AcceptRide is the driver-side entry point racing the expiry task and other
// accept attempts. At most one caller wins per ride; losers get an
// AcceptError whose reason reflects current ride state.
func (c *Coordinator) AcceptRide(ctx context.Context, rideID, driverID string) (*models.AcceptResult, error) {
	if rideID == "" || driverID == "" {
		return nil, invalidInput("ride_id and driver_id are required")
	}

	driver, err := c.Drivers.Driver(ctx, driverID)
	if err != nil || !driver.Online || driver.Availability != models.AvailAvailable {
		observability.AcceptsLost.WithLabelValues(string(ReasonDriverUnavailable)).Inc()
		return nil, &AcceptError{RideID: rideID, Reason: ReasonDriverUnavailable}
	}

	now := c.now()
	won, err := c.Store.TryAccept(ctx, rideID, driverID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		reason := c.loseReason(ctx, rideID)
		observability.AcceptsLost.WithLabelValues(string(reason)).Inc()
		return nil, &AcceptError{RideID: rideID, Reason: reason}
	}

	if err := c.Drivers.SetAvailability(ctx, driverID, models.AvailInRide); err != nil {
		c.Logger.Error("mark driver in_ride", "driver_id", driverID, "error", err)
	}
	if _, err := c.Notifications.ExpireOutstanding(ctx, rideID); err != nil {
		c.Logger.Error("expire outstanding notifications", "ride_id", rideID, "error", err)
	}

	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		c.Logger.Error("re-read accepted ride", "ride_id", rideID, "error", err)
	} else {
		payload := models.RidePayload{
			RideID:      ride.ID,
			Pickup:      ride.Pickup,
			Destination: ride.Destination,
			FareTotal:   ride.Fare.Total,
			Class:       ride.VehicleClass,
			DurationS:   ride.EstimatedDurationS,
		}
		if err := c.Notifier.NotifyRider(ctx, ride.RiderID, models.KindRideAccepted, payload); err != nil {
			c.Logger.Error("notify rider of acceptance", "ride_id", rideID, "error", err)
		}
		c.holdFare(ctx, ride)
	}

	observability.AcceptsWon.Inc()
	c.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	return &models.AcceptResult{RideID: rideID, Status: models.StatusAccepted, Driver: driver}, nil
}

// loseReason re-reads the ride so the caller gets an accurate explanation.
func (c *Coordinator) loseReason(ctx context.Context, rideID string) AcceptReason {
	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return ReasonNotFound
	}
	if ride.DriverID != "" {
		return ReasonAlreadyAccepted
	}
	return ReasonExpired
}

// holdFare is best effort: a payment hold failure never rolls back an accept.
func (c *Coordinator) holdFare(ctx context.Context, ride *models.Ride) {
	if c.Payments == nil {
		return
	}
	amount := int64(math.Round(ride.Fare.Total * 100))
	if amount <= 0 {
		return
	}
	if _, err := c.Payments.Hold(ctx, amount, c.Opts.Currency, ride.RiderID); err != nil {
		c.Logger.Error("fare hold failed", "ride_id", ride.ID, "amount", amount, "error", err)
	}
}

// armExpiry schedules the response timeout. The timer is never cancelled on
// acceptance: the conditional update inside expire makes a late firing a
// no-op, so an orphaned timer is harmless.
func (c *Coordinator) armExpiry(rideID string) {
	c.afterFunc(c.Opts.ResponseWindow, func() {
		c.expire(rideID)
	})
}

// expire is the scheduled requested -> cancelled transition. It uses the same
// conditional check as accept so it can never clobber a just-accepted ride.
// One attempt only; failures are logged, not retried.
func (c *Coordinator) expire(rideID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	won, err := c.Store.TryExpire(ctx, rideID, "no driver accepted", c.now())
	if err != nil {
		c.Logger.Error("expiry transition failed", "ride_id", rideID, "error", err)
		return
	}
	if !won {
		// Accepted (or already cancelled) in the meantime.
		return
	}

	observability.RidesExpired.Inc()
	c.Logger.Info("ride expired", "ride_id", rideID, "reason", "no driver accepted")

	if _, err := c.Notifications.ExpireOutstanding(ctx, rideID); err != nil {
		c.Logger.Error("expire outstanding notifications", "ride_id", rideID, "error", err)
	}

	ride, err := c.Store.Get(ctx, rideID)
	if err != nil {
		c.Logger.Error("re-read expired ride", "ride_id", rideID, "error", err)
		return
	}
	payload := models.RidePayload{RideID: ride.ID, Pickup: ride.Pickup, Destination: ride.Destination}
	if err := c.Notifier.NotifyRider(ctx, ride.RiderID, models.KindRideCancelled, payload); err != nil {
		c.Logger.Error("notify rider of expiry", "ride_id", rideID, "error", err)
	}
}
