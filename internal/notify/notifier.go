package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrAllFailed distinguishes "every candidate notification failed" from "no
// candidates found"; only the former fails the overall ride request.
var ErrAllFailed = errors.New("all candidate notifications failed")

// Failure records one candidate the fan-out could not reach.
type Failure struct {
	DriverID string
	Err      error
}

// Result is the outcome of one fan-out.
type Result struct {
	Succeeded []models.Notification
	Failed    []Failure
}

// Notifier fans a ride request out to candidate drivers in bounded batches.
// Candidates within a batch are notified concurrently; batches run
// sequentially to cap load on the channel. One candidate's failure never
// aborts the others.
type Notifier struct {
	Store     storage.NotificationStore
	Channel   Channel
	BatchSize int
	Logger    *slog.Logger
}

// NotifyCandidates persists and delivers a ride_request notification per
// candidate. The payload is snapshotted from the ride at call time.
func (n *Notifier) NotifyCandidates(ctx context.Context, ride *models.Ride, candidates []models.Candidate) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, nil
	}
	batch := n.BatchSize
	if batch <= 0 {
		batch = 5
	}

	var res Result
	for start := 0; start < len(candidates); start += batch {
		end := start + batch
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		notifications := make([]*models.Notification, len(chunk))
		errs := make([]error, len(chunk))
		var wg sync.WaitGroup
		for i, cand := range chunk {
			wg.Add(1)
			go func(i int, cand models.Candidate) {
				defer wg.Done()
				notifications[i], errs[i] = n.notifyOne(ctx, ride, cand)
			}(i, cand)
		}
		wg.Wait()

		for i := range chunk {
			if errs[i] != nil {
				res.Failed = append(res.Failed, Failure{DriverID: chunk[i].DriverID, Err: errs[i]})
				n.Logger.Error("driver notification failed",
					"ride_id", ride.ID, "driver_id", chunk[i].DriverID, "error", errs[i])
				observability.NotificationsFailed.Inc()
				continue
			}
			res.Succeeded = append(res.Succeeded, *notifications[i])
			observability.NotificationsSent.Inc()
		}
	}

	n.Logger.Info("notification fan-out complete",
		"ride_id", ride.ID,
		"total", len(candidates),
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed))

	if len(res.Succeeded) == 0 {
		return res, ErrAllFailed
	}
	return res, nil
}

func (n *Notifier) notifyOne(ctx context.Context, ride *models.Ride, cand models.Candidate) (*models.Notification, error) {
	payload := models.RidePayload{
		RideID:      ride.ID,
		Pickup:      ride.Pickup,
		Destination: ride.Destination,
		FareTotal:   ride.Fare.Total,
		DistanceM:   cand.DistM,
		Class:       ride.VehicleClass,
		DurationS:   ride.EstimatedDurationS,
		ExpiresAt:   ride.ExpiresAt,
	}
	notification := &models.Notification{
		ID:            NewID(),
		RecipientID:   cand.DriverID,
		RecipientType: models.RecipientDriver,
		RideID:        ride.ID,
		Kind:          models.KindRideRequest,
		Status:        models.NotifSent,
		ExpiresAt:     ride.ExpiresAt,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
	if err := n.Store.CreateNotification(ctx, notification); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if _, err := n.Channel.Send(ctx, cand.DriverID, models.KindRideRequest, payload); err != nil {
		if markErr := n.Store.MarkNotificationFailed(ctx, notification.ID); markErr != nil {
			n.Logger.Error("mark notification failed", "notification_id", notification.ID, "error", markErr)
		}
		return nil, fmt.Errorf("deliver notification: %w", err)
	}
	return notification, nil
}

// NotifyRider delivers a rider-facing event (accept, cancel) with a durable
// record, best effort on the live path.
func (n *Notifier) NotifyRider(ctx context.Context, riderID string, kind models.NotificationKind, payload models.RidePayload) error {
	notification := &models.Notification{
		ID:            NewID(),
		RecipientID:   riderID,
		RecipientType: models.RecipientRider,
		RideID:        payload.RideID,
		Kind:          kind,
		Status:        models.NotifSent,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
	if err := n.Store.CreateNotification(ctx, notification); err != nil {
		return fmt.Errorf("persist rider notification: %w", err)
	}
	if _, err := n.Channel.Send(ctx, riderID, kind, payload); err != nil {
		return fmt.Errorf("deliver rider notification: %w", err)
	}
	return nil
}

// NewID generates an opaque identifier for rides and notifications.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
