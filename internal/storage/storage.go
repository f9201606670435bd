package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrRideNotFound is returned by Get for unknown ride ids.
var ErrRideNotFound = errors.New("ride not found")

// RideStore is the durable ride record store. TryAccept and TryExpire are the
// two conditional updates that make up the dispatch concurrency-control
// contract: each applies only if the ride is still requested, and reports a
// lost race as (false, nil) rather than an error.
type RideStore interface {
	CreateRequested(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)

	// TryAccept performs requested -> accepted, only while the driver slot is
	// empty and expiresAt is in the future.
	TryAccept(ctx context.Context, rideID, driverID string, now time.Time) (bool, error)

	// TryExpire performs requested -> cancelled with the given reason.
	TryExpire(ctx context.Context, rideID, reason string, now time.Time) (bool, error)
}

// NotificationStore persists notification records created at fan-out time.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	MarkNotificationFailed(ctx context.Context, id string) error

	// ExpireOutstanding flips every still-sent notification for the ride to
	// expired, returning how many were touched.
	ExpireOutstanding(ctx context.Context, rideID string) (int, error)
}
