package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps rides and notifications in process memory. The
// conditional transitions hold the same mutex as reads, giving the same
// at-most-one-winner guarantee the Postgres store gets from single-row
// UPDATE atomicity.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	notifications map[string]*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.Ride),
		notifications: make(map[string]*models.Notification),
	}
}

func (m *MemoryStore) CreateRequested(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrRideNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TryAccept(_ context.Context, rideID, driverID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, nil
	}
	if r.Status != models.StatusRequested || r.DriverID != "" || !r.ExpiresAt.After(now) {
		return false, nil
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	t := now
	r.Timeline.AcceptedAt = &t
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) TryExpire(_ context.Context, rideID, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, nil
	}
	if r.Status != models.StatusRequested {
		return false, nil
	}
	r.Status = models.StatusCancelled
	r.CancellationReason = reason
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Status = models.NotifFailed
	}
	return nil
}

func (m *MemoryStore) ExpireOutstanding(_ context.Context, rideID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RideID == rideID && n.Status == models.NotifSent {
			n.Status = models.NotifExpired
			count++
		}
	}
	return count, nil
}

// NotificationsForRide returns copies of all notifications for a ride,
// used by tests and debugging endpoints.
func (m *MemoryStore) NotificationsForRide(rideID string) []models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.RideID == rideID {
			out = append(out, *n)
		}
	}
	return out
}
