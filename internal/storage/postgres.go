package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides and notifications. The conditional WHERE
// clauses on TryAccept/TryExpire make the single UPDATE the compare-and-swap:
// RowsAffected is the race verdict, no explicit locking involved.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for wiring the fare config source.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateRequested(ctx context.Context, r *models.Ride) error {
	fare, err := json.Marshal(r.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(
			id, rider_id, driver_id,
			pickup_address, pickup_lon, pickup_lat, contact_phone,
			dest_address, dest_lon, dest_lat,
			vehicle_class, fare, est_distance_m, est_duration_s,
			status, expires_at, requested_at, created_at, updated_at)
		VALUES($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.RiderID,
		r.Pickup.Address, r.Pickup.Coord.Lon, r.Pickup.Coord.Lat, r.Pickup.ContactPhone,
		r.Destination.Address, r.Destination.Coord.Lon, r.Destination.Coord.Lat,
		string(r.VehicleClass), fare, r.EstimatedDistanceM, r.EstimatedDurationS,
		string(r.Status), r.ExpiresAt, r.Timeline.RequestedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT
			id, rider_id, COALESCE(driver_id, ''),
			pickup_address, pickup_lon, pickup_lat, COALESCE(contact_phone, ''),
			dest_address, dest_lon, dest_lat,
			vehicle_class, fare, est_distance_m, est_duration_s,
			status, COALESCE(cancellation_reason, ''), expires_at,
			requested_at, accepted_at, created_at, updated_at
		FROM rides WHERE id = $1`, id)

	var r models.Ride
	var fare []byte
	var status, class string
	var acceptedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID,
		&r.Pickup.Address, &r.Pickup.Coord.Lon, &r.Pickup.Coord.Lat, &r.Pickup.ContactPhone,
		&r.Destination.Address, &r.Destination.Coord.Lon, &r.Destination.Coord.Lat,
		&class, &fare, &r.EstimatedDistanceM, &r.EstimatedDurationS,
		&status, &r.CancellationReason, &r.ExpiresAt,
		&r.Timeline.RequestedAt, &acceptedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.RideStatus(status)
	if err := json.Unmarshal(fare, &r.Fare); err != nil {
		return nil, err
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.Timeline.AcceptedAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) TryAccept(ctx context.Context, rideID, driverID string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET status = 'accepted', driver_id = $2, accepted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'requested' AND driver_id IS NULL AND expires_at > $3`,
		rideID, driverID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) TryExpire(ctx context.Context, rideID, reason string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET status = 'cancelled', cancellation_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'requested'`,
		rideID, reason, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(
			id, recipient_id, recipient_type, ride_id, kind, status, expires_at, payload, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.RecipientID, string(n.RecipientType), n.RideID,
		string(n.Kind), string(n.Status), n.ExpiresAt, payload, n.CreatedAt)
	return err
}

func (p *PostgresStore) MarkNotificationFailed(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET status = 'failed' WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ExpireOutstanding(ctx context.Context, rideID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications
		SET status = 'expired'
		WHERE ride_id = $1 AND status = 'sent'`, rideID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
