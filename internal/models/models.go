package models

import (
	"fmt"
	"time"
)

// Coord is a WGS84 point. JSON order follows GeoJSON: longitude first.
type Coord struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Validate checks coordinate ranges.
func (c Coord) Validate() error {
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %f out of range [-180,180]", c.Lon)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range [-90,90]", c.Lat)
	}
	return nil
}

// VehicleClass is the categorical tier affecting fare multiplier and driver eligibility.
type VehicleClass string

const (
	VehicleStandard VehicleClass = "standard"
	VehicleXL       VehicleClass = "xl"
	VehiclePremium  VehicleClass = "premium"
	VehicleLuxury   VehicleClass = "luxury"
)

// ParseVehicleClass validates a raw string against the known tiers.
func ParseVehicleClass(s string) (VehicleClass, error) {
	switch VehicleClass(s) {
	case VehicleStandard, VehicleXL, VehiclePremium, VehicleLuxury:
		return VehicleClass(s), nil
	}
	return "", fmt.Errorf("unknown vehicle class %q", s)
}

// RideStatus is the ride lifecycle state.
type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is valid out of s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Availability is a driver's dispatch availability.
type Availability string

const (
	AvailOffline   Availability = "offline"
	AvailAvailable Availability = "available"
	AvailInRide    Availability = "in_ride"
	AvailBusy      Availability = "busy"
)

// Stop is one endpoint of a ride.
type Stop struct {
	Address      string `json:"address"`
	Coord        Coord  `json:"coord"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// Fare is the price breakdown for a ride. Components are rounded to two
// decimal places; Total is never below the configured minimum fare.
type Fare struct {
	Base         float64 `json:"base"`
	DistanceCost float64 `json:"distance_cost"`
	TimeCost     float64 `json:"time_cost"`
	Surge        float64 `json:"surge"` // multiplier, >= 1
	Total        float64 `json:"total"`
}

// Timeline records when each lifecycle step happened.
type Timeline struct {
	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Ride is the central dispatch entity. DriverID is empty until a driver wins
// the accept race; it is set exactly once.
type Ride struct {
	ID                 string       `json:"id"`
	RiderID            string       `json:"rider_id"`
	DriverID           string       `json:"driver_id,omitempty"`
	Pickup             Stop         `json:"pickup"`
	Destination        Stop         `json:"destination"`
	VehicleClass       VehicleClass `json:"vehicle_class"`
	Fare               Fare         `json:"fare"`
	EstimatedDistanceM float64      `json:"estimated_distance_m"`
	EstimatedDurationS float64      `json:"estimated_duration_s"`
	Status             RideStatus   `json:"status"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
	ExpiresAt          time.Time    `json:"expires_at"`
	Timeline           Timeline     `json:"timeline"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Driver is the dispatch-relevant slice of a driver record. Records are owned
// by the presence subsystem; dispatch only reads them, except for the narrow
// in_ride write on acceptance.
type Driver struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Rating       float64      `json:"rating"` // 0..5
	Online       bool         `json:"online"`
	Availability Availability `json:"availability"`
	Updated      time.Time    `json:"updated"`
}

// Eligible reports whether the driver can be matched against class at query
// time. An empty class matches any vehicle.
func (d Driver) Eligible(class VehicleClass) bool {
	if !d.Online || d.Availability != AvailAvailable {
		return false
	}
	return class == "" || d.VehicleClass == class
}

// Candidate is one nearby-driver result, ordered ascending by distance.
type Candidate struct {
	DriverID string  `json:"driver_id"`
	DistM    float64 `json:"distance_m"`
	Driver   Driver  `json:"driver"`
}

// RecipientType distinguishes notification recipients.
type RecipientType string

const (
	RecipientRider  RecipientType = "rider"
	RecipientDriver RecipientType = "driver"
)

// NotificationKind is the event class carried by a notification.
type NotificationKind string

const (
	KindRideRequest   NotificationKind = "ride_request"
	KindRideAccepted  NotificationKind = "ride_accepted"
	KindRideCancelled NotificationKind = "ride_cancelled"
)

// NotificationStatus is the delivery lifecycle of a notification record.
type NotificationStatus string

const (
	NotifSent      NotificationStatus = "sent"
	NotifDelivered NotificationStatus = "delivered"
	NotifExpired   NotificationStatus = "expired"
	NotifFailed    NotificationStatus = "failed"
)

// RidePayload is the positional data snapshotted into a ride_request
// notification at fan-out time. Later ride mutations never touch it.
type RidePayload struct {
	RideID      string       `json:"ride_id"`
	Pickup      Stop         `json:"pickup"`
	Destination Stop         `json:"destination"`
	FareTotal   float64      `json:"fare_total"`
	DistanceM   float64      `json:"distance_m"` // driver -> pickup
	Class       VehicleClass `json:"vehicle_class"`
	DurationS   float64      `json:"estimated_duration_s"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Notification is a durable record of one delivery attempt.
type Notification struct {
	ID            string             `json:"id"`
	RecipientID   string             `json:"recipient_id"`
	RecipientType RecipientType      `json:"recipient_type"`
	RideID        string             `json:"ride_id"`
	Kind          NotificationKind   `json:"kind"`
	Status        NotificationStatus `json:"status"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Payload       RidePayload        `json:"payload"`
	CreatedAt     time.Time          `json:"created_at"`
}

// RideRequest is the inbound dispatch request.
type RideRequest struct {
	RiderID      string `json:"rider_id"`
	Pickup       Stop   `json:"pickup"`
	Destination  Stop   `json:"destination"`
	VehicleClass string `json:"vehicle_class"`
	ContactPhone string `json:"contact_phone"`
}

// RideSummary is returned to the rider after a successful dispatch.
type RideSummary struct {
	RideID     string      `json:"ride_id"`
	Status     RideStatus  `json:"status"`
	Fare       Fare        `json:"fare"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Candidates []Candidate `json:"candidate_drivers"`
}

// AcceptResult is returned to the driver who won the accept race.
type AcceptResult struct {
	RideID string     `json:"ride_id"`
	Status RideStatus `json:"status"`
	Driver Driver     `json:"driver"`
}
