package notify

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Delivery reports which path carried a notification.
type Delivery string

const (
	Delivered      Delivery = "delivered"       // live session write succeeded
	QueuedFallback Delivery = "queued_fallback" // handed to the durable push path
)

// Channel delivers one event to one recipient. Implementations must be safe
// for concurrent use; fan-out sends within a batch are in flight simultaneously.
type Channel interface {
	Send(ctx context.Context, recipientID string, kind models.NotificationKind, payload any) (Delivery, error)
}

// LiveWithFallback tries the recipient's live session first and falls back to
// the durable push channel when no session exists or the write fails.
type LiveWithFallback struct {
	Live     *Registry
	Fallback Channel
}

func (c *LiveWithFallback) Send(ctx context.Context, recipientID string, kind models.NotificationKind, payload any) (Delivery, error) {
	if err := c.Live.Send(recipientID, kind, payload); err == nil {
		return Delivered, nil
	}
	if c.Fallback == nil {
		return "", fmt.Errorf("no live session for %s and no fallback channel", recipientID)
	}
	if _, err := c.Fallback.Send(ctx, recipientID, kind, payload); err != nil {
		return "", fmt.Errorf("fallback delivery to %s: %w", recipientID, err)
	}
	return QueuedFallback, nil
}
