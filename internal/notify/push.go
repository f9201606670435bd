package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushChannel posts notifications to an HTTP push provider. It is the durable
// fallback behind LiveWithFallback: acceptance by the provider counts as
// queued, actual device delivery is the provider's problem.
type PushChannel struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushChannel(endpoint, key string) *PushChannel {
	return &PushChannel{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushChannel) Send(ctx context.Context, recipientID string, kind models.NotificationKind, payload any) (Delivery, error) {
	body := map[string]any{
		"recipient": recipientID,
		"kind":      string(kind),
		"data":      payload,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return QueuedFallback, nil
}
