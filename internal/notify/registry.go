package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoSession is returned when the recipient has no live connection.
var ErrNoSession = errors.New("no live session")

// Event is the envelope written to live sessions.
type Event struct {
	Kind    models.NotificationKind `json:"kind"`
	Payload any                     `json:"payload"`
}

// Session is one connected client. Writes are serialized per connection.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry is the connection registry keyed by recipient id. It is owned by
// the notification channel; dispatch never touches raw connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(recipientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[recipientID] = &Session{conn: conn}
}

func (r *Registry) Remove(recipientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, recipientID)
}

// Send writes an event to the recipient's session. A dead connection is
// dropped from the registry so the next send goes straight to fallback.
func (r *Registry) Send(recipientID string, kind models.NotificationKind, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.write(Event{Kind: kind, Payload: payload}); err != nil {
		r.Remove(recipientID)
		return err
	}
	return nil
}
