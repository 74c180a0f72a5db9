package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// hubManager owns one hub per user with live connections. Hubs are created
// on demand and garbage-collected after an idle timeout; there is no cap on
// the number of users.
type hubManager struct {
	logger *slog.Logger
	idle   time.Duration

	mu     sync.Mutex
	hubs   map[string]*userHub // user_id -> hub
	closed bool
}

func newHubManager(logger *slog.Logger) *hubManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &hubManager{
		logger: logger,
		idle:   defaultHubIdleTimeout,
		hubs:   make(map[string]*userHub),
	}
}

// Get returns the user's hub, creating it if absent. Concurrent calls for
// the same user converge on one hub.
func (m *hubManager) Get(userID string) *userHub {
	if m == nil {
		return nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	if h := m.hubs[userID]; h != nil && h.alive() {
		return h
	}

	h := newUserHub(m, userID, m.logger, m.idle)
	m.hubs[userID] = h
	h.start()
	return h
}

// lookup returns the user's live hub without creating one. A user with no
// hub has no live connections.
func (m *hubManager) lookup(userID string) *userHub {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hubs[strings.TrimSpace(userID)]; h != nil && h.alive() {
		return h
	}
	return nil
}

func (m *hubManager) remove(userID string, hub *userHub) {
	if m == nil || strings.TrimSpace(userID) == "" || hub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.hubs[userID]; existing == hub {
		delete(m.hubs, userID)
	}
}

// Publish serializes the envelope once and fans it out to the user's hub.
// A user without a hub has no live connections; the event is dropped, which
// is fine because the persisted row is the durable copy.
func (m *hubManager) Publish(userID string, env Envelope) {
	if m == nil {
		return
	}
	payload, err := env.Encode()
	if err != nil {
		m.logger.Warn("skipping invalid envelope", "user_id", userID, "err", err)
		return
	}

	m.mu.Lock()
	h := m.hubs[strings.TrimSpace(userID)]
	m.mu.Unlock()
	if h == nil || !h.alive() {
		return
	}
	h.Broadcast(payload)
}

func (m *hubManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	hubs := make([]*userHub, 0, len(m.hubs))
	for _, h := range m.hubs {
		if h != nil {
			hubs = append(hubs, h)
		}
	}
	m.hubs = make(map[string]*userHub)
	m.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
}
