package chat

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Conn is the hub's view of one live connection (one browser tab or CLI
// session). Implementations must be safe for the hub goroutine to call
// WriteMessage while other goroutines read from the underlying socket.
type Conn interface {
	WriteMessage(payload []byte) error
	Close() error
}

type cmdAccept struct {
	conn Conn
	resp chan error
}

type cmdBroadcast struct {
	payload []byte
}

type cmdDetach struct {
	conn Conn
}

// errHubClosed reports that a hub's loop already exited (stop or idle
// collection). Callers holding a stale handle re-acquire via the manager.
var errHubClosed = errors.New("hub closed")

const defaultHubIdleTimeout = 5 * time.Minute

// userHub fans events out to every live connection of one user.
//
// A single goroutine owns the connection set, so two concurrent streams for
// the same user cannot interleave a single envelope's delivery: each
// broadcast writes to all connections before the next one starts.
type userHub struct {
	mgr    *hubManager
	userID string
	logger *slog.Logger

	inbox  chan any
	stopCh chan struct{}
	doneCh chan struct{}
	idle   time.Duration

	once sync.Once
}

func newUserHub(mgr *hubManager, userID string, logger *slog.Logger, idle time.Duration) *userHub {
	if logger == nil {
		logger = slog.Default()
	}
	if idle <= 0 {
		idle = defaultHubIdleTimeout
	}
	return &userHub{
		mgr:    mgr,
		userID: strings.TrimSpace(userID),
		logger: logger,
		inbox:  make(chan any, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		idle:   idle,
	}
}

func (h *userHub) alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.doneCh:
		return false
	default:
		return true
	}
}

func (h *userHub) start() {
	if h == nil {
		return
	}
	go h.loop()
}

func (h *userHub) stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		close(h.stopCh)
	})
	<-h.doneCh
}

// Accept registers a connection and blocks until the hub picked it up, so a
// caller that subsequently triggers a stream knows the connection will see
// its events.
func (h *userHub) Accept(conn Conn) error {
	if h == nil || conn == nil {
		return errors.New("hub not ready")
	}
	ch := make(chan error, 1)
	select {
	case <-h.stopCh:
		return errHubClosed
	case <-h.doneCh:
		// The loop can exit on its own (idle collection), in which case stopCh
		// never closes. Without this case a late Accept would block forever.
		return errHubClosed
	case h.inbox <- cmdAccept{conn: conn, resp: ch}:
	}
	select {
	case <-h.doneCh:
		return errHubClosed
	case err := <-ch:
		return err
	}
}

// Broadcast enqueues a payload for delivery to every current connection.
// Fire-and-forget: delivery is best-effort and the caller never learns about
// individual write failures.
func (h *userHub) Broadcast(payload []byte) {
	if h == nil || len(payload) == 0 {
		return
	}
	select {
	case <-h.stopCh:
	case <-h.doneCh:
	case h.inbox <- cmdBroadcast{payload: payload}:
	}
}

func (h *userHub) Detach(conn Conn) {
	if h == nil || conn == nil {
		return
	}
	select {
	case <-h.stopCh:
	case <-h.doneCh:
	case h.inbox <- cmdDetach{conn: conn}:
	}
}

func (h *userHub) loop() {
	defer close(h.doneCh)
	defer func() {
		if h.mgr != nil && h.userID != "" {
			h.mgr.remove(h.userID, h)
		}
	}()

	conns := make(map[Conn]struct{})
	defer func() {
		for conn := range conns {
			_ = conn.Close()
		}
	}()

	idleTO := h.idle
	idleTimer := time.NewTimer(idleTO)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(idleTO)
	}

	for {
		select {
		case <-h.stopCh:
			return
		case <-idleTimer.C:
			// Stop idle hubs to avoid leaking a goroutine per user that ever
			// connected. A hub with live connections is never idle-collected.
			if len(conns) > 0 {
				resetIdle()
				continue
			}
			return
		case raw := <-h.inbox:
			resetIdle()
			switch cmd := raw.(type) {
			case cmdAccept:
				conns[cmd.conn] = struct{}{}
				cmd.resp <- nil
			case cmdDetach:
				if _, ok := conns[cmd.conn]; ok {
					delete(conns, cmd.conn)
					_ = cmd.conn.Close()
				}
			case cmdBroadcast:
				for conn := range conns {
					if err := conn.WriteMessage(cmd.payload); err != nil {
						// A dead tab only loses its own delivery; the
						// remaining connections still get the event.
						h.logger.Debug("hub write failed, dropping connection", "user_id", h.userID, "err", err)
						delete(conns, conn)
						_ = conn.Close()
					}
				}
			}
		}
	}
}
