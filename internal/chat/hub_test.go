package chat

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	failWrite bool
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("write failed")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcastReachesAllUserConns(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	c1 := &fakeConn{}
	c2 := &fakeConn{}
	h := m.Get("u1")
	if err := h.Accept(c1); err != nil {
		t.Fatalf("Accept(c1) error=%v", err)
	}
	if err := h.Accept(c2); err != nil {
		t.Fatalf("Accept(c2) error=%v", err)
	}

	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "hi", ThreadID: "th_1"})

	waitUntil(t, "both conns to receive the frame", func() bool {
		return c1.frameCount() == 1 && c2.frameCount() == 1
	})

	env, err := DecodeEnvelope(c1.frames[0])
	if err != nil {
		t.Fatalf("DecodeEnvelope error=%v", err)
	}
	if env.Delta != "hi" || env.Type != EnvelopeTextDelta {
		t.Fatalf("envelope got=%+v want delta hi", env)
	}
}

func TestHubIsolationBetweenUsers(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	mine := &fakeConn{}
	other := &fakeConn{}
	if err := m.Get("u1").Accept(mine); err != nil {
		t.Fatalf("Accept error=%v", err)
	}
	if err := m.Get("u2").Accept(other); err != nil {
		t.Fatalf("Accept error=%v", err)
	}

	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "secret", ThreadID: "th_1"})

	waitUntil(t, "u1 conn to receive", func() bool { return mine.frameCount() == 1 })
	if other.frameCount() != 0 {
		t.Fatalf("u2 conn frames got=%d want=0", other.frameCount())
	}
}

func TestHubDropsOnlyFailedConn(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	bad := &fakeConn{failWrite: true}
	good := &fakeConn{}
	h := m.Get("u1")
	if err := h.Accept(bad); err != nil {
		t.Fatalf("Accept(bad) error=%v", err)
	}
	if err := h.Accept(good); err != nil {
		t.Fatalf("Accept(good) error=%v", err)
	}

	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "a", ThreadID: "th_1"})
	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "b", ThreadID: "th_1"})

	waitUntil(t, "good conn to receive both frames", func() bool { return good.frameCount() == 2 })
	waitUntil(t, "bad conn to be closed", func() bool { return bad.isClosed() })
	if bad.frameCount() != 0 {
		t.Fatalf("bad conn frames got=%d want=0", bad.frameCount())
	}
}

func TestHubBroadcastOrderPreserved(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	conn := &fakeConn{}
	if err := m.Get("u1").Accept(conn); err != nil {
		t.Fatalf("Accept error=%v", err)
	}

	deltas := []string{"one", "two", "three", "four", "five"}
	for _, d := range deltas {
		m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: d, ThreadID: "th_1"})
	}

	waitUntil(t, "all frames delivered", func() bool { return conn.frameCount() == len(deltas) })
	for i, frame := range conn.frames {
		env, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("DecodeEnvelope[%d] error=%v", i, err)
		}
		if env.Delta != deltas[i] {
			t.Fatalf("frame[%d].Delta got=%q want=%q", i, env.Delta, deltas[i])
		}
	}
}

func TestHubDetachStopsDelivery(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	conn := &fakeConn{}
	h := m.Get("u1")
	if err := h.Accept(conn); err != nil {
		t.Fatalf("Accept error=%v", err)
	}

	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "a", ThreadID: "th_1"})
	waitUntil(t, "first frame", func() bool { return conn.frameCount() == 1 })

	h.Detach(conn)
	waitUntil(t, "conn closed on detach", func() bool { return conn.isClosed() })

	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "b", ThreadID: "th_1"})
	time.Sleep(50 * time.Millisecond)
	if conn.frameCount() != 1 {
		t.Fatalf("frames after detach got=%d want=1", conn.frameCount())
	}
}

func TestHubIdleCollectionFreesAcceptors(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	m.idle = 20 * time.Millisecond
	defer m.Close()

	h := m.Get("u1")
	waitUntil(t, "hub to idle out", func() bool { return !h.alive() })

	// Accept on the collected hub must fail fast, never block: the loop that
	// would answer it is gone.
	done := make(chan error, 1)
	go func() { done <- h.Accept(&fakeConn{}) }()
	select {
	case err := <-done:
		if !errors.Is(err, errHubClosed) {
			t.Fatalf("Accept on collected hub error=%v want=errHubClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Accept blocked on an idle-collected hub")
	}
	h.Broadcast([]byte("x"))
	h.Detach(&fakeConn{})

	// The manager hands out a live replacement that delivers again.
	conn := &fakeConn{}
	if err := m.Get("u1").Accept(conn); err != nil {
		t.Fatalf("Accept on replacement hub error=%v", err)
	}
	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "hi", ThreadID: "th_1"})
	waitUntil(t, "replacement hub to deliver", func() bool { return conn.frameCount() == 1 })
}

func TestHubNotIdleCollectedWithLiveConns(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	m.idle = 20 * time.Millisecond
	defer m.Close()

	conn := &fakeConn{}
	h := m.Get("u1")
	if err := h.Accept(conn); err != nil {
		t.Fatalf("Accept error=%v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !h.alive() {
		t.Fatalf("hub with a live conn was idle-collected")
	}
	m.Publish("u1", Envelope{ID: "msg_1", Type: EnvelopeTextDelta, Delta: "still here", ThreadID: "th_1"})
	waitUntil(t, "frame after idle window", func() bool { return conn.frameCount() == 1 })
}

func TestHubManagerGetIsIdempotent(t *testing.T) {
	t.Parallel()

	m := newHubManager(testLogger())
	defer m.Close()

	h1 := m.Get("u1")
	h2 := m.Get("u1")
	if h1 != h2 {
		t.Fatalf("Get returned two hubs for one user")
	}
	if m.Get("") != nil {
		t.Fatalf("Get(empty) got hub want=nil")
	}
}
