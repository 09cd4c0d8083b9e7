package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"vibehub/service/bus"
)

var errFailedSend = errors.New("send failed")

// fakeConn records writes; fail makes every send error out.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	got    [][]byte
	fail   error
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.got = append(c.got, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.got...)
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// loopBus is an in-process bus: every publish is delivered synchronously to
// all subscribers, the publisher's own listener included.
type loopBus struct {
	mu       sync.Mutex
	handlers []bus.Handler
}

func (b *loopBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	hs := append([]bus.Handler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (b *loopBus) Subscribe(_ context.Context, _ string, h bus.Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

func (b *loopBus) Close() error { return nil }

func decodeEvent(t *testing.T, raw []byte) *Event {
	t.Helper()
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode event %q: %v", raw, err)
	}
	return &ev
}

func hasRecipient(ev *Event, user UserID) bool {
	for _, r := range ev.Recipients {
		if r == user {
			return true
		}
	}
	return false
}

func TestPresenceLifecycle(t *testing.T) {
	h := New(Config{}, nil)

	obs := newFakeConn("obs-1")
	h.Attach(context.Background(), 9, obs)
	if got := len(obs.messages()); got != 1 {
		t.Fatalf("observer should see its own online event, got %d messages", got)
	}
	ev := decodeEvent(t, obs.messages()[0])
	if ev.Type != EventPresenceUpdate || ev.Payload["online"] != true {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	if !hasRecipient(ev, 9) {
		t.Fatalf("own online event should include self in recipients: %+v", ev.Recipients)
	}

	// First connection of user 7 fires presence-online exactly once.
	c1 := newFakeConn("c1")
	h.Attach(context.Background(), 7, c1)
	msgs := obs.messages()
	if len(msgs) != 2 {
		t.Fatalf("observer should see user 7 come online, got %d messages", len(msgs))
	}
	ev = decodeEvent(t, msgs[1])
	if ev.Payload["user_id"] != float64(7) || ev.Payload["online"] != true {
		t.Fatalf("unexpected online event payload: %+v", ev.Payload)
	}
	if !hasRecipient(ev, 7) || !hasRecipient(ev, 9) {
		t.Fatalf("online broadcast should reach all online users: %+v", ev.Recipients)
	}

	// Second connection: no new edge.
	c2 := newFakeConn("c2")
	h.Attach(context.Background(), 7, c2)
	if len(obs.messages()) != 2 {
		t.Fatalf("second connection must not re-fire presence-online")
	}

	// Dropping one of two connections: still online.
	h.Detach(7, c1)
	if len(obs.messages()) != 2 {
		t.Fatalf("closing one of two connections must not fire presence-offline")
	}
	if !h.IsOnline(7) {
		t.Fatalf("user 7 should still be online")
	}

	// Last connection gone: exactly one offline event.
	h.Detach(7, c2)
	msgs = obs.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected offline event, got %d messages", len(msgs))
	}
	ev = decodeEvent(t, msgs[2])
	if ev.Payload["user_id"] != float64(7) || ev.Payload["online"] != false {
		t.Fatalf("unexpected offline event payload: %+v", ev.Payload)
	}
	if hasRecipient(ev, 7) {
		t.Fatalf("offline broadcast must not include the departed user: %+v", ev.Recipients)
	}
	if h.IsOnline(7) {
		t.Fatalf("user 7 should be offline")
	}
}

func TestAttachIdempotent(t *testing.T) {
	h := New(Config{}, nil)
	c := newFakeConn("c1")
	h.Attach(context.Background(), 3, c)
	h.Attach(context.Background(), 3, c)
	if got := len(c.messages()); got != 1 {
		t.Fatalf("re-attaching the same connection must not re-fire presence, got %d events", got)
	}
}

func TestPublishSkipsOfflineRecipients(t *testing.T) {
	h := New(Config{}, nil)
	a := newFakeConn("a1")
	h.Attach(context.Background(), 1, a)
	before := len(a.messages())

	err := h.Publish(context.Background(), &Event{
		Type:       EventMessageNew,
		Recipients: []UserID{1, 2},
		Payload:    map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := a.messages()
	if len(msgs) != before+1 {
		t.Fatalf("user 1 should receive exactly one event, got %d new", len(msgs)-before)
	}
	ev := decodeEvent(t, msgs[len(msgs)-1])
	if ev.Type != EventMessageNew || ev.Payload["text"] != "hi" {
		t.Fatalf("unexpected delivery: %+v", ev)
	}
}

func TestSendFailurePrunesOnlyDeadConn(t *testing.T) {
	h := New(Config{}, nil)
	good := newFakeConn("good")
	bad := newFakeConn("bad")
	h.Attach(context.Background(), 5, good)
	h.Attach(context.Background(), 5, bad)
	bad.fail = errFailedSend

	before := len(good.messages())
	_ = h.Publish(context.Background(), &Event{
		Type:       EventMessageNew,
		Recipients: []UserID{5},
		Payload:    map[string]any{"text": "still delivered"},
	})

	if len(good.messages()) != before+1 {
		t.Fatalf("surviving connection must still receive the event")
	}
	if !bad.wasClosed() {
		t.Fatalf("failed connection should be closed")
	}
	for _, c := range h.reg.ConnectionsFor(5) {
		if c.ID() == "bad" {
			t.Fatalf("failed connection should be pruned from the registry")
		}
	}
	if !h.IsOnline(5) {
		t.Fatalf("user 5 still has a live connection")
	}
}

func TestRelayTransparency(t *testing.T) {
	shared := &loopBus{}
	h1 := New(Config{}, shared)
	h2 := New(Config{}, shared)
	ctx := context.Background()
	if err := h1.Run(ctx); err != nil {
		t.Fatalf("h1 run: %v", err)
	}
	if err := h2.Run(ctx); err != nil {
		t.Fatalf("h2 run: %v", err)
	}

	a := newFakeConn("a1")
	b := newFakeConn("b1")
	h1.Attach(ctx, 1, a)
	h2.Attach(ctx, 2, b)
	beforeA, beforeB := len(a.messages()), len(b.messages())

	err := h1.Publish(ctx, &Event{
		Type:       EventMessageNew,
		Recipients: []UserID{1, 2},
		Payload:    map[string]any{"text": "cross-instance"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The publisher's own user is served by its relay listener, the remote
	// user by the other instance's listener; both see the same event.
	for name, c := range map[string]*fakeConn{"local": a, "remote": b} {
		msgs := c.messages()
		var before int
		if name == "local" {
			before = beforeA
		} else {
			before = beforeB
		}
		if len(msgs) != before+1 {
			t.Fatalf("%s conn: expected exactly one delivery, got %d", name, len(msgs)-before)
		}
		ev := decodeEvent(t, msgs[len(msgs)-1])
		if ev.Type != EventMessageNew || ev.Payload["text"] != "cross-instance" {
			t.Fatalf("%s conn: unexpected event %+v", name, ev)
		}
	}
}

func TestRelayListenerDropsMalformed(t *testing.T) {
	shared := &loopBus{}
	h := New(Config{}, shared)
	ctx := context.Background()
	if err := h.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	a := newFakeConn("a1")
	h.Attach(ctx, 1, a)
	before := len(a.messages())

	// Foreign garbage on the channel must not kill the listener.
	_ = shared.Publish(ctx, "", []byte("{not json"))
	_ = shared.Publish(ctx, "", []byte(`{"recipients":[1]}`)) // missing type

	if err := h.Publish(ctx, &Event{
		Type:       EventReceiptUpdate,
		Recipients: []UserID{1},
		Payload:    map[string]any{"message_id": 44},
	}); err != nil {
		t.Fatalf("publish after garbage: %v", err)
	}
	msgs := a.messages()
	if len(msgs) != before+1 {
		t.Fatalf("listener should survive malformed messages, got %d new deliveries", len(msgs)-before)
	}
	if ev := decodeEvent(t, msgs[len(msgs)-1]); ev.Type != EventReceiptUpdate {
		t.Fatalf("unexpected event after garbage: %+v", ev)
	}
}
