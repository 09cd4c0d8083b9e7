package hub

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"vibehub/logger"
	"vibehub/service/bus"
)

// DefaultChannel is the relay channel shared by all hub instances. It is a
// deployment-internal name, not a public API.
const DefaultChannel = "vibehub:events"

type Config struct {
	Channel string
}

// Hub is the process-wide fanout component. Publish is the sole ingress for
// all events; session gateways attach and detach connections through it so
// presence transitions ride the same publish path as everything else.
type Hub struct {
	reg     *Registry
	disp    *Dispatcher
	relay   bus.Bus // nil in single-instance mode
	channel string
}

func New(cfg Config, relay bus.Bus) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	h := &Hub{
		reg:     NewRegistry(),
		relay:   relay,
		channel: cfg.Channel,
	}
	h.disp = NewDispatcher(h.reg, h.dropConn)
	return h
}

// Run starts the relay listener when a bus is configured. It returns once
// the subscription is active; delivery happens on the listener goroutine
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	if err := h.relay.Subscribe(ctx, h.channel, h.handleRelayMessage); err != nil {
		return errors.Wrap(err, "relay subscribe")
	}
	logger.Infof("[hub] relay listener on channel %q", h.channel)
	return nil
}

func (h *Hub) handleRelayMessage(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		// Foreign or malformed traffic on the channel; the listener
		// must outlive it.
		logger.Warnf("[hub] drop relay message: %v", err)
		return
	}
	h.disp.Dispatch(&ev)
}

// Publish routes ev to every recipient's live connections. With a bus
// configured the event goes over the wire only — the local listener
// receives the publication like every other instance, so delivery always
// runs through one code path. Without a bus it dispatches directly.
func (h *Hub) Publish(ctx context.Context, ev *Event) error {
	if h.relay != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		return h.relay.Publish(ctx, h.channel, data)
	}
	h.disp.Dispatch(ev)
	return nil
}

// Attach registers an authenticated connection and announces the user's
// presence when this was their first connection.
func (h *Hub) Attach(ctx context.Context, user UserID, c Conn) {
	if h.reg.Register(user, c) {
		h.notifyPresence(ctx, user, true)
	}
}

// Detach removes a connection; the caller must invoke it on every exit path
// of the connection's read loop. The offline presence event fires only when
// the last connection is gone.
func (h *Hub) Detach(user UserID, c Conn) {
	if h.reg.Unregister(user, c) {
		h.notifyPresence(context.Background(), user, false)
	}
}

// dropConn handles a failed send: the connection is treated as an implicit
// disconnect. The presence publish runs on its own goroutine so a prune
// inside a dispatch never re-enters the dispatch loop.
func (h *Hub) dropConn(user UserID, c Conn) {
	_ = c.Close()
	if h.reg.Unregister(user, c) {
		go h.notifyPresence(context.Background(), user, false)
	}
}

// BroadcastRecipients is the delivery policy for presence updates and for
// typing frames that carry no explicit recipients: everyone currently
// connected. Deliberately not contact-scoped; swap this out to change that
// without touching dispatch.
func (h *Hub) BroadcastRecipients() []UserID {
	return h.reg.OnlineUserIDs()
}

func (h *Hub) notifyPresence(ctx context.Context, user UserID, online bool) {
	ev := &Event{
		Type:       EventPresenceUpdate,
		Recipients: h.BroadcastRecipients(),
		Payload: map[string]any{
			"user_id": user,
			"online":  online,
		},
	}
	if err := h.Publish(ctx, ev); err != nil {
		logger.Errorf("[hub] presence publish user=%d online=%v: %v", user, online, err)
	}
}

// IsOnline reports whether the user has at least one live connection on
// this instance.
func (h *Hub) IsOnline(user UserID) bool {
	return h.reg.IsOnline(user)
}

// Close closes every live connection. Read loops observe the closure and
// detach themselves.
func (h *Hub) Close() {
	h.reg.CloseAll()
}
