package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"vibehub/logger"
	"vibehub/service/hub"
	"vibehub/tools/ids"
	"vibehub/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readWait      = 60 * time.Second
	pingEvery     = 30 * time.Second
	writeWait     = 5 * time.Second
	maxFrameBytes = 1 << 20 // 1MB

	closeUnauthorized = 4401
)

// Config for the session gateway.
type Config struct {
	JWTSecret     []byte
	InternalToken string // shared secret for the publish ingress; empty disables the check
}

// Gateway owns the per-connection lifecycle: accept, register, read loop,
// guaranteed detach. Authentication happens here, before the hub ever sees
// the connection.
type Gateway struct {
	hub           *hub.Hub
	auth          security.Options
	internalToken string
}

func New(h *hub.Hub, cfg Config) *Gateway {
	return &Gateway{
		hub:           h,
		auth:          security.DefaultOptions(cfg.JWTSecret),
		internalToken: cfg.InternalToken,
	}
}

// HandleWS upgrades, authenticates and serves one websocket session. It
// blocks for the connection's lifetime.
func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade: %v", err)
		return
	}

	user, ok := g.authenticate(c.Request)
	if !ok {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "unauthorized")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	g.serve(c, user, ws)
}

// authenticate pulls the token from ?token= (browser websockets cannot set
// headers) or an Authorization bearer header.
func (g *Gateway) authenticate(r *http.Request) (hub.UserID, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
	}
	if token == "" {
		return 0, false
	}
	claims, err := security.Verify(g.auth, token)
	if err != nil {
		return 0, false
	}
	uid, err := security.SubjectID(claims)
	if err != nil {
		return 0, false
	}
	return hub.UserID(uid), true
}

func (g *Gateway) serve(c *gin.Context, user hub.UserID, ws *websocket.Conn) {
	conn := &wsConn{id: ids.GenerateString(), ws: ws}
	ctx := c.Request.Context()

	g.hub.Attach(ctx, user, conn)
	defer func() {
		// Mandatory on every exit path, normal or not.
		g.hub.Detach(user, conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(pingEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed user=%d conn=%s", user, conn.ID())
			} else {
				logger.Infof("[ws] read user=%d conn=%s: %v", user, conn.ID(), err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			// Tolerated, not a protocol violation; the connection stays up.
			logger.Infof("[ws] drop malformed frame user=%d: %v", user, perr)
			continue
		}
		g.handleFrame(ctx, user, frame)
	}
}

// handleFrame republishes recognized client events with the sender's
// identity attached. Unrecognized types are ignored.
func (g *Gateway) handleFrame(ctx context.Context, user hub.UserID, f *Frame) {
	switch f.Type {
	case hub.EventTypingStart, hub.EventTypingStop:
		recipients := f.Recipients
		if len(recipients) == 0 {
			recipients = g.hub.BroadcastRecipients()
		}
		ev := &hub.Event{
			Type:       f.Type,
			Recipients: recipients,
			Payload: map[string]any{
				"conversation_id": f.ConversationID,
				"user_id":         user,
			},
		}
		if err := g.hub.Publish(ctx, ev); err != nil {
			logger.Errorf("[ws] publish %s user=%d: %v", f.Type, user, err)
		}
	}
}

// wsConn adapts a gorilla connection to hub.Conn. Writes are serialized:
// the dispatcher may fan out to the same connection from several goroutines
// at once.
type wsConn struct {
	id string
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.ws.Close() }
