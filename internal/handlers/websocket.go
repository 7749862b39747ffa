package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/call"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/presence"
	"github.com/mossy-p/telehealth-signaling/internal/relay"
	"github.com/mossy-p/telehealth-signaling/internal/store"
)

var (
	ErrBackpressure     = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware.
		return true
	},
}

// Client is one live WebSocket session for one authenticated user. The
// transport layer owns it; everything else holds only its connection id.
type Client struct {
	ID     string
	UserID string
	Role   models.Role

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// TrySend queues an outbound event without blocking. A full buffer or a
// closed connection drops the event with an error.
func (c *Client) TrySend(ev models.ServerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Signaling is the WebSocket entry point: it admits authenticated
// connections into the presence registry and routes their events to the
// relay dispatcher and the call coordinator.
type Signaling struct {
	cfg        *config.Config
	auth       *auth.Authenticator
	registry   *presence.Registry
	dispatcher *relay.Dispatcher
	calls      *call.Coordinator
	store      *store.Store // nil disables persistence and mirroring
}

func NewSignaling(cfg *config.Config, a *auth.Authenticator, reg *presence.Registry, d *relay.Dispatcher, calls *call.Coordinator, st *store.Store) *Signaling {
	return &Signaling{
		cfg:        cfg,
		auth:       a,
		registry:   reg,
		dispatcher: d,
		calls:      calls,
		store:      st,
	}
}

// HandleWS authenticates and admits one signaling connection. Credentials
// ride in cookies, never in the query string. Nothing is registered for a
// connection that fails authentication.
func (s *Signaling) HandleWS(c *gin.Context) {
	accessToken, _ := c.Cookie("access_token")
	refreshToken, _ := c.Cookie("refresh_token")

	identity, err := s.auth.Authenticate(c.Request.Context(), accessToken, refreshToken)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrBlocked) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: identity.UserID,
		Role:   identity.Role,
		conn:   conn,
		send:   make(chan []byte, 256),
	}

	s.registry.Register(client.UserID, client.ID)
	s.dispatcher.Attach(client.ID, client)
	if s.store != nil {
		if err := s.store.MarkOnline(c.Request.Context(), client.UserID); err != nil {
			log.Warn().Err(err).Str("module", "handlers").Msg("presence mirror SAdd failed")
		}
	}

	log.Info().Str("module", "handlers").
		Str("user", client.UserID).
		Str("role", string(client.Role)).
		Str("conn", client.ID).
		Msg("connection admitted")

	go s.writePump(client)
	go s.readPump(client)
}

// disconnect tears one connection out of every structure that references it.
// The call cascade runs only when the user actually went offline; a
// superseded connection must not end the rooms of its replacement.
func (s *Signaling) disconnect(client *Client) {
	client.close()
	s.dispatcher.Detach(client.ID)

	userID, offline := s.registry.Unregister(client.ID)
	if !offline {
		return
	}

	s.calls.DropUser(userID)
	if s.store != nil {
		if err := s.store.MarkOffline(context.Background(), userID); err != nil {
			log.Warn().Err(err).Str("module", "handlers").Msg("presence mirror SRem failed")
		}
	}

	log.Info().Str("module", "handlers").Str("user", userID).Str("conn", client.ID).Msg("user offline")
}

func (s *Signaling) readPump(client *Client) {
	defer s.disconnect(client)

	client.conn.SetReadLimit(s.cfg.ReadLimit)
	client.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "handlers").Str("conn", client.ID).Msg("read error")
			}
			return
		}

		var ev models.ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Str("module", "handlers").Str("conn", client.ID).Msg("bad event envelope")
			continue
		}
		s.route(client, ev)
	}
}

func (s *Signaling) writePump(client *Client) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "handlers").Str("conn", client.ID).Msg("write error")
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route dispatches one inbound event. A malformed payload affects only the
// sending connection; nothing here may fail across connections.
func (s *Signaling) route(client *Client, ev models.ClientEvent) {
	switch ev.Event {
	case models.EventSendMessage:
		var msg models.ChatMessage
		if !decode(client, ev, &msg) {
			return
		}
		// The sender field is server-authoritative.
		msg.SenderID = client.UserID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		if !s.dispatcher.Relay(models.EventReceiveMessage, msg.ReceiverID, msg) {
			log.Debug().Str("module", "handlers").Str("to", msg.ReceiverID).Msg("message recipient offline")
		}

	case models.EventSendNotification:
		var n models.Notification
		if !decode(client, ev, &n) {
			return
		}
		if s.store != nil {
			if err := s.store.SaveNotification(context.Background(), n); err != nil {
				log.Error().Err(err).Str("module", "handlers").Msg("failed to persist notification")
			}
		}
		s.dispatcher.Relay(models.EventReceiveNotification, n.UserID, n)

	case models.EventStartCall:
		var req models.StartCallRequest
		if !decode(client, ev, &req) {
			return
		}
		req.Caller = client.UserID
		roomID, delivered := s.calls.StartCall(req)
		if !delivered {
			s.sendError(client, "peerUnreachable", "receiver is not connected: "+roomID)
		}

	case models.EventAcceptCall:
		var req models.AcceptCallRequest
		if !decode(client, ev, &req) {
			return
		}
		req.Receiver = client.UserID
		switch err := s.calls.AcceptCall(req); {
		case err == nil:
		case errors.Is(err, call.ErrUnreachable):
			s.sendError(client, "peerUnreachable", "caller is not connected: "+req.RoomID)
		default:
			// Unknown room or a room that is not this user's: either way the
			// call no longer exists from the callee's point of view.
			s.sendError(client, "unknownRoom", "call no longer exists: "+req.RoomID)
		}

	case models.EventOffer:
		var sig models.SignalPayload
		if !decode(client, ev, &sig) {
			return
		}
		s.calls.ForwardOffer(sig.RoomID, client.UserID, sig.Signal)

	case models.EventAnswer:
		var sig models.SignalPayload
		if !decode(client, ev, &sig) {
			return
		}
		s.calls.ForwardAnswer(sig.RoomID, client.UserID, sig.Signal)

	case models.EventIceCandidate:
		var sig models.SignalPayload
		if !decode(client, ev, &sig) {
			return
		}
		s.calls.ForwardCandidate(sig.RoomID, client.UserID, sig.Signal)

	case models.EventEndCall:
		var req models.EndCallRequest
		if !decode(client, ev, &req) {
			return
		}
		s.calls.EndCall(req.RoomID)

	default:
		log.Warn().Str("module", "handlers").Str("event", string(ev.Event)).Msg("unknown event type")
	}
}

func (s *Signaling) sendError(client *Client, code, message string) {
	if err := client.TrySend(models.ServerEvent{
		Event: models.EventError,
		Data:  models.ErrorEvent{Code: code, Message: message},
	}); err != nil {
		log.Debug().Err(err).Str("module", "handlers").Str("conn", client.ID).Msg("could not deliver error event")
	}
}

func decode(client *Client, ev models.ClientEvent, out any) bool {
	if err := json.Unmarshal(ev.Data, out); err != nil {
		log.Warn().Err(err).
			Str("module", "handlers").
			Str("conn", client.ID).
			Str("event", string(ev.Event)).
			Msg("bad event payload")
		return false
	}
	return true
}
