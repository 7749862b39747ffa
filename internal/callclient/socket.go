package callclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/models"
)

// Socket is the client end of the signaling connection. It implements
// Signaler for outbound call signals and dispatches inbound server events
// to the registered handlers.
type Socket struct {
	conn *websocket.Conn

	mu sync.Mutex // serializes writes
}

// Dial opens the signaling connection. Credentials travel as cookies on the
// handshake, matching the server's admission check.
func Dial(ctx context.Context, url, accessToken, refreshToken string) (*Socket, error) {
	header := http.Header{}
	cookie := "access_token=" + accessToken
	if refreshToken != "" {
		cookie += "; refresh_token=" + refreshToken
	}
	header.Set("Cookie", cookie)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Socket{conn: conn}, nil
}

// Emit sends one client event.
func (s *Socket) Emit(event models.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(models.ClientEvent{Event: event, Data: data})
}

// SendMessage relays a chat message to another user.
func (s *Socket) SendMessage(msg models.ChatMessage) error {
	return s.Emit(models.EventSendMessage, msg)
}

// SendNotification asks the server to persist and relay a notification.
func (s *Socket) SendNotification(n models.Notification) error {
	return s.Emit(models.EventSendNotification, n)
}

// StartCall asks the coordinator to open a room and ring the receiver.
func (s *Socket) StartCall(req models.StartCallRequest) error {
	return s.Emit(models.EventStartCall, req)
}

// AcceptCall tells the caller the callee picked up.
func (s *Socket) AcceptCall(req models.AcceptCallRequest) error {
	return s.Emit(models.EventAcceptCall, req)
}

func (s *Socket) SendOffer(roomID string, sdp webrtc.SessionDescription) error {
	return s.emitSignal(models.EventOffer, roomID, sdp)
}

func (s *Socket) SendAnswer(roomID string, sdp webrtc.SessionDescription) error {
	return s.emitSignal(models.EventAnswer, roomID, sdp)
}

func (s *Socket) SendCandidate(roomID string, cand webrtc.ICECandidateInit) error {
	return s.emitSignal(models.EventIceCandidate, roomID, cand)
}

func (s *Socket) EndCall(roomID string) error {
	return s.Emit(models.EventEndCall, models.EndCallRequest{RoomID: roomID})
}

func (s *Socket) emitSignal(event models.EventType, roomID string, signal any) error {
	raw, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	return s.Emit(event, models.SignalPayload{RoomID: roomID, Signal: raw})
}

// Handlers receives inbound server events. Nil fields are skipped.
type Handlers struct {
	OnMessage      func(models.ChatMessage)
	OnNotification func(models.Notification)
	OnIncomingCall func(models.IncomingCall)
	OnCallAccepted func(models.CallAccepted)
	OnSignal       func(models.VideoCallSignal)
	OnCallEnded    func(models.CallEnded)
	OnError        func(models.ErrorEvent)
}

// Listen reads server events until the connection drops or ctx is done.
func (s *Socket) Listen(ctx context.Context, h Handlers) error {
	// ReadMessage only unblocks when the connection closes, so a watcher
	// closes it on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var env struct {
			Event models.EventType `json:"event"`
			Data  json.RawMessage  `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "callclient").Msg("bad server event")
			continue
		}
		s.dispatch(env.Event, env.Data, h)
	}
}

func (s *Socket) dispatch(event models.EventType, data json.RawMessage, h Handlers) {
	switch event {
	case models.EventReceiveMessage:
		invoke(event, data, h.OnMessage)
	case models.EventReceiveNotification:
		invoke(event, data, h.OnNotification)
	case models.EventIncomingCall:
		invoke(event, data, h.OnIncomingCall)
	case models.EventCallAccepted:
		invoke(event, data, h.OnCallAccepted)
	case models.EventVideoCallSignal:
		invoke(event, data, h.OnSignal)
	case models.EventCallEnded:
		invoke(event, data, h.OnCallEnded)
	case models.EventError:
		invoke(event, data, h.OnError)
	default:
		log.Debug().Str("module", "callclient").Str("event", string(event)).Msg("unhandled server event")
	}
}

func invoke[T any](event models.EventType, data json.RawMessage, fn func(T)) {
	if fn == nil {
		return
	}
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Warn().Err(err).Str("module", "callclient").Str("event", string(event)).Msg("bad event payload")
		return
	}
	fn(payload)
}

// Close shuts the socket down.
func (s *Socket) Close() error {
	return s.conn.Close()
}
