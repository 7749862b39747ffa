package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/relay"
)

// State tracks how far a room's negotiation has progressed.
type State string

const (
	StateInitiated   State = "initiated"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
)

// Room is one candidate video-call session between two participants. A room
// exists only while a call is being set up or is active; ended rooms are
// removed from the map, so any signal naming a missing room is treated as a
// race against a just-finished teardown.
type Room struct {
	ID            string
	AppointmentID string
	InitiatorID   string
	ReceiverID    string
	State         State
	CreatedAt     time.Time
}

func (r *Room) other(userID string) (string, bool) {
	switch userID {
	case r.InitiatorID:
		return r.ReceiverID, true
	case r.ReceiverID:
		return r.InitiatorID, true
	}
	return "", false
}

// Coordinator owns the active-room map and brokers the offer/answer/candidate
// exchange between a room's two participants. It performs no appointment
// validation; the appointment subsystem already authorized the pairing.
type Coordinator struct {
	dispatcher  *relay.Dispatcher
	idleTimeout time.Duration

	mu            sync.Mutex
	rooms         map[string]*Room
	byAppointment map[string]string // appointmentID -> roomID
}

// NewCoordinator creates a Coordinator. idleTimeout bounds how long a room
// may sit short of Connected before the reaper ends it; zero disables the
// reaper.
func NewCoordinator(dispatcher *relay.Dispatcher, idleTimeout time.Duration) *Coordinator {
	return &Coordinator{
		dispatcher:    dispatcher,
		idleTimeout:   idleTimeout,
		rooms:         make(map[string]*Room),
		byAppointment: make(map[string]string),
	}
}

// StartCall opens a room for the appointment and rings the receiver. At most
// one room exists per appointment: a still-live room for the same appointment
// is ended first. Returns the room id and whether the receiver was reachable.
func (c *Coordinator) StartCall(req models.StartCallRequest) (string, bool) {
	c.mu.Lock()
	roomID := req.RoomID
	if roomID != "" {
		// A supplied id must not commandeer another appointment's live room.
		if taken, ok := c.rooms[roomID]; ok && taken.AppointmentID != req.AppointmentID {
			log.Warn().Str("module", "call").
				Str("room", roomID).
				Str("appointment", req.AppointmentID).
				Msg("room id already in use by another appointment")
			roomID = ""
		}
	}
	if roomID == "" {
		roomID = fmt.Sprintf("%s-%d", req.AppointmentID, time.Now().UnixMilli())
	}

	var stale *Room
	if prevID, ok := c.byAppointment[req.AppointmentID]; ok {
		stale = c.rooms[prevID]
		c.removeLocked(prevID)
	}
	room := &Room{
		ID:            roomID,
		AppointmentID: req.AppointmentID,
		InitiatorID:   req.Caller,
		ReceiverID:    req.Receiver,
		State:         StateInitiated,
		CreatedAt:     time.Now(),
	}
	c.rooms[roomID] = room
	c.byAppointment[req.AppointmentID] = roomID
	c.mu.Unlock()

	if stale != nil {
		c.notifyEnded(stale, stale.InitiatorID, stale.ReceiverID)
	}

	log.Info().Str("module", "call").
		Str("room", roomID).
		Str("appointment", req.AppointmentID).
		Str("caller", req.Caller).
		Str("receiver", req.Receiver).
		Msg("call started")

	delivered := c.dispatcher.Relay(models.EventIncomingCall, req.Receiver, models.IncomingCall{
		Caller:        req.Caller,
		RoomID:        roomID,
		AppointmentID: req.AppointmentID,
	})
	return roomID, delivered
}

// Accept failure modes, distinguished so the transport layer can tell the
// callee whether the call is gone or only the caller is.
var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrNotReceiver = errors.New("accept from a non-receiver")
	ErrUnreachable = errors.New("peer unreachable")
)

// AcceptCall notifies the caller that the callee picked up.
func (c *Coordinator) AcceptCall(req models.AcceptCallRequest) error {
	c.mu.Lock()
	room, ok := c.rooms[req.RoomID]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "call").Str("room", req.RoomID).Msg("accept for unknown room")
		return ErrUnknownRoom
	}
	if req.Receiver != room.ReceiverID {
		log.Warn().Str("module", "call").
			Str("room", req.RoomID).
			Str("sender", req.Receiver).
			Msg("accept from non-participant")
		return ErrNotReceiver
	}

	if !c.dispatcher.Relay(models.EventCallAccepted, room.InitiatorID, models.CallAccepted{
		Receiver:      room.ReceiverID,
		RoomID:        room.ID,
		AppointmentID: room.AppointmentID,
	}) {
		return ErrUnreachable
	}
	return nil
}

// ForwardOffer relays an offer to the sender's counterpart and moves the
// room into negotiation.
func (c *Coordinator) ForwardOffer(roomID, senderID string, signal json.RawMessage) bool {
	return c.forward(roomID, senderID, signal, StateNegotiating)
}

// ForwardAnswer relays an answer back to the initiator; the room is
// considered connected once the answer is on its way.
func (c *Coordinator) ForwardAnswer(roomID, senderID string, signal json.RawMessage) bool {
	return c.forward(roomID, senderID, signal, StateConnected)
}

// ForwardCandidate relays an ICE candidate to the sender's counterpart.
func (c *Coordinator) ForwardCandidate(roomID, senderID string, signal json.RawMessage) bool {
	return c.forward(roomID, senderID, signal, "")
}

func (c *Coordinator) forward(roomID, senderID string, signal json.RawMessage, next State) bool {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		// The room is already gone; the call ended while this signal was
		// in flight.
		log.Debug().Str("module", "call").Str("room", roomID).Msg("signal for unknown room")
		return false
	}
	recipient, participant := room.other(senderID)
	if participant && next != "" {
		room.State = next
	}
	c.mu.Unlock()

	if !participant {
		log.Warn().Str("module", "call").
			Str("room", roomID).
			Str("sender", senderID).
			Msg("signal from non-participant")
		return false
	}

	return c.dispatcher.Relay(models.EventVideoCallSignal, recipient, models.VideoCallSignal{
		Signal:        signal,
		From:          senderID,
		AppointmentID: room.AppointmentID,
		RoomID:        room.ID,
	})
}

// EndCall tears the room down and notifies both participants. A second call
// for the same room finds nothing and is a no-op, so either participant may
// end the call and duplicates are harmless.
func (c *Coordinator) EndCall(roomID string) {
	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if ok {
		c.removeLocked(roomID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	log.Info().Str("module", "call").Str("room", roomID).Msg("call ended")
	c.notifyEnded(room, room.InitiatorID, room.ReceiverID)
}

// DropUser ends every room the user participates in, notifying the other
// party. Called when a connection disconnects without an explicit endCall.
func (c *Coordinator) DropUser(userID string) {
	c.mu.Lock()
	var dropped []*Room
	for id, room := range c.rooms {
		if room.InitiatorID == userID || room.ReceiverID == userID {
			dropped = append(dropped, room)
			c.removeLocked(id)
		}
	}
	c.mu.Unlock()

	for _, room := range dropped {
		other, _ := room.other(userID)
		log.Info().Str("module", "call").
			Str("room", room.ID).
			Str("user", userID).
			Msg("call ended by disconnect")
		c.notifyEnded(room, other)
	}
}

// ActiveRooms reports how many rooms are live.
func (c *Coordinator) ActiveRooms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Run reaps rooms that never reach Connected within the idle timeout. It
// blocks until ctx is done and is a no-op when the timeout is disabled.
func (c *Coordinator) Run(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, roomID := range c.staleRooms(now) {
				log.Info().Str("module", "call").Str("room", roomID).Msg("reaping idle room")
				c.EndCall(roomID)
			}
		}
	}
}

func (c *Coordinator) staleRooms(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, room := range c.rooms {
		if room.State != StateConnected && now.Sub(room.CreatedAt) > c.idleTimeout {
			out = append(out, id)
		}
	}
	return out
}

// removeLocked deletes the room and its appointment index entry. Caller
// holds the lock.
func (c *Coordinator) removeLocked(roomID string) {
	room, ok := c.rooms[roomID]
	if !ok {
		return
	}
	delete(c.rooms, roomID)
	if c.byAppointment[room.AppointmentID] == roomID {
		delete(c.byAppointment, room.AppointmentID)
	}
}

func (c *Coordinator) notifyEnded(room *Room, userIDs ...string) {
	for _, userID := range userIDs {
		c.dispatcher.Relay(models.EventCallEnded, userID, models.CallEnded{RoomID: room.ID})
	}
}
