package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a message on the signaling connection.
type EventType string

// Client -> server events.
const (
	EventSendMessage      EventType = "sendMessage"
	EventSendNotification EventType = "sendNotification"
	EventStartCall        EventType = "startCall"
	EventAcceptCall       EventType = "acceptCall"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventIceCandidate     EventType = "iceCandidate"
	EventEndCall          EventType = "endCall"
)

// Server -> client events.
const (
	EventReceiveMessage      EventType = "receiveMessage"
	EventReceiveNotification EventType = "receiveNotification"
	EventIncomingCall        EventType = "incomingCall"
	EventCallAccepted        EventType = "callAccepted"
	EventVideoCallSignal     EventType = "videoCallSignal"
	EventCallEnded           EventType = "callEnded"
	EventError               EventType = "error"
)

// ClientEvent is the inbound envelope. Data stays raw until the event type
// picks the payload struct.
type ClientEvent struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the outbound envelope.
type ServerEvent struct {
	Event EventType `json:"event"`
	Data  any       `json:"data,omitempty"`
}

// ChatMessage is the payload for sendMessage / receiveMessage.
type ChatMessage struct {
	Message    string    `json:"message"`
	ReceiverID string    `json:"receiverId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Notification is the payload for sendNotification / receiveNotification.
type Notification struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StartCallRequest asks the coordinator to open a call room. RoomID is
// optional; the coordinator generates one from the appointment id when empty.
type StartCallRequest struct {
	Caller        string `json:"caller"`
	Receiver      string `json:"receiver"`
	AppointmentID string `json:"appointmentId"`
	RoomID        string `json:"roomId,omitempty"`
}

// AcceptCallRequest is emitted by the callee after an incomingCall event.
type AcceptCallRequest struct {
	Caller        string `json:"caller"`
	Receiver      string `json:"receiver"`
	RoomID        string `json:"roomId"`
	AppointmentID string `json:"appointmentId"`
}

// SignalPayload carries an offer, answer or ICE candidate from a client.
// Signal is opaque to the server; it is relayed byte for byte.
type SignalPayload struct {
	RoomID string          `json:"roomId"`
	Signal json.RawMessage `json:"signal"`
}

// EndCallRequest tears down a call room.
type EndCallRequest struct {
	RoomID string `json:"roomId"`
}

// IncomingCall notifies the callee that a room was opened for them.
type IncomingCall struct {
	Caller        string `json:"caller"`
	RoomID        string `json:"roomId"`
	AppointmentID string `json:"appointmentId"`
}

// CallAccepted notifies the caller that the callee picked up.
type CallAccepted struct {
	Receiver      string `json:"receiver"`
	RoomID        string `json:"roomId"`
	AppointmentID string `json:"appointmentId"`
}

// VideoCallSignal is the uniform outbound wrapper for relayed offers,
// answers and ICE candidates.
type VideoCallSignal struct {
	Signal        json.RawMessage `json:"signal"`
	From          string          `json:"from"`
	AppointmentID string          `json:"appointmentId"`
	RoomID        string          `json:"roomId"`
}

// CallEnded notifies both participants that the room is gone.
type CallEnded struct {
	RoomID string `json:"roomId"`
}

// ErrorEvent is surfaced to the sender for failures that are meaningful to
// it, e.g. an unreachable call peer.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
