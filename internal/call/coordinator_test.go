package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/presence"
	"github.com/mossy-p/telehealth-signaling/internal/relay"
)

type fakeSender struct {
	mu     sync.Mutex
	events []models.ServerEvent
}

func (f *fakeSender) TrySend(ev models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) ofType(event models.EventType) []models.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ServerEvent
	for _, ev := range f.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	coordinator *Coordinator
	senders     map[string]*fakeSender
}

// newFixture wires a coordinator over a live registry and dispatcher with an
// attached fake connection per user.
func newFixture(t *testing.T, idleTimeout time.Duration, users ...string) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	d := relay.NewDispatcher(reg)

	senders := make(map[string]*fakeSender, len(users))
	for _, u := range users {
		s := &fakeSender{}
		connID := "conn-" + u
		reg.Register(u, connID)
		d.Attach(connID, s)
		senders[u] = s
	}

	return &fixture{
		coordinator: NewCoordinator(d, idleTimeout),
		senders:     senders,
	}
}

func TestStartCallRingsReceiver(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	roomID, delivered := f.coordinator.StartCall(models.StartCallRequest{
		Caller:        "doctor",
		Receiver:      "patient",
		AppointmentID: "appt-1",
	})
	if !delivered {
		t.Fatal("startCall reported the receiver unreachable")
	}
	if !strings.HasPrefix(roomID, "appt-1-") {
		t.Errorf("roomID = %q, want appt-1-<ts>", roomID)
	}

	rings := f.senders["patient"].ofType(models.EventIncomingCall)
	if len(rings) != 1 {
		t.Fatalf("patient got %d incomingCall events, want 1", len(rings))
	}
	ring := rings[0].Data.(models.IncomingCall)
	if ring.Caller != "doctor" || ring.RoomID != roomID || ring.AppointmentID != "appt-1" {
		t.Errorf("incomingCall = %+v", ring)
	}
}

func TestStartCallToOfflineReceiver(t *testing.T) {
	f := newFixture(t, 0, "doctor")

	_, delivered := f.coordinator.StartCall(models.StartCallRequest{
		Caller:        "doctor",
		Receiver:      "patient",
		AppointmentID: "appt-1",
	})
	if delivered {
		t.Error("startCall reported delivery to an offline receiver")
	}
	// The room still exists; the initiator's disconnect or endCall cleans it up.
	if f.coordinator.ActiveRooms() != 1 {
		t.Errorf("ActiveRooms = %d, want 1", f.coordinator.ActiveRooms())
	}
}

func TestOneRoomPerAppointment(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	first, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1", RoomID: "appt-1-100",
	})
	second, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1", RoomID: "appt-1-200",
	})
	if first == second {
		t.Fatal("expected distinct room ids")
	}
	if f.coordinator.ActiveRooms() != 1 {
		t.Errorf("ActiveRooms = %d, want 1", f.coordinator.ActiveRooms())
	}

	// The superseded room was ended toward both parties.
	for _, user := range []string{"doctor", "patient"} {
		var found bool
		for _, ev := range f.senders[user].ofType(models.EventCallEnded) {
			if ev.Data.(models.CallEnded).RoomID == first {
				found = true
			}
		}
		if !found {
			t.Errorf("%s never saw callEnded for superseded room %s", user, first)
		}
	}
}

func TestStartCallRoomIDCollisionLeavesOtherAppointmentIntact(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient", "mallory", "eve")

	first, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1", RoomID: "room-X",
	})

	// A second pair reuses the first pair's room id for a different
	// appointment; it must not take over their session.
	second, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "mallory", Receiver: "eve", AppointmentID: "appt-2", RoomID: "room-X",
	})
	if second == first {
		t.Fatal("colliding start reused another appointment's room id")
	}
	if !strings.HasPrefix(second, "appt-2-") {
		t.Errorf("replacement room id = %q, want appt-2-<ts>", second)
	}
	if f.coordinator.ActiveRooms() != 2 {
		t.Errorf("ActiveRooms = %d, want 2", f.coordinator.ActiveRooms())
	}

	if !f.coordinator.ForwardOffer(first, "doctor", json.RawMessage(`{"type":"offer","sdp":"O"}`)) {
		t.Error("original room stopped relaying after the collision")
	}
	for _, user := range []string{"doctor", "patient"} {
		if len(f.senders[user].ofType(models.EventCallEnded)) != 0 {
			t.Errorf("%s saw callEnded for a call nobody ended", user)
		}
	}
}

func TestAcceptUnknownRoom(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	err := f.coordinator.AcceptCall(models.AcceptCallRequest{
		Caller: "doctor", Receiver: "patient", RoomID: "gone-room",
	})
	if !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("AcceptCall = %v, want ErrUnknownRoom", err)
	}
}

func TestAcceptFromNonReceiver(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient", "mallory")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	err := f.coordinator.AcceptCall(models.AcceptCallRequest{
		Caller: "doctor", Receiver: "mallory", RoomID: roomID, AppointmentID: "appt-1",
	})
	if !errors.Is(err, ErrNotReceiver) {
		t.Errorf("AcceptCall = %v, want ErrNotReceiver", err)
	}
	if len(f.senders["doctor"].ofType(models.EventCallAccepted)) != 0 {
		t.Error("non-receiver accept reached the caller")
	}
}

func TestAcceptWithUnreachableCaller(t *testing.T) {
	// Only the receiver is online; the caller rang and then dropped off the
	// registry without the room being torn down yet.
	f := newFixture(t, 0, "patient")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	err := f.coordinator.AcceptCall(models.AcceptCallRequest{
		Caller: "doctor", Receiver: "patient", RoomID: roomID, AppointmentID: "appt-1",
	})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("AcceptCall = %v, want ErrUnreachable", err)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	f.coordinator.EndCall(roomID)
	f.coordinator.EndCall(roomID) // either party repeating the signal

	for _, user := range []string{"doctor", "patient"} {
		ended := f.senders[user].ofType(models.EventCallEnded)
		if len(ended) != 1 {
			t.Errorf("%s got %d callEnded events, want exactly 1", user, len(ended))
		}
	}
	if f.coordinator.ActiveRooms() != 0 {
		t.Errorf("ActiveRooms = %d after endCall, want 0", f.coordinator.ActiveRooms())
	}
}

func TestForwardRoutesToCounterpart(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if !f.coordinator.ForwardOffer(roomID, "doctor", offer) {
		t.Fatal("ForwardOffer reported a miss")
	}
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if !f.coordinator.ForwardAnswer(roomID, "patient", answer) {
		t.Fatal("ForwardAnswer reported a miss")
	}

	got := f.senders["patient"].ofType(models.EventVideoCallSignal)
	if len(got) != 1 {
		t.Fatalf("patient got %d signals, want 1", len(got))
	}
	sig := got[0].Data.(models.VideoCallSignal)
	if sig.From != "doctor" || sig.RoomID != roomID || string(sig.Signal) != string(offer) {
		t.Errorf("relayed signal = %+v", sig)
	}

	back := f.senders["doctor"].ofType(models.EventVideoCallSignal)
	if len(back) != 1 || back[0].Data.(models.VideoCallSignal).From != "patient" {
		t.Errorf("doctor signals = %+v", back)
	}
}

func TestForwardUnknownRoomIsNoOp(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	if f.coordinator.ForwardOffer("gone-room", "doctor", json.RawMessage(`{}`)) {
		t.Error("forward to an unknown room reported delivery")
	}
	if len(f.senders["patient"].ofType(models.EventVideoCallSignal)) != 0 {
		t.Error("unknown-room forward produced an outbound signal")
	}
}

func TestForwardFromNonParticipant(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient", "mallory")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	if f.coordinator.ForwardOffer(roomID, "mallory", json.RawMessage(`{}`)) {
		t.Error("signal from a non-participant was relayed")
	}
}

func TestDisconnectCascade(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	_, _ = f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	f.coordinator.DropUser("doctor")

	ended := f.senders["patient"].ofType(models.EventCallEnded)
	if len(ended) != 1 {
		t.Fatalf("patient got %d callEnded events, want exactly 1", len(ended))
	}
	if f.coordinator.ActiveRooms() != 0 {
		t.Errorf("ActiveRooms = %d after disconnect, want 0", f.coordinator.ActiveRooms())
	}

	// A second drop finds nothing.
	f.coordinator.DropUser("doctor")
	if len(f.senders["patient"].ofType(models.EventCallEnded)) != 1 {
		t.Error("duplicate drop produced another callEnded")
	}
}

func TestAcceptCallNotifiesCaller(t *testing.T) {
	f := newFixture(t, 0, "doctor", "patient")

	roomID, _ := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	if err := f.coordinator.AcceptCall(models.AcceptCallRequest{
		Caller: "doctor", Receiver: "patient", RoomID: roomID, AppointmentID: "appt-1",
	}); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	accepted := f.senders["doctor"].ofType(models.EventCallAccepted)
	if len(accepted) != 1 {
		t.Fatalf("doctor got %d callAccepted events, want 1", len(accepted))
	}
	data := accepted[0].Data.(models.CallAccepted)
	if data.Receiver != "patient" || data.RoomID != roomID {
		t.Errorf("callAccepted = %+v", data)
	}
}

// TestCallScenario walks the full exchange: ring, accept, offer, answer,
// hang up, duplicate hang up.
func TestCallScenario(t *testing.T) {
	f := newFixture(t, 0, "A", "B")

	roomID, delivered := f.coordinator.StartCall(models.StartCallRequest{
		Caller: "A", Receiver: "B", AppointmentID: "appt-1",
	})
	if !delivered || !strings.HasPrefix(roomID, "appt-1-") {
		t.Fatalf("startCall = %q, %v", roomID, delivered)
	}
	if len(f.senders["B"].ofType(models.EventIncomingCall)) != 1 {
		t.Fatal("B did not receive incomingCall")
	}

	if err := f.coordinator.AcceptCall(models.AcceptCallRequest{
		Caller: "A", Receiver: "B", RoomID: roomID, AppointmentID: "appt-1",
	}); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if len(f.senders["A"].ofType(models.EventCallAccepted)) != 1 {
		t.Fatal("A did not receive callAccepted")
	}

	f.coordinator.ForwardOffer(roomID, "A", json.RawMessage(`{"type":"offer","sdp":"O"}`))
	sigsB := f.senders["B"].ofType(models.EventVideoCallSignal)
	if len(sigsB) != 1 || sigsB[0].Data.(models.VideoCallSignal).From != "A" {
		t.Fatalf("B signals = %+v", sigsB)
	}

	f.coordinator.ForwardAnswer(roomID, "B", json.RawMessage(`{"type":"answer","sdp":"R"}`))
	sigsA := f.senders["A"].ofType(models.EventVideoCallSignal)
	if len(sigsA) != 1 || sigsA[0].Data.(models.VideoCallSignal).From != "B" {
		t.Fatalf("A signals = %+v", sigsA)
	}

	f.coordinator.EndCall(roomID)
	f.coordinator.EndCall(roomID)
	for _, user := range []string{"A", "B"} {
		if got := len(f.senders[user].ofType(models.EventCallEnded)); got != 1 {
			t.Errorf("%s got %d callEnded events, want exactly 1", user, got)
		}
	}
}

func TestReaperEndsIdleRooms(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond, "doctor", "patient")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.coordinator.Run(ctx)

	_, _ = f.coordinator.StartCall(models.StartCallRequest{
		Caller: "doctor", Receiver: "patient", AppointmentID: "appt-1",
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.coordinator.ActiveRooms() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle room was never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(f.senders["patient"].ofType(models.EventCallEnded)) != 1 {
		t.Error("reaped room did not notify the receiver")
	}
}
