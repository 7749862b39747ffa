package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of one call participant.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiringMedia"
	StateNegotiating    State = "negotiating"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// ErrCallEnded is returned when an operation arrives after teardown.
var ErrCallEnded = errors.New("call already ended")

// Signaler carries outbound signals to the call coordinator.
type Signaler interface {
	SendOffer(roomID string, sdp webrtc.SessionDescription) error
	SendAnswer(roomID string, sdp webrtc.SessionDescription) error
	SendCandidate(roomID string, cand webrtc.ICECandidateInit) error
	EndCall(roomID string) error
}

// PeerConnection is the slice of the underlying WebRTC connection the call
// drives. rtc.Peer implements it; tests substitute a fake.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// MediaSource opens and releases the local capture tracks.
type MediaSource interface {
	Open(ctx context.Context) ([]webrtc.TrackLocal, error)
	Close() error
}

// PeerFactory builds the peer connection once media is available.
type PeerFactory func() (PeerConnection, error)

// Call runs once per participant and owns that participant's media, peer
// connection and signal buffers. Signals that arrive before their local
// prerequisite exists are buffered FIFO and replayed once it does: offers
// wait for the peer connection, inbound candidates wait for the remote
// description. Locally gathered candidates are never buffered.
type Call struct {
	roomID   string
	signaler Signaler
	media    MediaSource
	newPeer  PeerFactory

	mu                sync.Mutex
	state             State
	peer              PeerConnection
	mediaOpen         bool
	remoteSet         bool
	pendingOffers     []webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit
	ended             bool
	onState           func(State)
}

func New(roomID string, signaler Signaler, media MediaSource, newPeer PeerFactory) *Call {
	return &Call{
		roomID:   roomID,
		signaler: signaler,
		media:    media,
		newPeer:  newPeer,
		state:    StateIdle,
	}
}

// OnStateChange registers an observer for state transitions. Set it before
// Start or Accept.
func (c *Call) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the room this call belongs to.
func (c *Call) RoomID() string {
	return c.roomID
}

// Start runs the initiator path: acquire media, build the peer connection
// and send the offer.
func (c *Call) Start(ctx context.Context) error {
	peer, err := c.setup(ctx)
	if err != nil {
		return err
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		return c.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return c.fail(fmt.Errorf("attach offer: %w", err))
	}
	c.transition(StateNegotiating)

	if err := c.signaler.SendOffer(c.roomID, offer); err != nil {
		return c.fail(fmt.Errorf("send offer: %w", err))
	}
	return nil
}

// Accept runs the receiver path: acquire media, build the peer connection
// and replay any offers that arrived while media was still being acquired,
// in receipt order.
func (c *Call) Accept(ctx context.Context) error {
	peer, err := c.setup(ctx)
	if err != nil {
		return err
	}
	c.transition(StateNegotiating)

	for {
		c.mu.Lock()
		if c.ended || len(c.pendingOffers) == 0 {
			c.mu.Unlock()
			return nil
		}
		offer := c.pendingOffers[0]
		c.pendingOffers = c.pendingOffers[1:]
		c.mu.Unlock()

		if err := c.applyOffer(peer, offer); err != nil {
			return err
		}
	}
}

// setup acquires media and installs the peer connection. Any failure here is
// terminal for the call attempt and runs the teardown path.
func (c *Call) setup(ctx context.Context) (PeerConnection, error) {
	c.transition(StateAcquiringMedia)

	tracks, err := c.media.Open(ctx)
	if err != nil {
		return nil, c.fail(fmt.Errorf("acquire media: %w", err))
	}
	c.mu.Lock()
	if c.ended {
		// Teardown ran while the capture was still opening and never saw
		// an open handle, so the release falls to us.
		c.mu.Unlock()
		if err := c.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("media release failed")
		}
		return nil, ErrCallEnded
	}
	c.mediaOpen = true
	c.mu.Unlock()

	peer, err := c.newPeer()
	if err != nil {
		return nil, c.fail(fmt.Errorf("create peer connection: %w", err))
	}

	c.mu.Lock()
	if c.ended {
		// mediaOpen was already set, so teardown released the media itself;
		// only the fresh peer is ours to close.
		c.mu.Unlock()
		_ = peer.Close()
		return nil, ErrCallEnded
	}
	c.peer = peer
	c.mu.Unlock()

	for _, track := range tracks {
		if err := peer.AddTrack(track); err != nil {
			return nil, c.fail(fmt.Errorf("add local track: %w", err))
		}
	}

	// Local candidates go out as soon as they are produced.
	peer.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if err := c.signaler.SendCandidate(c.roomID, cand); err != nil {
			log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("failed to send candidate")
		}
	})
	peer.OnConnectionStateChange(c.handleConnectionState)

	return peer, nil
}

// HandleOffer applies a remote offer, buffering it when the peer connection
// does not exist yet.
func (c *Call) HandleOffer(offer webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	if peer == nil {
		c.pendingOffers = append(c.pendingOffers, offer)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.applyOffer(peer, offer)
}

// HandleAnswer applies the remote answer on the initiator side and releases
// any buffered candidates.
func (c *Call) HandleAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	peer := c.peer
	ended := c.ended
	c.mu.Unlock()
	if ended || peer == nil {
		return nil
	}

	if err := peer.SetRemoteDescription(answer); err != nil {
		return c.fail(fmt.Errorf("attach answer: %w", err))
	}
	c.drainCandidates(peer)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it until a
// remote description exists. Candidates must never reach the peer before
// the remote description is set.
func (c *Call) HandleCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	if c.peer == nil || !c.remoteSet {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	c.mu.Unlock()

	if err := peer.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("failed to apply candidate")
		return err
	}
	return nil
}

// HandleSignal routes a relayed signal by shape: session descriptions carry
// a type, candidates carry a candidate string.
func (c *Call) HandleSignal(raw json.RawMessage) error {
	var probe struct {
		Type      string  `json:"type"`
		Candidate *string `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("malformed signal: %w", err)
	}

	switch {
	case probe.Type == "offer":
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			return fmt.Errorf("malformed offer: %w", err)
		}
		return c.HandleOffer(desc)
	case probe.Type == "answer":
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			return fmt.Errorf("malformed answer: %w", err)
		}
		return c.HandleAnswer(desc)
	case probe.Candidate != nil:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(raw, &cand); err != nil {
			return fmt.Errorf("malformed candidate: %w", err)
		}
		return c.HandleCandidate(cand)
	default:
		return fmt.Errorf("unrecognized signal shape")
	}
}

// End tears the call down: releases media, closes the peer connection,
// clears buffered signals and notifies the coordinator. Teardown can race in
// from local hangup, the remote's callEnded event and UI unwinding at once;
// only the first caller does any work.
func (c *Call) End() {
	c.teardown(StateEnded)
}

func (c *Call) applyOffer(peer PeerConnection, offer webrtc.SessionDescription) error {
	if err := peer.SetRemoteDescription(offer); err != nil {
		return c.fail(fmt.Errorf("attach offer: %w", err))
	}
	c.drainCandidates(peer)

	answer, err := peer.CreateAnswer()
	if err != nil {
		return c.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return c.fail(fmt.Errorf("attach answer: %w", err))
	}
	if err := c.signaler.SendAnswer(c.roomID, answer); err != nil {
		return c.fail(fmt.Errorf("send answer: %w", err))
	}
	return nil
}

// drainCandidates marks the remote description as set and replays buffered
// candidates in arrival order.
func (c *Call) drainCandidates(peer PeerConnection) {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := peer.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("failed to replay candidate")
		}
	}
}

func (c *Call) handleConnectionState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.transition(StateConnected)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		_ = c.fail(fmt.Errorf("peer connection %s", s))
	}
}

func (c *Call) transition(next State) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	// Connected is only reachable out of negotiation; a late transport
	// callback must not resurrect a call.
	if next == StateConnected && c.state != StateNegotiating {
		c.mu.Unlock()
		return
	}
	c.state = next
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (c *Call) fail(err error) error {
	log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("call failed")
	c.teardown(StateFailed)
	return err
}

func (c *Call) teardown(final State) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	peer := c.peer
	c.peer = nil
	mediaOpen := c.mediaOpen
	c.mediaOpen = false
	c.pendingOffers = nil
	c.pendingCandidates = nil
	c.state = final
	fn := c.onState
	c.mu.Unlock()

	if mediaOpen {
		if err := c.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("media release failed")
		}
	}
	if peer != nil {
		_ = peer.Close()
	}
	if err := c.signaler.EndCall(c.roomID); err != nil {
		log.Debug().Err(err).Str("module", "callclient").Str("room", c.roomID).Msg("end-call notify failed")
	}
	if fn != nil {
		fn(final)
	}
}
