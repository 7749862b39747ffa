package callclient

import (
	"github.com/mossy-p/telehealth-signaling/internal/rtc"
)

// NewWithPion builds a Call backed by the pion adapter and the static media
// source. This is the production wiring; New exists for callers that bring
// their own media or peer implementation.
func NewWithPion(roomID string, signaler Signaler) *Call {
	return New(roomID, signaler, rtc.NewStaticMedia(), func() (PeerConnection, error) {
		return rtc.NewPeer(rtc.DefaultConfig())
	})
}
