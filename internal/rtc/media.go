package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable is returned when local capture cannot be opened.
var ErrMediaUnavailable = errors.New("media unavailable")

// StaticMedia provides local audio/video tracks backed by static sample
// tracks that a capture pipeline can feed. It stands in for a device-bound
// source on platforms without direct camera access.
type StaticMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

func NewStaticMedia() *StaticMedia {
	return &StaticMedia{}
}

// Open creates the local track pair. Tracks returned here are exclusively
// owned by the caller until Close.
func (m *StaticMedia) Open(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "telehealth",
	)
	if err != nil {
		return nil, errors.Join(ErrMediaUnavailable, err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "telehealth",
	)
	if err != nil {
		return nil, errors.Join(ErrMediaUnavailable, err)
	}

	m.audio = audio
	m.video = video
	return []webrtc.TrackLocal{audio, video}, nil
}

// Close releases the tracks. Static tracks have no device handle to give
// back, so this just drops the references.
func (m *StaticMedia) Close() error {
	m.audio = nil
	m.video = nil
	return nil
}

// AudioTrack returns the audio track for a capture pipeline to write into.
func (m *StaticMedia) AudioTrack() *webrtc.TrackLocalStaticSample { return m.audio }

// VideoTrack returns the video track for a capture pipeline to write into.
func (m *StaticMedia) VideoTrack() *webrtc.TrackLocalStaticSample { return m.video }
