// Package media owns local capture and voice-activity detection.
//
// Local tracks are pion TrackLocalStaticSample values fed by a capture
// source. Disabling a track drops its samples at the source without
// stopping capture, so mute and camera-off are instant and reversible.
package media

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrTrackEnded is returned by WriteSample after Stop.
var ErrTrackEnded = errors.New("track ended")

// Track is one captured local track.
type Track struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	ended   chan struct{}
	endOnce sync.Once

	mu      sync.Mutex
	onEnded []func()
	release []func()
}

// NewTrack creates an enabled track of the given kind inside streamID.
// Audio tracks use Opus and video tracks VP8.
func NewTrack(kind webrtc.RTPCodecType, streamID string) (*Track, error) {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		kind.String()+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}

	t := &Track{kind: kind, local: local, ended: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }
func (t *Track) Enabled() bool             { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)        { t.enabled.Store(on) }
func (t *Track) Done() <-chan struct{}     { return t.ended }

// Ended reports whether Stop was called or the source finished.
func (t *Track) Ended() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}

// WriteSample forwards one encoded sample. Samples written while the track
// is disabled are dropped.
func (t *Track) WriteSample(s media.Sample) error {
	if t.Ended() {
		return ErrTrackEnded
	}
	if !t.Enabled() {
		return nil
	}
	return t.local.WriteSample(s)
}

// OnEnded registers fn to run once when the track ends. If the track has
// already ended fn runs immediately.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if !t.Ended() {
		t.onEnded = append(t.onEnded, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

// onRelease registers a capture cleanup that runs when the track ends.
func (t *Track) onRelease(fn func()) {
	t.mu.Lock()
	t.release = append(t.release, fn)
	t.mu.Unlock()
}

// Stop ends the track, releases its capture source and runs OnEnded
// callbacks. It is idempotent.
func (t *Track) Stop() {
	t.endOnce.Do(func() {
		t.mu.Lock()
		close(t.ended)
		release := t.release
		callbacks := t.onEnded
		t.release, t.onEnded = nil, nil
		t.mu.Unlock()

		for _, fn := range release {
			fn()
		}
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	ID string

	tracks []*Track
	tap    SampleSource
}

// NewStream returns an empty stream with a fresh id.
func NewStream() *Stream {
	return &Stream{ID: uuid.NewString()}
}

// Add appends a track to the stream.
func (s *Stream) Add(t *Track) { s.tracks = append(s.tracks, t) }

// SetTap sets the PCM source used for local voice-activity detection.
func (s *Stream) SetTap(src SampleSource) { s.tap = src }

// Tap returns the PCM source of the stream's microphone, or nil.
func (s *Stream) Tap() SampleSource { return s.tap }

// Tracks returns every track in the stream.
func (s *Stream) Tracks() []*Track { return slices.Clone(s.tracks) }

// Audio returns the first audio track, or nil.
func (s *Stream) Audio() *Track { return s.first(webrtc.RTPCodecTypeAudio) }

// Video returns the first video track, or nil.
func (s *Stream) Video() *Track { return s.first(webrtc.RTPCodecTypeVideo) }

func (s *Stream) first(kind webrtc.RTPCodecType) *Track {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// Locals returns the pion tracks to attach to peer connections.
func (s *Stream) Locals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.local)
	}
	return out
}

// Stop ends every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
	if c, ok := s.tap.(interface{ Close() error }); ok {
		c.Close()
	}
}
