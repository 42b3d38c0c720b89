package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/meshcall/internal/util"
)

// ErrAcquisitionFailed marks a capture request that produced no stream.
var ErrAcquisitionFailed = errors.New("media acquisition failed")

// Constraints selects the media classes requested from a Capturer.
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Video:
		return "video"
	case c.Audio:
		return "audio"
	}
	return "none"
}

// Capturer acquires local media. Implementations return tracks whose
// samples already flow; the caller owns the result and must Stop it.
type Capturer interface {
	// UserMedia opens the camera and/or microphone as one stream.
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// DisplayMedia opens a screen capture video track. The track ends on its
	// own when the user stops sharing from outside the application.
	DisplayMedia(ctx context.Context) (*Track, error)
}

// Acquire requests the media for a call. A failed video request is retried
// audio-only, in which case fellBack is true. When both fail the error wraps
// ErrAcquisitionFailed.
func Acquire(ctx context.Context, capturer Capturer, video bool) (stream *Stream, fellBack bool, err error) {
	want := Constraints{Audio: true, Video: video}
	stream, err = capturer.UserMedia(ctx, want)
	if err == nil {
		return stream, false, nil
	}
	if !video || ctx.Err() != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrAcquisitionFailed, want, err)
	}

	util.LogWarning("capture %s failed, retrying audio only: %v", want, err)
	stream, err2 := capturer.UserMedia(ctx, Constraints{Audio: true})
	if err2 != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrAcquisitionFailed, want, errors.Join(err, err2))
	}
	return stream, true, nil
}

// pump writes one sample from next every interval until t ends.
func pump(t *Track, interval time.Duration, next func() []byte) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.Done():
				return
			case <-ticker.C:
				err := t.WriteSample(media.Sample{Data: next(), Duration: interval})
				if errors.Is(err, ErrTrackEnded) {
					return
				}
			}
		}
	}()
}

// Synthetic is a Capturer that needs no devices. Audio carries Opus
// silence frames and video a fixed VP8 payload; the microphone tap emits
// PCM at Level amplitude (0 is silence) so local voice activity can be
// exercised. The Fail fields make the matching request fail.
type Synthetic struct {
	Level float64
	Delay time.Duration

	FailAudio   bool
	FailVideo   bool
	FailDisplay bool
}

// opusSilence is a single 20ms Opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Frame is a minimal VP8 key frame header. Receivers see bytes flow;
// decoding is not required here.
var vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}

func (s *Synthetic) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synthetic) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if c.Video && s.FailVideo {
		return nil, errors.New("no camera")
	}
	if c.Audio && s.FailAudio {
		return nil, errors.New("no microphone")
	}

	stream := NewStream()
	if c.Audio {
		t, err := NewTrack(webrtc.RTPCodecTypeAudio, stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Add(t)
		pump(t, 20*time.Millisecond, func() []byte { return opusSilence })

		feed := NewFeed(8)
		stream.SetTap(feed)
		go s.speak(t, feed)
	}
	if c.Video {
		t, err := NewTrack(webrtc.RTPCodecTypeVideo, stream.ID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Add(t)
		pump(t, 100*time.Millisecond, func() []byte { return vp8Frame })
	}
	return stream, nil
}

// speak feeds 10ms PCM frames to the tap. A muted track feeds silence.
func (s *Synthetic) speak(t *Track, feed *Feed) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var seed uint32 = 1
	for {
		select {
		case <-t.Done():
			feed.Close()
			return
		case <-ticker.C:
		}
		pcm := make([]int16, 480)
		if t.Enabled() && s.Level > 0 {
			amp := s.Level * 32767
			for i := range pcm {
				seed = seed*1664525 + 1013904223
				pcm[i] = int16((float64(seed>>16)/65535*2 - 1) * amp)
			}
		}
		feed.Push(pcm)
	}
}

func (s *Synthetic) DisplayMedia(ctx context.Context) (*Track, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.FailDisplay {
		return nil, errors.New("screen capture denied")
	}
	t, err := NewTrack(webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		return nil, err
	}
	pump(t, 100*time.Millisecond, func() []byte { return vp8Frame })
	return t, nil
}
