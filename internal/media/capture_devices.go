//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/meshcall/internal/util"
)

// Devices captures from the local camera, microphone and screen through
// pion/mediadevices. Encoded frames are copied into the package's own
// tracks so enable gating and track replacement work the same as for
// every other Capturer.
type Devices struct {
	selector *mediadevices.CodecSelector
}

// NewDevices prepares VP8 and Opus encoders.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		util.LogDebug("media device kind=%v label=%q", d.Kind, d.Label)
	}

	return &Devices{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

func cameraConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

func (d *Devices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = cameraConstraints
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media (%s): %w", c, err)
	}

	stream := NewStream()
	for _, src := range ms.GetTracks() {
		t, err := d.bind(src, stream.ID)
		if err != nil {
			stream.Stop()
			for _, other := range ms.GetTracks() {
				other.Close()
			}
			return nil, err
		}
		stream.Add(t)
		if at, ok := src.(*mediadevices.AudioTrack); ok && stream.Tap() == nil {
			if tap, err := newDeviceTap(at, t); err == nil {
				stream.SetTap(tap)
			} else {
				util.LogWarning("microphone tap unavailable: %v", err)
			}
		}
	}
	return stream, nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture produced no video track")
	}
	return d.bind(tracks[0], "screen")
}

// bind forwards the encoded output of src into a new Track. When src ends
// the track ends, and stopping the track closes src.
func (d *Devices) bind(src mediadevices.Track, streamID string) (*Track, error) {
	kind := src.Kind()
	mime, clock := webrtc.MimeTypeOpus, 48000
	if kind == webrtc.RTPCodecTypeVideo {
		mime, clock = webrtc.MimeTypeVP8, 90000
	}

	reader, err := src.NewEncodedReader(mime)
	if err != nil {
		return nil, fmt.Errorf("%s encoder: %w", kind, err)
	}
	t, err := NewTrack(kind, streamID)
	if err != nil {
		reader.Close()
		return nil, err
	}
	t.onRelease(func() {
		reader.Close()
		src.Close()
	})
	src.OnEnded(func(err error) {
		if err != nil {
			util.LogDebug("%s capture ended: %v", kind, err)
		}
		t.Stop()
	})

	go func() {
		defer t.Stop()
		for {
			buf, release, err := reader.Read()
			if err != nil {
				return
			}
			sample := media.Sample{
				Data:     append([]byte(nil), buf.Data...),
				Duration: time.Duration(buf.Samples) * time.Second / time.Duration(clock),
			}
			release()
			if err := t.WriteSample(sample); errors.Is(err, ErrTrackEnded) {
				return
			}
		}
	}()
	return t, nil
}

// deviceTap reads raw microphone PCM for voice-activity detection.
type deviceTap struct {
	track  *Track
	reader interface {
		Read() (wave.Audio, func(), error)
	}
}

func newDeviceTap(src *mediadevices.AudioTrack, t *Track) (*deviceTap, error) {
	r, err := src.NewReader(false)
	if err != nil {
		return nil, err
	}
	return &deviceTap{track: t, reader: r}, nil
}

func (d *deviceTap) ReadPCM() ([]int16, error) {
	for {
		chunk, release, err := d.reader.Read()
		if err != nil {
			return nil, err
		}
		var pcm []int16
		if in, ok := chunk.(*wave.Int16Interleaved); ok {
			channels := max(in.Size.Channels, 1)
			pcm = make([]int16, 0, in.Size.Len)
			for i := 0; i < len(in.Data); i += channels {
				pcm = append(pcm, in.Data[i])
			}
		}
		release()
		if pcm == nil {
			continue
		}
		if !d.track.Enabled() {
			clear(pcm)
		}
		return pcm, nil
	}
}
