package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// SampleSource yields mono PCM frames. ReadPCM blocks until a frame is
// ready and returns io.EOF (or the underlying error) once the source ends.
// A source has a single reader.
type SampleSource interface {
	ReadPCM() ([]int16, error)
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

// Feed is a SampleSource filled by the application, for example from a
// microphone callback or a test.
type Feed struct {
	frames chan []int16
	done   chan struct{}
	once   sync.Once
}

// NewFeed returns a Feed buffering up to depth frames. When full, Push
// drops the frame.
func NewFeed(depth int) *Feed {
	return &Feed{frames: make(chan []int16, depth), done: make(chan struct{})}
}

// Push offers one frame. It reports false if the frame was dropped.
func (f *Feed) Push(pcm []int16) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.frames <- pcm:
		return true
	default:
		return false
	}
}

func (f *Feed) ReadPCM() ([]int16, error) {
	select {
	case pcm := <-f.frames:
		return pcm, nil
	case <-f.done:
		return nil, io.EOF
	}
}

// Close ends the feed. Pending ReadPCM calls return io.EOF.
func (f *Feed) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// ---------------------------------------------------------------------------
// Opus over RTP
// ---------------------------------------------------------------------------

// opusFrameBytes holds 40ms of 48kHz mono int16 PCM.
const opusFrameBytes = 1920 * 2

// OpusSource decodes an inbound Opus RTP stream into PCM.
type OpusSource struct {
	read    func() (*rtp.Packet, error)
	decoder opus.Decoder
	out     []byte
	closed  atomic.Bool
}

// NewOpusSource reads and decodes track. The track must carry Opus.
func NewOpusSource(track *webrtc.TrackRemote) *OpusSource {
	return newOpusSource(func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
}

func newOpusSource(read func() (*rtp.Packet, error)) *OpusSource {
	return &OpusSource{
		read:    read,
		decoder: opus.NewDecoder(),
		out:     make([]byte, opusFrameBytes),
	}
}

// ReadPCM returns the next decodable frame. Packets the decoder cannot
// handle are skipped; a read error ends the source.
func (s *OpusSource) ReadPCM() ([]int16, error) {
	for {
		if s.closed.Load() {
			return nil, io.EOF
		}
		pkt, err := s.read()
		if s.closed.Load() {
			return nil, io.EOF
		}
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil, io.EOF
			}
			return nil, err
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		bandwidth, stereo, err := s.decoder.Decode(pkt.Payload, s.out)
		if err != nil {
			continue
		}

		// One 20ms frame at the decoded bandwidth, interleaved when stereo.
		n := bandwidth.SampleRate() / 50
		if stereo {
			n *= 2
		}
		n = min(n, len(s.out)/2)
		if n <= 0 {
			continue
		}

		pcm := make([]int16, 0, n)
		step := 1
		if stereo {
			step = 2
		}
		for i := 0; i < n; i += step {
			pcm = append(pcm, int16(s.out[i*2])|int16(s.out[i*2+1])<<8)
		}
		return pcm, nil
	}
}

// Close stops reading. A ReadPCM blocked on the track returns io.EOF once
// its pending read completes.
func (s *OpusSource) Close() error {
	s.closed.Store(true)
	return nil
}
