package media

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

func noise(n int, amp float64, r *rand.Rand) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16((r.Float64()*2 - 1) * amp * 32767)
	}
	return pcm
}

// TestTrackGating verifies that a disabled track drops samples and an ended
// track rejects them.
func TestTrackGating(t *testing.T) {
	tr, err := NewTrack(webrtc.RTPCodecTypeAudio, "s1")
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	if !tr.Enabled() {
		t.Fatal("new track disabled")
	}
	if tr.Local().StreamID() != "s1" {
		t.Errorf("stream id = %q", tr.Local().StreamID())
	}

	sample := media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}
	tr.SetEnabled(false)
	if err := tr.WriteSample(sample); err != nil {
		t.Fatalf("disabled write: %v", err)
	}
	tr.SetEnabled(true)
	if err := tr.WriteSample(sample); err != nil {
		t.Fatalf("enabled write: %v", err)
	}

	var ended int
	tr.OnEnded(func() { ended++ })
	tr.Stop()
	tr.Stop()
	if ended != 1 {
		t.Errorf("OnEnded ran %d times, want 1", ended)
	}
	if !errors.Is(tr.WriteSample(sample), ErrTrackEnded) {
		t.Error("write after stop accepted")
	}

	late := false
	tr.OnEnded(func() { late = true })
	if !late {
		t.Error("OnEnded after stop did not run immediately")
	}
}

// TestStreamAccessors verifies kind lookup and Stop.
func TestStreamAccessors(t *testing.T) {
	s := NewStream()
	a, _ := NewTrack(webrtc.RTPCodecTypeAudio, s.ID)
	v, _ := NewTrack(webrtc.RTPCodecTypeVideo, s.ID)
	s.Add(a)
	s.Add(v)
	feed := NewFeed(1)
	s.SetTap(feed)

	if s.Audio() != a || s.Video() != v {
		t.Fatal("kind lookup mismatch")
	}
	if len(s.Locals()) != 2 {
		t.Fatalf("locals = %d", len(s.Locals()))
	}

	s.Stop()
	if !a.Ended() || !v.Ended() {
		t.Error("tracks still live after Stop")
	}
	if _, err := feed.ReadPCM(); err != io.EOF {
		t.Errorf("tap read after Stop = %v, want EOF", err)
	}
}

// TestFeed verifies buffering, drops and close.
func TestFeed(t *testing.T) {
	f := NewFeed(1)
	if !f.Push([]int16{1}) {
		t.Fatal("first push dropped")
	}
	if f.Push([]int16{2}) {
		t.Fatal("push into full feed accepted")
	}
	pcm, err := f.ReadPCM()
	if err != nil || pcm[0] != 1 {
		t.Fatalf("read = %v, %v", pcm, err)
	}
	f.Close()
	if f.Push([]int16{3}) {
		t.Error("push after close accepted")
	}
	if _, err := f.ReadPCM(); err != io.EOF {
		t.Errorf("read after close = %v", err)
	}
}

// TestFFTPeak verifies that a pure tone lands in its bin.
func TestFFTPeak(t *testing.T) {
	const n, bin = 64, 5
	data := make([]complex128, n)
	for i := range data {
		data[i] = complex(math.Cos(2*math.Pi*bin*float64(i)/n), 0)
	}
	fft(data)

	peak := 0
	for k := 1; k < n/2; k++ {
		if cmag(data[k]) > cmag(data[peak]) {
			peak = k
		}
	}
	if peak != bin {
		t.Fatalf("peak bin = %d, want %d", peak, bin)
	}
	if got := cmag(data[bin]); math.Abs(got-n/2) > 1e-6 {
		t.Errorf("peak magnitude = %f, want %d", got, n/2)
	}
}

func cmag(c complex128) float64 { return math.Hypot(real(c), imag(c)) }

// TestAnalyzerLevel verifies the silence and noise classification.
func TestAnalyzerLevel(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	testCases := []struct {
		name     string
		amp      float64
		speaking bool
	}{
		{"silence", 0, false},
		{"faint noise", 0.00001, false},
		{"loud noise", 0.5, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAnalyzer(DefaultFFTSize)
			var level float64
			for range 10 {
				a.Write(noise(DefaultFFTSize, tc.amp, r))
				level = a.Level()
			}
			if got := level > DefaultVADThreshold; got != tc.speaking {
				t.Errorf("level %.4f speaking = %v, want %v", level, got, tc.speaking)
			}
		})
	}
}

func TestAnalyzerSizeRoundsUp(t *testing.T) {
	if got := NewAnalyzer(300).Bins(); got != 256 {
		t.Errorf("bins = %d, want 256", got)
	}
}

// loop is a SampleSource producing noise until closed.
type loop struct {
	amp  float64
	stop chan struct{}
	once sync.Once
	r    *rand.Rand
	mu   sync.Mutex
}

func newLoop(amp float64) *loop {
	return &loop{amp: amp, stop: make(chan struct{}), r: rand.New(rand.NewPCG(3, 4))}
}

func (l *loop) ReadPCM() ([]int16, error) {
	select {
	case <-l.stop:
		return nil, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return noise(240, l.amp, l.r), nil
}

func (l *loop) end() { l.once.Do(func() { close(l.stop) }) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestMonitorLifecycle covers detection, replacement, per-id stop and
// source end.
func TestMonitorLifecycle(t *testing.T) {
	m := NewMonitor(VADOptions{})
	ended := make(chan string, 4)
	m.OnEnded(func(id string) { ended <- id })

	loud := newLoop(0.5)
	m.Start("alice", loud)
	waitFor(t, "alice speaking", func() bool { return m.Speaking()["alice"] })

	quiet := newLoop(0)
	m.Start("alice", quiet)
	if m.Len() != 1 {
		t.Fatalf("detectors = %d after replace, want 1", m.Len())
	}
	waitFor(t, "alice silent", func() bool {
		v, ok := m.Speaking()["alice"]
		return ok && !v
	})
	loud.end()

	bob := newLoop(0.5)
	m.Start("bob", bob)
	waitFor(t, "bob speaking", func() bool { return m.Speaking()["bob"] })

	m.Stop("alice")
	if m.Len() != 1 {
		t.Errorf("detectors = %d after Stop, want 1", m.Len())
	}
	if _, ok := m.Speaking()["alice"]; ok {
		t.Error("alice speaking entry survived Stop")
	}

	bob.end()
	select {
	case id := <-ended:
		if id != "bob" {
			t.Fatalf("ended id = %q, want bob", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("source end not reported")
	}
	waitFor(t, "bob cleared", func() bool { return m.Len() == 0 })
	if len(m.Speaking()) != 0 {
		t.Errorf("speaking = %v, want empty", m.Speaking())
	}
	quiet.end()
}

func TestMonitorStopAll(t *testing.T) {
	m := NewMonitor(VADOptions{Interval: 5 * time.Millisecond})
	var srcs []*loop
	for _, id := range []string{"a", "b", "c"} {
		l := newLoop(0.5)
		srcs = append(srcs, l)
		m.Start(id, l)
	}
	waitFor(t, "readings", func() bool { return len(m.Speaking()) == 3 })

	m.StopAll()
	if m.Len() != 0 || len(m.Speaking()) != 0 {
		t.Fatalf("after StopAll len=%d speaking=%v", m.Len(), m.Speaking())
	}
	time.Sleep(20 * time.Millisecond)
	if len(m.Speaking()) != 0 {
		t.Error("stopped detector wrote a reading")
	}
	for _, l := range srcs {
		l.end()
	}
}

// failing fails the listed requests.
type failing struct {
	Synthetic
	calls []Constraints
}

func (f *failing) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	f.calls = append(f.calls, c)
	return f.Synthetic.UserMedia(ctx, c)
}

func TestAcquire(t *testing.T) {
	testCases := []struct {
		name     string
		syn      Synthetic
		video    bool
		fellBack bool
		wantErr  bool
		calls    int
		hasVideo bool
	}{
		{"video", Synthetic{}, true, false, false, 1, true},
		{"audio", Synthetic{}, false, false, false, 1, false},
		{"camera missing", Synthetic{FailVideo: true}, true, true, false, 2, false},
		{"nothing works", Synthetic{FailVideo: true, FailAudio: true}, true, false, true, 2, false},
		{"audio missing", Synthetic{FailAudio: true}, false, false, true, 1, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &failing{Synthetic: tc.syn}
			s, fellBack, err := Acquire(context.Background(), f, tc.video)
			if tc.wantErr {
				if !errors.Is(err, ErrAcquisitionFailed) {
					t.Fatalf("err = %v, want ErrAcquisitionFailed", err)
				}
			} else if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if fellBack != tc.fellBack {
				t.Errorf("fellBack = %v, want %v", fellBack, tc.fellBack)
			}
			if len(f.calls) != tc.calls {
				t.Errorf("calls = %v", f.calls)
			}
			if s != nil {
				defer s.Stop()
				if (s.Video() != nil) != tc.hasVideo {
					t.Errorf("video track present = %v", s.Video() != nil)
				}
				if s.Audio() == nil || s.Tap() == nil {
					t.Error("missing audio track or tap")
				}
			}
		})
	}
}

func TestAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	syn := &Synthetic{Delay: time.Second}
	if _, _, err := Acquire(ctx, syn, true); !errors.Is(err, ErrAcquisitionFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSyntheticTapFollowsMute(t *testing.T) {
	syn := &Synthetic{Level: 0.5}
	s, err := syn.UserMedia(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	m := NewMonitor(VADOptions{})
	defer m.StopAll()
	m.Start("me", s.Tap())
	waitFor(t, "speaking", func() bool { return m.Speaking()["me"] })

	s.Audio().SetEnabled(false)
	waitFor(t, "muted silence", func() bool { return !m.Speaking()["me"] })
}

func TestSyntheticDisplay(t *testing.T) {
	syn := &Synthetic{}
	tr, err := syn.DisplayMedia(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("kind = %s", tr.Kind())
	}
	tr.Stop()

	syn.FailDisplay = true
	if _, err := syn.DisplayMedia(context.Background()); err == nil {
		t.Error("denied display succeeded")
	}
}

// TestOpusSourceEnds verifies that empty packets are skipped and a closed
// track ends the source.
func TestOpusSourceEnds(t *testing.T) {
	packets := []*rtp.Packet{{Payload: nil}, {Payload: []byte{}}}
	src := newOpusSource(func() (*rtp.Packet, error) {
		if len(packets) == 0 {
			return nil, io.ErrClosedPipe
		}
		p := packets[0]
		packets = packets[1:]
		return p, nil
	})

	if _, err := src.ReadPCM(); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
	if len(packets) != 0 {
		t.Errorf("%d packets unread", len(packets))
	}
}

// TestMonitorClosesSources verifies a stopped or replaced detector releases
// its source.
func TestMonitorClosesSources(t *testing.T) {
	m := NewMonitor(VADOptions{Interval: 5 * time.Millisecond})
	closed := func(f *Feed) func() bool {
		return func() bool {
			select {
			case <-f.done:
				return true
			default:
				return false
			}
		}
	}

	first, second := NewFeed(4), NewFeed(4)
	m.Start("alice", first)
	m.Start("alice", second)
	waitFor(t, "replaced source closed", closed(first))
	if closed(second)() {
		t.Fatal("current source closed")
	}

	m.Stop("alice")
	waitFor(t, "stopped source closed", closed(second))
}

func TestOpusSourceClose(t *testing.T) {
	packets := make(chan *rtp.Packet, 1)
	src := newOpusSource(func() (*rtp.Packet, error) {
		return <-packets, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := src.ReadPCM()
		done <- err
	}()
	src.Close()
	packets <- &rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}}

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("err = %v, want EOF", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ReadPCM did not return after Close")
	}
}
