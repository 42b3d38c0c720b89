package call

import (
	"context"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/directory"
	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	chatPair  = "c-ab"
	chatGroup = "c-abc"
)

func startRelay(t *testing.T) string {
	t.Helper()
	srv := relay.New(relay.Options{
		Rooms: []relay.Room{
			{ID: chatPair, Type: "direct", Title: "pair", Members: []string{"alice", "bob"}},
			{ID: chatGroup, Type: "group", Title: "group", Members: []string{"alice", "bob", "carol"}},
		},
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

type party struct {
	id     string
	tr     *transport.Transport
	dir    *directory.Directory
	client *Client
	syn    *media.Synthetic
}

func join(t *testing.T, url, id string, syn *media.Synthetic) *party {
	t.Helper()
	if syn == nil {
		syn = &media.Synthetic{}
	}
	tr := transport.New(transport.Options{})
	if err := tr.Connect(context.Background(), url+"?token="+id); err != nil {
		t.Fatalf("%s: connect: %v", id, err)
	}
	dir := directory.New(tr, 2*time.Second)
	if _, err := dir.Me(context.Background()); err != nil {
		t.Fatalf("%s: me: %v", id, err)
	}
	if _, err := dir.LoadChats(context.Background()); err != nil {
		t.Fatalf("%s: chats: %v", id, err)
	}

	c, err := NewClient(Options{Link: tr, Roster: dir, Identity: dir, Capturer: syn})
	if err != nil {
		t.Fatalf("%s: NewClient: %v", id, err)
	}
	p := &party{id: id, tr: tr, dir: dir, client: c, syn: syn}
	t.Cleanup(func() {
		c.Close()
		dir.Close()
		tr.Disconnect()
	})
	return p
}

func waitState(t *testing.T, p *party, what string, cond func(State) bool) State {
	t.Helper()
	return waitStateWithin(t, p, 5*time.Second, what, cond)
}

func waitStateWithin(t *testing.T, p *party, d time.Duration, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		s := p.client.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: timed out waiting for %s; state %+v", p.id, what, s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func idle(s State) bool {
	return s.Phase == PhaseIdle && len(s.Peers) == 0 && len(s.RemoteStreams) == 0 && len(s.Speaking) == 0
}

// raw is a participant driven directly through signaling, without a
// call client.
type raw struct {
	tr   *transport.Transport
	send *signaling.Sender
	sigs chan *signaling.Signal
}

func joinRaw(t *testing.T, url, id string) *raw {
	t.Helper()
	tr := transport.New(transport.Options{})
	if err := tr.Connect(context.Background(), url+"?token="+id); err != nil {
		t.Fatalf("%s: connect: %v", id, err)
	}
	r := &raw{tr: tr, send: signaling.NewSender(tr, id), sigs: make(chan *signaling.Signal, 64)}
	off := signaling.Listen(tr, func(sig *signaling.Signal) {
		select {
		case r.sigs <- sig:
		default:
		}
	})
	t.Cleanup(func() {
		off()
		tr.Disconnect()
	})
	return r
}

// expect waits for the next signal with the given intent.
func (r *raw) expect(t *testing.T, want signaling.Intent) *signaling.Signal {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case sig := <-r.sigs:
			if signaling.Classify(sig) == want {
				return sig
			}
		case <-timeout:
			t.Fatalf("no %s signal", want)
		}
	}
}

// negotiated reports whether every peer of p has completed offer/answer.
func negotiated(t *testing.T, p *party, want int) bool {
	t.Helper()
	ok := false
	p.client.loop.do(func() error {
		if p.client.peers.Len() != want {
			return nil
		}
		for _, id := range p.client.peers.IDs() {
			pr, _ := p.client.peers.Get(id)
			if pr.Connection().SignalingState() != webrtc.SignalingStateStable || pr.Connection().RemoteDescription() == nil {
				return nil
			}
		}
		ok = true
		return nil
	})
	return ok
}

func waitNegotiated(t *testing.T, p *party, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !negotiated(t, p, want) {
		if time.Now().After(deadline) {
			t.Fatalf("%s: %d negotiated peers not reached; state %+v", p.id, want, p.client.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// videoSenders returns the track ids on every outgoing video sender of p.
func videoSenders(p *party) []string {
	var ids []string
	p.client.loop.do(func() error {
		for _, id := range p.client.peers.IDs() {
			pr, _ := p.client.peers.Get(id)
			for _, s := range pr.Senders() {
				if tr := s.Track(); tr != nil && tr.Kind() == webrtc.RTPCodecTypeVideo {
					ids = append(ids, tr.ID())
				}
			}
		}
		return nil
	})
	return ids
}

// connect runs a full invite and accept between caller and callees.
func connect(t *testing.T, chatID string, ct signaling.CallType, caller *party, callees ...*party) {
	t.Helper()
	if err := caller.client.StartCall(chatID, ct); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	for _, p := range callees {
		waitState(t, p, "incoming call", func(s State) bool { return s.Phase == PhaseRingingIn })
		if err := p.client.AcceptIncomingCall(); err != nil {
			t.Fatalf("%s: accept: %v", p.id, err)
		}
	}
	waitNegotiated(t, caller, len(callees))
	for _, p := range callees {
		waitNegotiated(t, p, 1)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestTwoPartyVideoCall walks invite, accept and hangup between two users.
func TestTwoPartyVideoCall(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)

	if err := alice.client.StartCall(chatPair, signaling.CallVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	s := alice.client.Snapshot()
	if s.Phase != PhaseRingingOut || !s.Initiator || s.CallPeerID != "bob" {
		t.Fatalf("caller state = %+v", s)
	}

	s = waitState(t, bob, "incoming call", func(s State) bool { return s.Phase == PhaseRingingIn })
	if s.Incoming == nil || s.Incoming.FromUserID != "alice" || s.Incoming.CallType != signaling.CallVideo || s.Incoming.ChatID != chatPair {
		t.Fatalf("incoming = %+v", s.Incoming)
	}

	if err := bob.client.AcceptIncomingCall(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitState(t, alice, "active call", func(s State) bool {
		return s.Phase == PhaseActive && s.CallPeerID == "bob"
	})
	waitNegotiated(t, alice, 1)
	waitNegotiated(t, bob, 1)

	s = waitState(t, bob, "local media", func(s State) bool { return s.Mic && s.Camera })
	if s.Phase != PhaseActive || s.Initiator || s.CallPeerID != "alice" || s.Incoming != nil {
		t.Fatalf("callee state = %+v", s)
	}
	if got := alice.client.Snapshot().Peers; !slices.Equal(got, []string{"bob"}) {
		t.Errorf("caller peers = %v", got)
	}

	if err := bob.client.EndCall(); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	waitState(t, bob, "idle", idle)
	waitState(t, alice, "idle", idle)
}

// TestThreePartyMesh verifies N-1 connections per participant when the
// initiator offers to everyone.
func TestThreePartyMesh(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)
	carol := join(t, url, "carol", nil)

	connect(t, chatGroup, signaling.CallAudio, alice, bob, carol)

	if got := alice.client.Snapshot().Peers; !slices.Equal(got, []string{"bob", "carol"}) {
		t.Errorf("alice peers = %v", got)
	}
	for _, p := range []*party{bob, carol} {
		if got := p.client.Snapshot().Peers; !slices.Equal(got, []string{"alice"}) {
			t.Errorf("%s peers = %v", p.id, got)
		}
	}

	if err := alice.client.EndCall(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*party{alice, bob, carol} {
		waitState(t, p, "idle", idle)
	}
}

// TestEndWithoutCallIsNoop verifies a stray end leaves an idle client alone.
func TestEndWithoutCallIsNoop(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)

	signaling.NewSender(alice.tr, "alice").End(chatPair, "bob")
	time.Sleep(100 * time.Millisecond)

	if s := bob.client.Snapshot(); !idle(s) || s.Incoming != nil {
		t.Fatalf("state after stray end = %+v", s)
	}

	// The client still reacts to a real invite afterwards.
	if err := alice.client.StartCall(chatPair, signaling.CallAudio); err != nil {
		t.Fatal(err)
	}
	waitState(t, bob, "incoming call", func(s State) bool { return s.Phase == PhaseRingingIn })
}

// TestDeclineEndsCall verifies the caller returns to idle when its only
// invitee declines.
func TestDeclineEndsCall(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)

	if err := alice.client.StartCall(chatPair, signaling.CallVideo); err != nil {
		t.Fatal(err)
	}
	waitState(t, bob, "incoming call", func(s State) bool { return s.Phase == PhaseRingingIn })
	if err := bob.client.DeclineIncomingCall(); err != nil {
		t.Fatal(err)
	}
	if s := bob.client.Snapshot(); s.Phase != PhaseIdle || s.Incoming != nil {
		t.Fatalf("callee state = %+v", s)
	}
	waitState(t, alice, "idle", idle)
}

// TestCallerHangsUpWhileRinging verifies a remote end clears the invite.
func TestCallerHangsUpWhileRinging(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)

	alice.client.StartCall(chatPair, signaling.CallAudio)
	waitState(t, bob, "incoming call", func(s State) bool { return s.Phase == PhaseRingingIn })
	alice.client.EndCall()
	waitState(t, bob, "invite cleared", func(s State) bool { return s.Phase == PhaseIdle && s.Incoming == nil })
}

// TestScreenShareRestoresCamera verifies sharing swaps the outgoing video
// track on every sender and ending it, explicitly or from the capture
// side, restores the camera.
func TestScreenShareRestoresCamera(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)
	connect(t, chatPair, signaling.CallVideo, alice, bob)

	before := videoSenders(alice)
	if len(before) != 1 {
		t.Fatalf("video senders = %v", before)
	}

	on, err := alice.client.ToggleScreenShare(context.Background())
	if err != nil || !on {
		t.Fatalf("share on = %v, %v", on, err)
	}
	if !alice.client.Snapshot().ScreenShare {
		t.Fatal("readout does not show sharing")
	}
	sharing := videoSenders(alice)
	if len(sharing) != 1 || sharing[0] == before[0] {
		t.Fatalf("senders while sharing = %v (camera %v)", sharing, before)
	}

	on, err = alice.client.ToggleScreenShare(context.Background())
	if err != nil || on {
		t.Fatalf("share off = %v, %v", on, err)
	}
	if got := videoSenders(alice); !slices.Equal(got, before) {
		t.Fatalf("senders after share = %v, want %v", got, before)
	}

	// The capture side ending the share restores the camera too.
	if _, err := alice.client.ToggleScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	var screen *media.Track
	alice.client.loop.do(func() error { screen = alice.client.screen; return nil })
	screen.Stop()
	waitState(t, alice, "share ended", func(s State) bool { return !s.ScreenShare })
	if got := videoSenders(alice); !slices.Equal(got, before) {
		t.Fatalf("senders after capture end = %v, want %v", got, before)
	}
}

// TestTogglesFlipTracks verifies mute and camera toggles.
func TestTogglesFlipTracks(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	join(t, url, "bob", nil)

	if _, err := alice.client.ToggleMic(); err == nil {
		t.Fatal("toggle outside a call succeeded")
	}
	alice.client.StartCall(chatPair, signaling.CallVideo)
	waitState(t, alice, "media", func(s State) bool { return s.Mic && s.Camera })

	on, err := alice.client.ToggleMic()
	if err != nil || on {
		t.Fatalf("mic = %v, %v", on, err)
	}
	on, err = alice.client.ToggleCamera()
	if err != nil || on {
		t.Fatalf("camera = %v, %v", on, err)
	}
	s := alice.client.Snapshot()
	if s.Mic || s.Camera {
		t.Fatalf("state = %+v", s)
	}
	if on, _ := alice.client.ToggleMic(); !on {
		t.Fatal("mic did not come back")
	}
}

// TestCameraFailureFallsBack verifies an audio-only fallback is reported
// and the call still connects.
func TestCameraFailureFallsBack(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", &media.Synthetic{FailVideo: true})

	connect(t, chatPair, signaling.CallVideo, alice, bob)
	s := waitState(t, bob, "fallback", func(s State) bool { return !s.Acquiring && s.Mic })
	if s.Camera || s.MediaError == "" {
		t.Fatalf("state = %+v", s)
	}
	if _, err := bob.client.ToggleCamera(); err == nil {
		t.Error("camera toggle without a camera succeeded")
	}
}

// TestNoMediaStillNegotiates verifies a participant without any capture
// joins receive-only.
func TestNoMediaStillNegotiates(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", &media.Synthetic{FailVideo: true, FailAudio: true})

	connect(t, chatPair, signaling.CallVideo, alice, bob)
	s := bob.client.Snapshot()
	if s.Mic || s.Camera || s.MediaError == "" || s.Phase != PhaseActive {
		t.Fatalf("state = %+v", s)
	}
}

// TestLocalSpeaking verifies the local participant's voice activity is
// published and cleared on hangup.
func TestLocalSpeaking(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", &media.Synthetic{Level: 0.5})
	join(t, url, "bob", nil)

	alice.client.StartCall(chatPair, signaling.CallAudio)
	waitState(t, alice, "speaking", func(s State) bool { return s.Speaking["alice"] })
	alice.client.EndCall()
	waitState(t, alice, "idle", idle)
}

func TestStartCallErrors(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)

	if err := alice.client.StartCall("c-unknown", signaling.CallAudio); err == nil {
		t.Fatal("call into unknown chat succeeded")
	}
	if err := alice.client.AcceptIncomingCall(); err == nil {
		t.Fatal("accept without invite succeeded")
	}
	if err := alice.client.EndCall(); err == nil {
		t.Fatal("end while idle succeeded")
	}
}

// TestCandidatesDoNotOpenConnections verifies that trailing candidates from
// an abandoned peer, or candidates from a member who never accepted, leave
// the peer registry alone.
func TestCandidatesDoNotOpenConnections(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := joinRaw(t, url, "bob")
	carol := joinRaw(t, url, "carol")

	if err := alice.client.StartCall(chatGroup, signaling.CallAudio); err != nil {
		t.Fatal(err)
	}
	bob.expect(t, signaling.IntentInvite)
	carol.expect(t, signaling.IntentInvite)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"}
	carol.send.Candidate(chatGroup, "alice", cand)

	bob.send.Accept(chatGroup, "alice")
	bob.expect(t, signaling.IntentOffer)
	waitState(t, alice, "bob peer", func(s State) bool { return slices.Equal(s.Peers, []string{"bob"}) })

	bob.send.Answer(chatGroup, "alice", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "garbage"})
	waitState(t, alice, "bob abandoned", func(s State) bool { return len(s.Peers) == 0 })

	bob.send.Candidate(chatGroup, "alice", cand)
	carol.send.Candidate(chatGroup, "alice", cand)
	time.Sleep(200 * time.Millisecond)

	s := alice.client.Snapshot()
	if s.Phase != PhaseActive || len(s.Peers) != 0 {
		t.Fatalf("state after trailing candidates = %+v", s)
	}
}

// TestPeerStreamEndKeepsCall verifies remote streams are registered per
// peer and that one peer's media ending removes only that peer's entries.
func TestPeerStreamEndKeepsCall(t *testing.T) {
	url := startRelay(t)
	alice := join(t, url, "alice", nil)
	bob := join(t, url, "bob", nil)
	carol := join(t, url, "carol", nil)

	connect(t, chatGroup, signaling.CallVideo, alice, bob, carol)
	waitStateWithin(t, alice, 20*time.Second, "remote streams", func(s State) bool {
		return slices.Equal(s.RemoteStreams, []string{"bob", "carol"})
	})

	// Carol's side of the connection goes away without a hangup.
	carol.client.loop.do(func() error {
		pr, ok := carol.client.peers.Get("alice")
		if ok {
			pr.Connection().Close()
		}
		return nil
	})

	s := waitStateWithin(t, alice, 20*time.Second, "carol stream removed", func(s State) bool {
		return slices.Equal(s.RemoteStreams, []string{"bob"})
	})
	if s.Phase != PhaseActive {
		t.Fatalf("call ended with one peer: %+v", s)
	}
	if _, ok := s.Speaking["carol"]; ok {
		t.Error("carol speaking entry survived")
	}
	if got := bob.client.Snapshot(); got.Phase != PhaseActive {
		t.Errorf("bob state = %+v", got)
	}
}
