package call

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/util"
)

var (
	// ErrNoIdentity is returned when the local user id is not known yet.
	ErrNoIdentity = errors.New("local user unknown")

	// ErrNoParticipants is returned when a chat has nobody else to call.
	ErrNoParticipants = errors.New("no other chat members")

	// ErrNoMedia is returned by a toggle whose track was never captured.
	ErrNoMedia = errors.New("media not captured")
)

// Link is the signaling channel: the shared transport.
type Link interface {
	signaling.Outbound
	signaling.Inbound
}

// Roster resolves the members of a chat.
type Roster interface {
	MemberIDs(chatID string) []string
}

// Identity provides the local user id.
type Identity interface {
	UserID() string
}

// Options configures a Client.
type Options struct {
	Link     Link
	Roster   Roster
	Identity Identity
	Capturer media.Capturer
	ICE      peer.ICEConfig
	VAD      media.VADOptions
}

// Client is one participant's call controller. Every field below the loop
// is owned by the loop goroutine.
type Client struct {
	link     Link
	roster   Roster
	ident    Identity
	capturer media.Capturer
	log      util.Scope

	loop   *loop
	unsub  func()
	states *stateCache

	machine Machine
	peers   *peer.Manager
	streams *peer.Streams
	vad     *media.Monitor

	// call scope, reset by teardown
	gen       uint64
	self      string
	ctx       context.Context
	cancel    context.CancelFunc
	local     *media.Stream
	screen    *media.Track
	acquiring bool
	mediaErr  string
	invited   map[string]bool
	accepted  map[string]bool
	offerTo   []string
	held      []*signaling.Signal
}

// NewClient wires a Client to its collaborators and starts listening for
// signals.
func NewClient(opts Options) (*Client, error) {
	if opts.Link == nil || opts.Roster == nil || opts.Identity == nil || opts.Capturer == nil {
		return nil, errors.New("call client needs a link, roster, identity and capturer")
	}

	c := &Client{
		link:     opts.Link,
		roster:   opts.Roster,
		ident:    opts.Identity,
		capturer: opts.Capturer,
		log:      util.Scoped("call"),
		states:   newStateCache(),
		streams:  peer.NewStreams(),
		vad:      media.NewMonitor(opts.VAD),
	}

	peers, err := peer.NewManager(opts.ICE, peer.Hooks{
		OnCandidate: func(id string, cand webrtc.ICECandidateInit) {
			c.loop.post(func() { c.onLocalCandidate(id, cand) })
		},
		OnTrack: func(id string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			c.loop.post(func() { c.onRemoteTrack(id, track) })
		},
		OnState: func(id string, state webrtc.PeerConnectionState) {
			c.loop.post(func() { c.onPeerState(id, state) })
		},
	})
	if err != nil {
		return nil, err
	}
	c.peers = peers

	c.vad.OnChange(func(string, bool) { c.loop.post(c.publish) })
	c.vad.OnEnded(func(id string) { c.loop.post(func() { c.onStreamEnded(id) }) })

	c.loop = newLoop()
	c.unsub = signaling.Listen(c.link, func(sig *signaling.Signal) {
		c.loop.post(func() { c.onSignal(sig) })
	})
	c.loop.post(c.publish)
	return c, nil
}

// Close ends any call, stops listening and stops the loop.
func (c *Client) Close() {
	c.unsub()
	c.loop.stop(func() {
		if c.machine.Phase() != PhaseIdle {
			c.hangUp()
		}
	})
}

func (c *Client) sender() *signaling.Sender {
	return signaling.NewSender(c.link, c.self)
}

// ---------------------------------------------------------------------------
// Local actions
// ---------------------------------------------------------------------------

// StartCall invites every other member of chatID and starts capturing.
// An empty call type means video.
func (c *Client) StartCall(chatID string, ct signaling.CallType) error {
	if ct == "" {
		ct = signaling.CallVideo
	}
	return c.loop.do(func() error {
		self := c.ident.UserID()
		if self == "" {
			return ErrNoIdentity
		}
		var others []string
		for _, id := range c.roster.MemberIDs(chatID) {
			if id != self && !slices.Contains(others, id) {
				others = append(others, id)
			}
		}
		if len(others) == 0 {
			return fmt.Errorf("%w in %s", ErrNoParticipants, chatID)
		}
		if err := c.machine.Start(chatID, ct, others[0]); err != nil {
			return err
		}

		c.begin(self, chatID)
		for _, id := range others {
			c.invited[id] = true
			c.sender().Invite(chatID, id, ct)
		}
		c.log.Info("calling %d member(s) of %s (%s)", len(others), chatID, ct)
		c.acquire(ct.Video())
		c.publish()
		return nil
	})
}

// AcceptIncomingCall answers the pending invite.
func (c *Client) AcceptIncomingCall() error {
	return c.loop.do(func() error {
		self := c.ident.UserID()
		if self == "" {
			return ErrNoIdentity
		}
		inv, err := c.machine.Accept()
		if err != nil {
			return err
		}
		c.begin(self, inv.ChatID)
		c.sender().Accept(inv.ChatID, inv.FromUserID)
		c.log.Info("accepted %s call from %s", inv.CallType, inv.FromUserID)
		c.acquire(inv.CallType.Video())
		c.publish()
		return nil
	})
}

// DeclineIncomingCall rejects the pending invite.
func (c *Client) DeclineIncomingCall() error {
	return c.loop.do(func() error {
		inv, err := c.machine.Decline()
		if err != nil {
			return err
		}
		c.self = c.ident.UserID()
		c.sender().Decline(inv.ChatID, inv.FromUserID)
		c.publish()
		return nil
	})
}

// EndCall hangs up: every other chat member gets an end and all call
// resources are released.
func (c *Client) EndCall() error {
	return c.loop.do(func() error {
		if c.machine.Phase() == PhaseIdle {
			return c.machine.invalid("end")
		}
		c.hangUp()
		return nil
	})
}

func (c *Client) hangUp() {
	s, err := c.machine.End()
	if err != nil {
		return
	}
	chatID := s.ChatID
	if s.Incoming != nil {
		chatID = s.Incoming.ChatID
	}
	if c.self == "" {
		c.self = c.ident.UserID()
	}
	for _, id := range c.roster.MemberIDs(chatID) {
		if id != c.self {
			c.sender().End(chatID, id)
		}
	}
	c.log.Info("hung up %s", chatID)
	c.teardown()
}

// ToggleMic flips the microphone and returns whether it is now on.
func (c *Client) ToggleMic() (bool, error) {
	return c.toggle(func() *media.Track { return c.local.Audio() })
}

// ToggleCamera flips the camera and returns whether it is now on.
func (c *Client) ToggleCamera() (bool, error) {
	return c.toggle(func() *media.Track { return c.local.Video() })
}

func (c *Client) toggle(pick func() *media.Track) (bool, error) {
	var on bool
	err := c.loop.do(func() error {
		if !c.machine.Session().InCall() {
			return c.machine.invalid("toggle")
		}
		if c.local == nil {
			return ErrNoMedia
		}
		t := pick()
		if t == nil {
			return ErrNoMedia
		}
		on = !t.Enabled()
		t.SetEnabled(on)
		c.publish()
		return nil
	})
	return on, err
}

// ToggleScreenShare starts or stops screen sharing and returns whether it
// is now on. Sharing substitutes the screen track into every outgoing video
// sender; stopping restores the camera track.
func (c *Client) ToggleScreenShare(ctx context.Context) (bool, error) {
	var (
		stopped bool
		gen     uint64
	)
	err := c.loop.do(func() error {
		if !c.machine.Session().InCall() {
			return c.machine.invalid("screen share")
		}
		if c.screen != nil {
			c.stopShare()
			stopped = true
			return nil
		}
		if c.local == nil || c.local.Video() == nil {
			return fmt.Errorf("%w: screen share needs a camera sender", ErrNoMedia)
		}
		gen = c.gen
		return nil
	})
	if err != nil || stopped {
		return false, err
	}

	t, err := c.capturer.DisplayMedia(ctx)
	if err != nil {
		err = fmt.Errorf("%w: screen: %v", media.ErrAcquisitionFailed, err)
		c.loop.post(func() {
			if gen == c.gen {
				c.mediaErr = err.Error()
				c.publish()
			}
		})
		return false, err
	}

	err = c.loop.do(func() error {
		if gen != c.gen || c.screen != nil || c.local == nil || c.local.Video() == nil {
			t.Stop()
			return c.machine.invalid("screen share")
		}
		c.startShare(t)
		return nil
	})
	return err == nil, err
}

func (c *Client) startShare(t *media.Track) {
	if err := c.peers.ReplaceVideo(t.Local()); err != nil {
		c.log.Warn("screen share: %v", err)
	}
	c.screen = t
	gen := c.gen
	t.OnEnded(func() {
		c.loop.post(func() {
			if gen == c.gen && c.screen == t {
				c.log.Info("screen capture ended")
				c.stopShare()
			}
		})
	})
	c.log.Info("screen share on")
	c.publish()
}

func (c *Client) stopShare() {
	t := c.screen
	c.screen = nil
	if c.local != nil && c.local.Video() != nil {
		if err := c.peers.ReplaceVideo(c.local.Video().Local()); err != nil {
			c.log.Warn("restore camera: %v", err)
		}
	}
	if t != nil {
		t.Stop()
	}
	c.log.Info("screen share off")
	c.publish()
}

// ---------------------------------------------------------------------------
// Call scope
// ---------------------------------------------------------------------------

// begin opens a new call scope.
func (c *Client) begin(self, chatID string) {
	c.gen++
	c.self = self
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.invited = make(map[string]bool)
	c.accepted = make(map[string]bool)
	c.mediaErr = ""
	c.peers.Begin(chatID, self)
}

// teardown releases everything the call scope holds. Results of work
// started in the old scope are discarded by the generation check.
func (c *Client) teardown() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = nil, nil

	if err := c.peers.Close(); err != nil {
		c.log.Debug("close peers: %v", err)
	}
	c.streams.Clear()
	c.vad.StopAll()
	if c.screen != nil {
		c.screen.Stop()
		c.screen = nil
	}
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	c.acquiring = false
	c.mediaErr = ""
	c.invited, c.accepted = nil, nil
	c.offerTo, c.held = nil, nil
	c.publish()
}

// acquire starts local capture off the loop.
func (c *Client) acquire(video bool) {
	c.acquiring = true
	gen, ctx := c.gen, c.ctx
	go func() {
		stream, fellBack, err := media.Acquire(ctx, c.capturer, video)
		if !c.loop.post(func() { c.mediaReady(gen, stream, fellBack, err) }) && stream != nil {
			stream.Stop()
		}
	}()
}

func (c *Client) mediaReady(gen uint64, stream *media.Stream, fellBack bool, err error) {
	if gen != c.gen {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	c.acquiring = false

	switch {
	case err != nil:
		c.mediaErr = err.Error()
		c.log.Error("local media: %v", err)
	default:
		if fellBack {
			c.mediaErr = "camera unavailable, continuing with audio only"
			c.log.Warn("%s", c.mediaErr)
		}
		c.local = stream
		c.peers.SetLocalTracks(stream.Locals())
		if tap := stream.Tap(); tap != nil {
			c.vad.Start(c.self, tap)
		}
	}

	offerTo, held := c.offerTo, c.held
	c.offerTo, c.held = nil, nil
	for _, id := range offerTo {
		c.offer(id)
	}
	for _, sig := range held {
		c.negotiate(sig)
	}
	c.publish()
}

// ---------------------------------------------------------------------------
// Inbound signals
// ---------------------------------------------------------------------------

func (c *Client) onSignal(sig *signaling.Signal) {
	self := c.ident.UserID()
	if !signaling.Admit(sig, self, c.machine.Tracked()...) {
		c.log.Debug("ignored %s from %s for %s", sig.Type, sig.FromUserID, sig.ChatID)
		return
	}

	intent := signaling.Classify(sig)
	c.log.Debug("%s from %s", intent, sig.FromUserID)

	switch intent {
	case signaling.IntentInvite:
		inv := Invite{ChatID: sig.ChatID, FromUserID: sig.FromUserID, CallType: sig.CallType}
		if err := c.machine.Ring(inv); err != nil {
			c.log.Debug("busy, ignoring invite from %s: %v", sig.FromUserID, err)
			return
		}
		c.log.Info("incoming %s call from %s", c.machine.Session().Incoming.CallType, sig.FromUserID)

	case signaling.IntentAccept:
		c.onAccept(sig)

	case signaling.IntentDecline:
		c.onDecline(sig)

	case signaling.IntentEnd:
		if signaling.Declined(sig) {
			c.onDecline(sig)
			return
		}
		if c.machine.RemoteEnd(sig.ChatID) {
			c.log.Info("%s ended the call", sig.FromUserID)
			c.teardown()
		}
		return

	case signaling.IntentOffer, signaling.IntentAnswer, signaling.IntentCandidate:
		if !c.machine.Session().InCall() || sig.ChatID != c.machine.Session().ChatID {
			return
		}
		if c.acquiring {
			c.held = append(c.held, sig)
			return
		}
		c.negotiate(sig)

	default:
		c.log.Debug("unhandled %s signal from %s", sig.Type, sig.FromUserID)
		return
	}
	c.publish()
}

func (c *Client) onAccept(sig *signaling.Signal) {
	s := c.machine.Session()
	if !s.Initiator || sig.ChatID != s.ChatID || !c.invited[sig.FromUserID] || c.accepted[sig.FromUserID] {
		return
	}
	first, err := c.machine.PeerAccepted(sig.FromUserID)
	if err != nil {
		return
	}
	c.accepted[sig.FromUserID] = true
	if first {
		c.log.Info("%s accepted, call active", sig.FromUserID)
	}
	if c.acquiring {
		c.offerTo = append(c.offerTo, sig.FromUserID)
		return
	}
	c.offer(sig.FromUserID)
}

// onDecline forgets a declining invitee. The call ends locally once
// nobody invited is left.
func (c *Client) onDecline(sig *signaling.Signal) {
	s := c.machine.Session()
	if !s.Initiator || sig.ChatID != s.ChatID || !c.invited[sig.FromUserID] {
		return
	}
	delete(c.invited, sig.FromUserID)
	c.dropPeer(sig.FromUserID)
	c.log.Info("%s declined", sig.FromUserID)
	if len(c.invited) == 0 {
		if _, err := c.machine.End(); err == nil {
			c.log.Info("everyone declined")
			c.teardown()
		}
	}
}

func (c *Client) offer(peerID string) {
	s := c.machine.Session()
	sd, err := c.peers.CreateOffer(peerID)
	if err != nil {
		c.failPeer(peerID, err)
		return
	}
	c.sender().Offer(s.ChatID, peerID, sd, s.CallType)
}

// negotiate applies an offer, answer or candidate. A failure abandons only
// that peer.
func (c *Client) negotiate(sig *signaling.Signal) {
	from := sig.FromUserID
	switch signaling.Classify(sig) {
	case signaling.IntentOffer:
		sd, err := signaling.SessionDescription(sig)
		if err == nil {
			sd, err = c.peers.AcceptOffer(from, sd)
		}
		if err != nil {
			c.failPeer(from, err)
			return
		}
		c.sender().Answer(sig.ChatID, from, sd)

	case signaling.IntentAnswer:
		sd, err := signaling.SessionDescription(sig)
		if err == nil {
			err = c.peers.AcceptAnswer(from, sd)
		}
		if err != nil {
			c.failPeer(from, err)
		}

	case signaling.IntentCandidate:
		if string(sig.Payload) == "null" || len(sig.Payload) == 0 {
			return
		}
		// Candidates only join a connection an offer already opened.
		if _, ok := c.peers.Get(from); !ok {
			c.log.With("peer", from).Debug("candidate without a connection ignored")
			return
		}
		cand, err := signaling.Candidate(sig)
		if err == nil {
			err = c.peers.AddCandidate(from, cand)
		}
		if err != nil {
			c.failPeer(from, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Peer events
// ---------------------------------------------------------------------------

func (c *Client) failPeer(peerID string, err error) {
	if !errors.Is(err, peer.ErrNegotiationFailed) {
		err = fmt.Errorf("%w: %v", peer.ErrNegotiationFailed, err)
	}
	c.log.With("peer", peerID).Error("abandoned: %v", err)
	c.dropPeer(peerID)
}

func (c *Client) dropPeer(peerID string) {
	c.peers.Drop(peerID)
	c.streams.Remove(peerID)
	c.vad.Stop(peerID)
}

func (c *Client) onLocalCandidate(peerID string, cand webrtc.ICECandidateInit) {
	if _, ok := c.peers.Get(peerID); !ok {
		return
	}
	c.sender().Candidate(c.machine.Session().ChatID, peerID, cand)
}

func (c *Client) onRemoteTrack(peerID string, track *webrtc.TrackRemote) {
	if _, ok := c.peers.Get(peerID); !ok {
		return
	}
	c.streams.Add(peerID, track)
	if rs, ok := c.streams.Get(peerID); ok {
		c.log.With("peer", peerID).Debug("remote %s track, receiving %v", track.Kind(), rs.Kinds())
	}

	if track.Kind() == webrtc.RTPCodecTypeAudio {
		c.vad.Start(peerID, media.NewOpusSource(track))
	} else {
		gen := c.gen
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					break
				}
			}
			c.loop.post(func() {
				if gen == c.gen {
					c.onStreamEnded(peerID)
				}
			})
		}()
	}
	c.publish()
}

// onStreamEnded removes a departed peer's stream and speaking entries. The
// call continues for everyone else.
func (c *Client) onStreamEnded(id string) {
	if id == c.self {
		return
	}
	if c.streams.Remove(id) {
		c.log.Info("%v: %s", peer.ErrStreamEnded, id)
	}
	c.vad.Stop(id)
	c.publish()
}

func (c *Client) onPeerState(peerID string, state webrtc.PeerConnectionState) {
	if _, ok := c.peers.Get(peerID); !ok {
		return
	}
	c.log.With("peer", peerID).Debug("connection %s", state)
	if state == webrtc.PeerConnectionStateFailed {
		c.failPeer(peerID, errors.New("ice failed"))
		c.publish()
	}
}
