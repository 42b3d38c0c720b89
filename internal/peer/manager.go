// Package peer owns the per-participant WebRTC connections of one call.
//
// A Manager is scoped to a call: Begin sets the call context, Close tears
// every connection down and clears it. Connections are created lazily, get
// every current outgoing track attached exactly once, and buffer remote ICE
// candidates until their remote description is applied.
package peer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/util"
)

var (
	// ErrNegotiationFailed marks malformed or unexpected SDP/ICE for one peer.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrStreamEnded marks a remote stream that stopped delivering media.
	ErrStreamEnded = errors.New("peer stream ended")
)

// Hooks receive pion callbacks. They run on pion goroutines and must not
// call back into the Manager synchronously.
type Hooks struct {
	OnCandidate func(peerID string, c webrtc.ICECandidateInit)
	OnTrack     func(peerID string, track *webrtc.TrackRemote, recv *webrtc.RTPReceiver)
	OnState     func(peerID string, state webrtc.PeerConnectionState)
}

// Peer is the connection entry for one remote participant.
type Peer struct {
	ID string

	pc      *webrtc.PeerConnection
	senders []*webrtc.RTPSender
	pending []webrtc.ICECandidateInit
}

// Connection returns the underlying pion connection.
func (p *Peer) Connection() *webrtc.PeerConnection { return p.pc }

// Senders returns the local track senders attached to the connection.
func (p *Peer) Senders() []*webrtc.RTPSender { return slices.Clone(p.senders) }

// PendingCandidates returns how many remote candidates await a remote description.
func (p *Peer) PendingCandidates() int { return len(p.pending) }

// Manager tracks one Peer per remote participant for the active call.
// It is not safe for concurrent use; the call client drives it from a
// single goroutine.
type Manager struct {
	api    *webrtc.API
	config webrtc.Configuration
	hooks  Hooks
	log    util.Scope

	chatID string
	self   string
	local  []webrtc.TrackLocal
	peers  map[string]*Peer
}

// NewManager creates a Manager whose connections use the given ICE servers.
func NewManager(ice ICEConfig, hooks Hooks) (*Manager, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}
	return &Manager{
		api:    api,
		config: webrtc.Configuration{ICEServers: ice.Servers()},
		hooks:  hooks,
		log:    util.Scoped("peer"),
		peers:  make(map[string]*Peer),
	}, nil
}

// ---------------------------------------------------------------------------
// Call context
// ---------------------------------------------------------------------------

// Begin sets the call context. Ensure is a no-op until both ids are set.
func (m *Manager) Begin(chatID, selfID string) {
	m.chatID = chatID
	m.self = selfID
}

// Active reports whether a call context is set.
func (m *Manager) Active() bool {
	return m.chatID != "" && m.self != ""
}

// SetLocalTracks replaces the set of outgoing tracks attached to future
// connections. Existing connections are not touched.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	m.local = slices.Clone(tracks)
}

// LocalTracks returns the current outgoing track set.
func (m *Manager) LocalTracks() []webrtc.TrackLocal {
	return slices.Clone(m.local)
}

// Close closes every connection, empties the registry and clears the call
// context. The registry is empty when Close returns.
func (m *Manager) Close() error {
	var errs []error
	for id, p := range m.peers {
		errs = append(errs, p.pc.Close())
		delete(m.peers, id)
		util.Stats.RemovePeer()
	}
	m.chatID = ""
	m.self = ""
	m.local = nil
	return errors.Join(errs...)
}

// Drop closes and forgets one peer. It reports whether the peer existed.
func (m *Manager) Drop(peerID string) bool {
	p, ok := m.peers[peerID]
	if !ok {
		return false
	}
	delete(m.peers, peerID)
	util.Stats.RemovePeer()
	if err := p.pc.Close(); err != nil {
		m.log.Warn("close %s: %v", peerID, err)
	}
	return true
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Get returns the peer entry for peerID, if any.
func (m *Manager) Get(peerID string) (*Peer, bool) {
	p, ok := m.peers[peerID]
	return p, ok
}

// Len returns the number of tracked peers.
func (m *Manager) Len() int { return len(m.peers) }

// IDs returns the tracked peer ids in sorted order.
func (m *Manager) IDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Ensure returns the peer entry for peerID, creating it when missing. A new
// connection gets every current outgoing track attached once and the pion
// callbacks wired to Hooks. Without a call context it returns nil, nil.
func (m *Manager) Ensure(peerID string) (*Peer, error) {
	if !m.Active() || peerID == "" || peerID == m.self {
		return nil, nil
	}
	if p, ok := m.peers[peerID]; ok {
		return p, nil
	}

	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}
	p := &Peer{ID: peerID, pc: pc}

	for _, track := range m.local {
		if err := p.attach(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach %s track to %s: %w", track.Kind(), peerID, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.hooks.OnCandidate == nil {
			return
		}
		m.hooks.OnCandidate(peerID, c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		if m.hooks.OnTrack != nil {
			m.hooks.OnTrack(peerID, track, recv)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if m.hooks.OnState != nil {
			m.hooks.OnState(peerID, state)
		}
	})

	m.peers[peerID] = p
	util.Stats.AddPeer()
	m.log.Debug("created connection to %s (%d local tracks)", peerID, len(p.senders))
	return p, nil
}

// attach adds track unless a sender already carries it.
func (p *Peer) attach(track webrtc.TrackLocal) error {
	for _, s := range p.senders {
		if cur := s.Track(); cur != nil && cur.ID() == track.ID() {
			return nil
		}
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.senders = append(p.senders, sender)
	go drainRTCP(sender)
	return nil
}

// drainRTCP reads sender RTCP so the interceptors see receiver reports.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer creates an offer toward peerID, applies it locally and returns
// it for relaying. Media kinds without an outgoing track are offered
// receive-only so the remote side can still send them.
func (m *Manager) CreateOffer(peerID string) (webrtc.SessionDescription, error) {
	p, err := m.Ensure(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no call context for %s", ErrNegotiationFailed, peerID)
	}

	addRecvOnly(p.pc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer for %s: %v", ErrNegotiationFailed, peerID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer for %s: %v", ErrNegotiationFailed, peerID, err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer from peerID (creating the connection if
// needed), flushes buffered candidates and returns the local answer.
func (m *Manager) AcceptOffer(peerID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer from %s, got %s", ErrNegotiationFailed, peerID, offer.Type)
	}
	p, err := m.Ensure(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no call context for %s", ErrNegotiationFailed, peerID)
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer from %s: %v", ErrNegotiationFailed, peerID, err)
	}
	m.flush(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer for %s: %v", ErrNegotiationFailed, peerID, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer for %s: %v", ErrNegotiationFailed, peerID, err)
	}
	return answer, nil
}

// AcceptAnswer applies a remote answer from peerID and flushes buffered candidates.
func (m *Manager) AcceptAnswer(peerID string, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer from %s, got %s", ErrNegotiationFailed, peerID, answer.Type)
	}
	p, ok := m.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: answer from %s without a pending offer", ErrNegotiationFailed, peerID)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer from %s: %v", ErrNegotiationFailed, peerID, err)
	}
	m.flush(p)
	return nil
}

// AddCandidate applies a remote candidate, or buffers it while the remote
// description is not yet set. Only offers create connections; a candidate
// for an unknown or dropped peer is rejected.
func (m *Manager) AddCandidate(peerID string, c webrtc.ICECandidateInit) error {
	p, ok := m.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: candidate from %s without a connection", ErrNegotiationFailed, peerID)
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate from %s: %v", ErrNegotiationFailed, peerID, err)
	}
	return nil
}

// flush applies buffered candidates in arrival order. A bad candidate is
// logged and skipped.
func (m *Manager) flush(p *Peer) {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.log.Warn("buffered candidate from %s rejected: %v", p.ID, err)
		}
	}
	if len(pending) > 0 {
		m.log.Debug("applied %d buffered candidates from %s", len(pending), p.ID)
	}
}

// ---------------------------------------------------------------------------
// Track replacement
// ---------------------------------------------------------------------------

// ReplaceVideo substitutes track into every outgoing video sender of every
// connection and into the outgoing set used for new connections. No
// renegotiation happens.
func (m *Manager) ReplaceVideo(track webrtc.TrackLocal) error {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeVideo {
		return errors.New("replacement must be a video track")
	}

	replaced := false
	for i, t := range m.local {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			m.local[i] = track
			replaced = true
		}
	}
	if !replaced {
		m.local = append(m.local, track)
	}

	var errs []error
	for _, id := range m.IDs() {
		p := m.peers[id]
		for _, s := range p.senders {
			cur := s.Track()
			if cur == nil || cur.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			if err := s.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("replace video for %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// addRecvOnly adds a receive-only transceiver for each of audio and video
// that has no transceiver yet.
func addRecvOnly(pc *webrtc.PeerConnection) {
	have := map[webrtc.RTPCodecType]bool{}
	for _, tr := range pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			util.LogWarning("add recvonly %s transceiver: %v", kind, err)
		}
	}
}
