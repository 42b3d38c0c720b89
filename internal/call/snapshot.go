package call

import (
	"maps"
	"slices"
	"sync"

	"github.com/1ureka/meshcall/internal/signaling"
)

// State is the call readout for the presentation layer.
type State struct {
	Phase     Phase
	CallType  signaling.CallType
	ChatID    string
	Initiator bool
	// CallPeerID is the primary remote party.
	CallPeerID string
	// Peers lists the participants with a live peer connection.
	Peers []string
	// RemoteStreams lists the participants whose media is arriving.
	RemoteStreams []string

	Mic         bool
	Camera      bool
	ScreenShare bool
	Acquiring   bool

	// Speaking maps participant id, local included, to voice activity.
	Speaking   map[string]bool
	MediaError string
	Incoming   *Invite
}

func (s State) clone() State {
	s.Peers = slices.Clone(s.Peers)
	s.RemoteStreams = slices.Clone(s.RemoteStreams)
	s.Speaking = maps.Clone(s.Speaking)
	if s.Incoming != nil {
		inv := *s.Incoming
		s.Incoming = &inv
	}
	return s
}

// stateCache holds the last published State so readers never wait on the
// loop.
type stateCache struct {
	mu        sync.RWMutex
	cur       State
	nextID    int
	listeners map[int]func(State)
	order     []int
}

func newStateCache() *stateCache {
	return &stateCache{listeners: make(map[int]func(State))}
}

func (c *stateCache) get() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur.clone()
}

func (c *stateCache) set(s State) []func(State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = s
	fns := make([]func(State), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.listeners[id])
	}
	return fns
}

func (c *stateCache) add(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.order = append(c.order, id)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
		c.order = slices.DeleteFunc(c.order, func(v int) bool { return v == id })
	}
}

// Snapshot returns the current call readout. It is safe to call from any
// goroutine, OnChange callbacks included.
func (c *Client) Snapshot() State {
	return c.states.get()
}

// OnChange registers fn to receive every published State and returns its
// unsubscribe function. Callbacks run on the client loop in registration
// order; they may call Snapshot but no other Client method.
func (c *Client) OnChange(fn func(State)) func() {
	return c.states.add(fn)
}

// publish recomputes the readout and notifies listeners.
func (c *Client) publish() {
	s := c.machine.Session()
	st := State{
		Phase:         s.Phase,
		CallType:      s.CallType,
		ChatID:        s.ChatID,
		Initiator:     s.Initiator,
		CallPeerID:    s.PeerID,
		Peers:         c.peers.IDs(),
		RemoteStreams: c.streams.IDs(),
		ScreenShare:   c.screen != nil,
		Acquiring:     c.acquiring,
		Speaking:      c.vad.Speaking(),
		MediaError:    c.mediaErr,
		Incoming:      s.Incoming,
	}
	if c.local != nil {
		if a := c.local.Audio(); a != nil {
			st.Mic = a.Enabled()
		}
		if v := c.local.Video(); v != nil {
			st.Camera = v.Enabled()
		}
	}

	for _, fn := range c.states.set(st) {
		fn(st.clone())
	}
}
