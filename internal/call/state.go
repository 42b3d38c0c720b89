// Package call drives one client's side of a multi-party call.
//
// Machine holds the call session and its transition rules. Client owns a
// Machine and the media and peer resources that follow it, reacting to
// local actions and inbound signals on a single loop goroutine.
package call

import (
	"errors"
	"fmt"

	"github.com/1ureka/meshcall/internal/signaling"
)

// ErrInvalidTransition is returned when an action is not valid in the
// current phase.
var ErrInvalidTransition = errors.New("invalid call transition")

// Phase is the coarse call state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRingingOut
	PhaseRingingIn
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRingingOut:
		return "ringing-out"
	case PhaseRingingIn:
		return "ringing-in"
	case PhaseActive:
		return "active"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Invite is a not-yet-answered inbound call.
type Invite struct {
	ChatID     string
	FromUserID string
	CallType   signaling.CallType
}

// Session is the call session value held by a Machine.
type Session struct {
	Phase     Phase
	ChatID    string
	CallType  signaling.CallType
	Initiator bool
	// PeerID is the primary remote party: the first invitee for an
	// outgoing call until someone accepts, then the first acceptor; the
	// caller for an accepted incoming call.
	PeerID   string
	Incoming *Invite
}

// InCall reports whether local media should be live.
func (s Session) InCall() bool {
	return s.Phase == PhaseRingingOut || s.Phase == PhaseActive
}

// Machine is the call session state machine. The zero value is Idle.
// Only the transition methods change it, so an incoming invite and an
// active session never coexist.
type Machine struct {
	s Session
}

// Session returns a copy of the current session.
func (m *Machine) Session() Session {
	s := m.s
	if s.Incoming != nil {
		inv := *s.Incoming
		s.Incoming = &inv
	}
	return s
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.s.Phase }

// Tracked returns the chat ids inbound signals may concern: the call chat
// and the pending invite chat. Unset ids are empty strings.
func (m *Machine) Tracked() []string {
	inviteChat := ""
	if m.s.Incoming != nil {
		inviteChat = m.s.Incoming.ChatID
	}
	return []string{m.s.ChatID, inviteChat}
}

func (m *Machine) invalid(action string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, action, m.s.Phase)
}

// Start begins an outgoing call from Idle. primary is the first invitee.
func (m *Machine) Start(chatID string, ct signaling.CallType, primary string) error {
	if m.s.Phase != PhaseIdle {
		return m.invalid("start")
	}
	if chatID == "" {
		return fmt.Errorf("%w: start without a chat", ErrInvalidTransition)
	}
	m.s = Session{
		Phase:     PhaseRingingOut,
		ChatID:    chatID,
		CallType:  ct,
		Initiator: true,
		PeerID:    primary,
	}
	return nil
}

// Ring records an inbound invite. It is only valid from Idle; there is no
// call waiting.
func (m *Machine) Ring(inv Invite) error {
	if m.s.Phase != PhaseIdle {
		return m.invalid("ring")
	}
	if inv.CallType == "" {
		inv.CallType = signaling.CallAudio
	}
	m.s = Session{Phase: PhaseRingingIn, Incoming: &inv}
	return nil
}

// Accept promotes the pending invite to an active call and returns it.
func (m *Machine) Accept() (Invite, error) {
	if m.s.Phase != PhaseRingingIn || m.s.Incoming == nil {
		return Invite{}, m.invalid("accept")
	}
	inv := *m.s.Incoming
	m.s = Session{
		Phase:    PhaseActive,
		ChatID:   inv.ChatID,
		CallType: inv.CallType,
		PeerID:   inv.FromUserID,
	}
	return inv, nil
}

// Decline drops the pending invite and returns it.
func (m *Machine) Decline() (Invite, error) {
	if m.s.Phase != PhaseRingingIn || m.s.Incoming == nil {
		return Invite{}, m.invalid("decline")
	}
	inv := *m.s.Incoming
	m.s = Session{}
	return inv, nil
}

// PeerAccepted records an accept for an outgoing call. The first accept
// makes the call Active with the acceptor as primary peer; it reports
// whether this accept was the first.
func (m *Machine) PeerAccepted(peerID string) (bool, error) {
	if !m.s.Initiator || !m.s.InCall() {
		return false, m.invalid("peer accept")
	}
	if m.s.Phase == PhaseActive {
		return false, nil
	}
	m.s.Phase = PhaseActive
	m.s.PeerID = peerID
	return true, nil
}

// End returns to Idle from any other phase and returns the session that
// ended.
func (m *Machine) End() (Session, error) {
	if m.s.Phase == PhaseIdle {
		return Session{}, m.invalid("end")
	}
	prev := m.Session()
	m.s = Session{}
	return prev, nil
}

// RemoteEnd applies an inbound end for chatID. It returns to Idle only if
// chatID matches the call or the pending invite, and reports whether it did.
func (m *Machine) RemoteEnd(chatID string) bool {
	if m.s.Phase == PhaseIdle || chatID == "" {
		return false
	}
	for _, tracked := range m.Tracked() {
		if tracked == chatID {
			m.s = Session{}
			return true
		}
	}
	return false
}
