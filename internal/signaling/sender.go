package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/util"
)

// Outbound is the part of the transport the sender needs.
type Outbound interface {
	Send(event string, payload any)
}

// Sender stamps and emits rtc:signal events for the local user.
type Sender struct {
	out  Outbound
	self string
	log  util.Scope
}

// NewSender returns a Sender that signs every signal with selfID.
func NewSender(out Outbound, selfID string) *Sender {
	return &Sender{out: out, self: selfID, log: util.Scoped("signal")}
}

// send emits one signal addressed to a single peer.
func (s *Sender) send(typ SignalType, chatID, to string, payload any, ct CallType) {
	sig := struct {
		Type       SignalType `json:"type"`
		ChatID     string     `json:"chatId"`
		FromUserID string     `json:"fromUserId"`
		ToUserID   string     `json:"toUserId,omitempty"`
		Payload    any        `json:"payload"`
		CallType   CallType   `json:"callType,omitempty"`
	}{typ, chatID, s.self, to, payload, ct}

	s.log.Debug("→ %s chat=%s to=%s", typ, chatID, to)
	s.out.Send(protocol.EventSignal, sig)
}

// Invite rings a peer before any media negotiation.
func (s *Sender) Invite(chatID, to string, ct CallType) {
	s.send(TypeOffer, chatID, to, notice{Kind: KindInvite}, ct)
}

// Accept tells the caller the invite was accepted.
func (s *Sender) Accept(chatID, to string) {
	s.send(TypeAnswer, chatID, to, notice{Kind: KindAccept}, "")
}

// Decline tells the caller the invite was declined.
func (s *Sender) Decline(chatID, to string) {
	s.send(TypeEnd, chatID, to, notice{Kind: KindDecline}, "")
}

// End tells a peer the call is over.
func (s *Sender) End(chatID, to string) {
	s.send(TypeEnd, chatID, to, nil, "")
}

// Offer relays a local session-description offer.
func (s *Sender) Offer(chatID, to string, sd webrtc.SessionDescription, ct CallType) {
	s.send(TypeOffer, chatID, to, sd, ct)
}

// Answer relays a local session-description answer.
func (s *Sender) Answer(chatID, to string, sd webrtc.SessionDescription) {
	s.send(TypeAnswer, chatID, to, sd, "")
}

// Candidate relays one local ICE candidate.
func (s *Sender) Candidate(chatID, to string, c webrtc.ICECandidateInit) {
	s.send(TypeICE, chatID, to, c, "")
}
