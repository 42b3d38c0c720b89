// Package signaling maps call intents onto "rtc:signal" events and decodes
// inbound signals, applying the routing rule before anything else sees them.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SignalType is the top-level kind of an rtc:signal message.
type SignalType string

const (
	TypeOffer  SignalType = "offer"
	TypeAnswer SignalType = "answer"
	TypeICE    SignalType = "ice"
	TypeEnd    SignalType = "end"
)

// CallType is the media class of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Video reports whether the call type requests a camera.
func (c CallType) Video() bool { return c == CallVideo }

// Kind tags a notice payload; notices carry no session description.
type Kind string

const (
	KindInvite  Kind = "invite"
	KindAccept  Kind = "accept"
	KindDecline Kind = "decline"
)

// Signal is the data of one rtc:signal event.
//
// Payload holds a session description, an ICE candidate init, a notice
// ({"kind": ...}) or null, depending on Type.
type Signal struct {
	Type       SignalType      `json:"type"`
	ChatID     string          `json:"chatId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CallType   CallType        `json:"callType,omitempty"`
}

// notice is the payload of invite/accept/decline signals.
type notice struct {
	Kind Kind `json:"kind"`
}

// Intent is what an inbound signal asks the call layer to do.
type Intent int

const (
	IntentUnknown   Intent = iota
	IntentInvite           // offer + {kind:invite}: ring
	IntentOffer            // offer + session description
	IntentAccept           // answer + {kind:accept}
	IntentDecline          // answer + {kind:decline}
	IntentAnswer           // answer + session description
	IntentCandidate        // ice
	IntentEnd              // end, with or without {kind:decline}
)

var intentNames = map[Intent]string{
	IntentUnknown:   "unknown",
	IntentInvite:    "invite",
	IntentOffer:     "offer",
	IntentAccept:    "accept",
	IntentDecline:   "decline",
	IntentAnswer:    "answer",
	IntentCandidate: "candidate",
	IntentEnd:       "end",
}

func (i Intent) String() string { return intentNames[i] }

// payloadProbe reads the discriminating fields shared by every payload form.
type payloadProbe struct {
	Kind Kind   `json:"kind"`
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Classify returns the intent carried by sig.
func Classify(sig *Signal) Intent {
	var p payloadProbe
	if len(sig.Payload) > 0 && string(sig.Payload) != "null" {
		if err := json.Unmarshal(sig.Payload, &p); err != nil {
			if sig.Type == TypeEnd {
				return IntentEnd
			}
			return IntentUnknown
		}
	}

	switch sig.Type {
	case TypeOffer:
		switch {
		case p.Kind == KindInvite:
			return IntentInvite
		case p.Type == webrtc.SDPTypeOffer.String() && p.SDP != "":
			return IntentOffer
		}
	case TypeAnswer:
		switch {
		case p.Kind == KindAccept:
			return IntentAccept
		case p.Kind == KindDecline:
			return IntentDecline
		case p.Type == webrtc.SDPTypeAnswer.String() && p.SDP != "":
			return IntentAnswer
		}
	case TypeICE:
		return IntentCandidate
	case TypeEnd:
		return IntentEnd
	}
	return IntentUnknown
}

// Declined reports whether an end signal carries a decline notice.
func Declined(sig *Signal) bool {
	var n notice
	if json.Unmarshal(sig.Payload, &n) != nil {
		return false
	}
	return n.Kind == KindDecline
}

// SessionDescription decodes the payload of an offer or answer.
func SessionDescription(sig *Signal) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	err := json.Unmarshal(sig.Payload, &sd)
	return sd, err
}

// Candidate decodes the payload of an ice signal.
func Candidate(sig *Signal) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	err := json.Unmarshal(sig.Payload, &c)
	return c, err
}
