package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/transport"
	"github.com/1ureka/meshcall/internal/util"
)

// Inbound is the part of the transport the receiver needs.
type Inbound interface {
	On(event string, h transport.Handler) (off func())
}

// Decode parses and validates the data of an rtc:signal event.
func Decode(data json.RawMessage) (*Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("malformed signal: %w", err)
	}
	switch sig.Type {
	case TypeOffer, TypeAnswer, TypeICE, TypeEnd:
	default:
		return nil, fmt.Errorf("unknown signal type %q", sig.Type)
	}
	if sig.ChatID == "" {
		return nil, errors.New("signal without chatId")
	}
	if sig.FromUserID == "" {
		return nil, errors.New("signal without fromUserId")
	}
	return &sig, nil
}

// Admit applies the routing rule. A signal is dropped when it comes from
// self, when it is addressed to somebody else, or when its chat matches none
// of the tracked chats. Invites are the exception to the chat check: they
// are what starts tracking a chat.
func Admit(sig *Signal, self string, tracked ...string) bool {
	if sig.FromUserID == self {
		return false
	}
	if sig.ToUserID != "" && sig.ToUserID != self {
		return false
	}
	if Classify(sig) == IntentInvite {
		return true
	}
	for _, chatID := range tracked {
		if chatID != "" && chatID == sig.ChatID {
			return true
		}
	}
	return false
}

// Listen subscribes fn to decoded rtc:signal events. Malformed signals are
// dropped with a warning. It returns the unsubscribe function.
func Listen(in Inbound, fn func(*Signal)) (off func()) {
	log := util.Scoped("signal")
	return in.On(protocol.EventSignal, func(data json.RawMessage) {
		sig, err := Decode(data)
		if err != nil {
			log.Warn("dropping inbound signal: %v", err)
			return
		}
		log.Debug("← %s chat=%s from=%s", sig.Type, sig.ChatID, sig.FromUserID)
		fn(sig)
	})
}
