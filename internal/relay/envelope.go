package relay

import (
	"encoding/json"
	"fmt"
)

// Message types carried on the real-time channel.
const (
	TypeInit         = "init"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallEnded    = "call-ended"
	TypePendingReady = "pending-ready"
)

// Envelope is the routing header of every client message. Fields
// beyond these (sdp, candidate payloads) are opaque to the relay and
// are forwarded verbatim.
type Envelope struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId,omitempty"` // init only
	Target int64  `json:"target,omitempty"`
	Sender int64  `json:"sender,omitempty"`
	ChatID int64  `json:"chatId,omitempty"`
}

// decodeEnvelope parses the routing fields out of a raw message.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("unparseable message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("message has no type")
	}
	return env, nil
}

// stampSender rewrites the sender field of a raw message to the
// authenticated identity of the connection it arrived on. Client
// supplied sender values are never forwarded. All other fields pass
// through untouched.
func stampSender(raw []byte, sender int64) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	senderJSON, err := json.Marshal(sender)
	if err != nil {
		return raw
	}
	fields["sender"] = senderJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
