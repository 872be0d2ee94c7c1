// Package signal carries call signaling messages over an unreliable,
// at-most-once broadcast transport. Addressing is enforced here: the
// transports only know channels, never recipients.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the value of the "kind" field of every signaling message.
type Kind string

const (
	KindJoin      Kind = "join"          // broadcast: sender entered the call channel
	KindOffer     Kind = "offer"         // directed: SDP offer
	KindAnswer    Kind = "answer"        // directed: SDP answer
	KindCandidate Kind = "ice-candidate" // directed: trickle ICE candidate
	KindEnd       Kind = "end"           // broadcast or directed: sender left / declined
	KindMute      Kind = "mute"          // broadcast: sender's local media state changed

	// Invitation signaling, published on the callee's invite channel.
	KindRing   Kind = "ring"
	KindCancel Kind = "cancel"
)

// ErrMalformed is returned by Decode for payloads that are not a message.
var ErrMalformed = errors.New("signal: malformed message")

// Message is the single wire shape for every kind. Fields that do not apply
// to a kind are omitted on the wire.
type Message struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	TS   int64  `json:"ts,omitempty"`

	// join / ring
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// offer / answer. Re on an answer is the id of the offer it answers.
	SDP string `json:"sdp,omitempty"`
	Re  string `json:"re,omitempty"`

	// ice-candidate
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// mute
	Muted    bool `json:"muted,omitempty"`
	VideoOff bool `json:"video_off,omitempty"`

	// ring
	CallKind string `json:"call_kind,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// Directed reports whether the message names a single recipient.
func (m Message) Directed() bool { return m.To != "" }

// AddressedTo reports whether a receiver with the given id should act on m.
// Broadcasts are addressed to everyone.
func (m Message) AddressedTo(id string) bool {
	return m.To == "" || m.To == id
}

// Encode marshals m for a transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a transport payload. Payloads without a kind or sender are
// rejected so stray traffic on a shared channel never reaches a session.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Kind == "" || m.From == "" {
		return Message{}, ErrMalformed
	}
	return m, nil
}
