package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrNegotiation is returned by a PeerLink operation applied out of order or
// rejected by the peer connection. It is scoped to one peer: the session
// drops that link and carries on.
var ErrNegotiation = errors.New("negotiation error")

// Mode selects private (1:1) or group (mesh) addressing.
type Mode int

const (
	Private Mode = iota
	Group
)

func (m Mode) String() string {
	if m == Group {
		return "group"
	}
	return "private"
}

// Kind is fixed for a session's lifetime.
type Kind int

const (
	Audio Kind = iota
	Video
)

func (k Kind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// ParseKind maps the wire form back to a Kind. Unknown values are Audio.
func ParseKind(s string) Kind {
	if s == "video" {
		return Video
	}
	return Audio
}

// State is the session state. Connected is sticky and Ended is terminal.
type State int

const (
	Ringing State = iota
	Connecting
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "ended"
	}
}

// LinkState is the state of one PeerLink.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	default:
		return "closed"
	}
}

func linkStateOf(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return LinkNegotiating
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed
	default:
		return LinkNew
	}
}

// EndReason says why a session ended. Each reason maps to its own notice.
type EndReason int

const (
	ReasonNone EndReason = iota
	LocalHangup
	RemoteEnded
	RemoteRejected
	NoAnswer
	MediaUnavailable
	TransportFailure
	ConnectionFailed
	Disposed
)

var reasonNames = map[EndReason]string{
	ReasonNone:       "",
	LocalHangup:      "local-hangup",
	RemoteEnded:      "remote-ended",
	RemoteRejected:   "remote-rejected",
	NoAnswer:         "no-answer",
	MediaUnavailable: "media-unavailable",
	TransportFailure: "transport-failure",
	ConnectionFailed: "connection-failed",
	Disposed:         "disposed",
}

func (r EndReason) String() string { return reasonNames[r] }

// Notice is the user-facing text for r.
func (r EndReason) Notice() string {
	switch r {
	case LocalHangup:
		return "Call ended: you hung up"
	case RemoteEnded:
		return "Call ended: the other side hung up"
	case RemoteRejected:
		return "Call declined"
	case NoAnswer:
		return "No answer"
	case MediaUnavailable:
		return "Call failed: camera or microphone unavailable"
	case TransportFailure:
		return "Call failed: could not reach the signaling service"
	case ConnectionFailed:
		return "Call dropped: connection lost"
	case Disposed:
		return "Call closed"
	default:
		return ""
	}
}

// Participant is one roster entry.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	HasStream bool      `json:"hasStream"`
	IsMuted   bool      `json:"isMuted"`
	VideoOff  bool      `json:"videoOff"`
	LinkState string    `json:"linkState"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Snapshot is a point-in-time copy of a session for the presentation layer.
type Snapshot struct {
	ID           string        `json:"id"`
	Channel      string        `json:"channel"`
	Mode         string        `json:"mode"`
	Kind         string        `json:"kind"`
	State        string        `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	Notice       string        `json:"notice,omitempty"`
	StartedAt    time.Time     `json:"startedAt,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	AudioMuted   bool          `json:"audioMuted"`
	VideoOff     bool          `json:"videoOff"`
	Participants []Participant `json:"participants"`
}

// Record summarises an ended session for the call log.
type Record struct {
	ID          string        `json:"id"`
	Channel     string        `json:"channel"`
	Mode        string        `json:"mode"`
	Kind        string        `json:"kind"`
	Direction   string        `json:"direction"`
	Peer        string        `json:"peer"`
	StartedAt   time.Time     `json:"startedAt"`
	ConnectedAt time.Time     `json:"connectedAt,omitempty"`
	EndedAt     time.Time     `json:"endedAt"`
	Duration    time.Duration `json:"duration"`
	Reason      string        `json:"reason"`
}
