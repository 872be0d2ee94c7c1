package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/vesper-app/vesper/internal/media"
)

// PeerConnection is the part of *webrtc.PeerConnection a PeerLink drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	SignalingState() webrtc.SignalingState
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// RemoteTrack is the read side of a track sent by a peer.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteStream is the media a peer sends us.
type RemoteStream struct {
	StreamID string
	Tracks   []RemoteTrack
}

// RTPSink receives every RTP packet of remote tracks.
type RTPSink func(peerID string, kind webrtc.RTPCodecType, pkt *rtp.Packet)

type peerEventKind int

const (
	evCandidate peerEventKind = iota
	evTrack
	evState
)

// peerEvent is posted from peer-connection callbacks onto the session loop.
// link identifies the origin so events of a replaced link are discarded.
type peerEvent struct {
	link      *peerLink
	kind      peerEventKind
	candidate webrtc.ICECandidateInit
	track     RemoteTrack
	state     LinkState
}

var pliInterval = 3 * time.Second

// peerLink negotiates and carries the media session with one peer. Every
// method except the callbacks runs on the owning session's loop.
type peerLink struct {
	peerID string
	pc     PeerConnection
	post   func(peerEvent)
	rtp    RTPSink

	senders      []*webrtc.RTPSender
	state        LinkState
	pendingOffer bool
	offerID      string // message id of our latest offer
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	remote       *RemoteStream
	closed       bool

	done     chan struct{}
	doneOnce sync.Once
}

// newPeerLink attaches the local tracks to pc and wires its callbacks to
// post. A nil or empty stream gets recv-only transceivers so SDP still has
// media sections.
func newPeerLink(peerID string, pc PeerConnection, stream *media.LocalStream, post func(peerEvent), sink RTPSink) *peerLink {
	l := &peerLink{
		peerID: peerID,
		pc:     pc,
		post:   post,
		rtp:    sink,
		done:   make(chan struct{}),
	}

	tracks := stream.Tracks()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			log.Warnf("link %s: add %s track: %v", short(peerID), t.Kind(), err)
			continue
		}
		l.senders = append(l.senders, sender)
	}
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				log.Warnf("link %s: add recvonly %s transceiver: %v", short(peerID), kind, err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		l.post(peerEvent{link: l, kind: evCandidate, candidate: c.ToJSON()})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.remoteTrackArrived(tr)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.post(peerEvent{link: l, kind: evState, state: linkStateOf(s)})
	})
	return l
}

// remoteTrackArrived starts draining tr and tells the session about it.
func (l *peerLink) remoteTrackArrived(tr RemoteTrack) {
	go l.pump(tr)
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go l.requestKeyframes(tr)
	}
	l.post(peerEvent{link: l, kind: evTrack, track: tr})
}

func (l *peerLink) pump(tr RemoteTrack) {
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			return
		}
		if l.rtp != nil {
			l.rtp(l.peerID, tr.Kind(), pkt)
		}
		select {
		case <-l.done:
			return
		default:
		}
	}
}

// requestKeyframes sends a PLI periodically so a decoder that joined late or
// lost packets recovers without waiting for the next natural keyframe.
func (l *peerLink) requestKeyframes(tr RemoteTrack) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			}); err != nil {
				return
			}
		}
	}
}

// CreateOffer generates and applies a local offer.
func (l *peerLink) CreateOffer() (string, error) {
	if l.closed {
		return "", fmt.Errorf("%w: link closed", ErrNegotiation)
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	l.pendingOffer = true
	l.state = LinkNegotiating
	return offer.SDP, nil
}

// ApplyRemoteOffer applies the peer's offer and returns our answer.
func (l *peerLink) ApplyRemoteOffer(sdp string) (string, error) {
	if l.closed {
		return "", fmt.Errorf("%w: link closed", ErrNegotiation)
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	l.remoteSet = true
	l.pendingOffer = false
	if err := l.flushCandidates(); err != nil {
		return "", err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	l.state = LinkNegotiating
	return answer.SDP, nil
}

// ApplyRemoteAnswer applies the answer to our pending offer.
func (l *peerLink) ApplyRemoteAnswer(sdp string) error {
	if l.closed {
		return fmt.Errorf("%w: link closed", ErrNegotiation)
	}
	if !l.pendingOffer || l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer without a pending offer", ErrNegotiation)
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}
	l.remoteSet = true
	l.pendingOffer = false
	return l.flushCandidates()
}

// ApplyRemoteCandidate adds c, or buffers it until a remote description is
// in place.
func (l *peerLink) ApplyRemoteCandidate(c webrtc.ICECandidateInit) error {
	if l.closed {
		return fmt.Errorf("%w: link closed", ErrNegotiation)
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiation, err)
	}
	return nil
}

func (l *peerLink) flushCandidates() error {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: add buffered candidate: %v", ErrNegotiation, err)
		}
	}
	return nil
}

// attachRemote records a remote track in the link's stream.
func (l *peerLink) attachRemote(tr RemoteTrack) {
	if l.closed {
		return
	}
	if l.remote == nil {
		l.remote = &RemoteStream{StreamID: tr.StreamID()}
	}
	l.remote.Tracks = append(l.remote.Tracks, tr)
}

// HasPendingOffer reports whether a local offer awaits its answer.
func (l *peerLink) HasPendingOffer() bool { return l.pendingOffer }

// State returns the last state the session applied to the link.
func (l *peerLink) State() LinkState { return l.state }

// RemoteStream returns the peer's stream, nil before any track arrived and
// after Close.
func (l *peerLink) RemoteStream() *RemoteStream { return l.remote }

// Close detaches local tracks and closes the connection. Idempotent.
func (l *peerLink) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.doneOnce.Do(func() { close(l.done) })
	for _, s := range l.senders {
		if s == nil {
			continue
		}
		if err := l.pc.RemoveTrack(s); err != nil {
			log.Debugf("link %s: remove track: %v", short(l.peerID), err)
		}
	}
	l.senders = nil
	if err := l.pc.Close(); err != nil {
		log.Debugf("link %s: close: %v", short(l.peerID), err)
	}
	l.remote = nil
	l.pending = nil
	l.pendingOffer = false
	l.state = LinkClosed
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
