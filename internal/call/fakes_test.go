package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/vesper-app/vesper/internal/media"
	"github.com/vesper-app/vesper/internal/signal"
)

// fakePC models the signaling-state rules of a peer connection without any
// networking.
type fakePC struct {
	mu         sync.Mutex
	n          int
	tracks     []webrtc.TrackLocal
	recvOnly   []webrtc.RTPCodecType
	sigState   webrtc.SignalingState
	remoteSDP  string
	candidates []webrtc.ICECandidateInit
	rtcp       []rtcp.Packet
	closed     bool
	failRemote bool

	onCand  func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func newFakePC(n int) *fakePC {
	return &fakePC{n: n, sigState: webrtc.SignalingStateStable}
}

func (p *fakePC) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil, nil
}

func (p *fakePC) RemoveTrack(*webrtc.RTPSender) error { return nil }

func (p *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvOnly = append(p.recvOnly, kind)
	return nil, nil
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.n)}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.n)}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		p.sigState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.sigState != webrtc.SignalingStateHaveRemoteOffer {
			return errors.New("answer without remote offer")
		}
		p.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote {
		return errors.New("bad sdp")
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.sigState == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("offer in have-local-offer")
		}
		p.sigState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.sigState != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		p.sigState = webrtc.SignalingStateStable
	}
	p.remoteSDP = d.SDP
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onCand = f
	p.mu.Unlock()
}

func (p *fakePC) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		go cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePC) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	cb(s)
}

func (p *fakePC) emitCandidate() {
	p.mu.Lock()
	cb := p.onCand
	p.mu.Unlock()
	cb(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.10",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) signaling() webrtc.SignalingState { return p.SignalingState() }

func (p *fakePC) remoteDesc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSDP
}

func (p *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type pcFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *pcFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePC(len(f.pcs) + 1)
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *pcFactory) all() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

func (f *pcFactory) count() int { return len(f.all()) }

func (f *pcFactory) last() *fakePC {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *pcFactory) open() []*fakePC {
	var out []*fakePC
	for _, pc := range f.all() {
		if !pc.isClosed() {
			out = append(out, pc)
		}
	}
	return out
}

// fakeTrack yields a fixed number of packets and then EOF.
type fakeTrack struct {
	kind    webrtc.RTPCodecType
	mu      sync.Mutex
	packets int
}

func (t *fakeTrack) ID() string                { return "remote-" + t.kind.String() }
func (t *fakeTrack) StreamID() string          { return "remote-stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return 1234 }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.packets == 0 {
		return nil, nil, io.EOF
	}
	t.packets--
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(t.packets)}}, nil, nil
}

// endLog records OnEnded calls.
type endLog struct {
	mu      sync.Mutex
	reasons []EndReason
}

func (e *endLog) record(r EndReason) {
	e.mu.Lock()
	e.reasons = append(e.reasons, r)
	e.mu.Unlock()
}

func (e *endLog) get() []EndReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EndReason(nil), e.reasons...)
}

type harness struct {
	t     *testing.T
	hub   *signal.Hub
	clock *clock.Mock
	capt  *media.StaticCapturer
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		hub:   signal.NewHub(),
		clock: clock.NewMock(),
		capt:  media.NewStaticCapturer(),
	}
}

func (h *harness) deps(f *pcFactory) Deps {
	return Deps{
		Transport:         h.hub,
		Capturer:          h.capt,
		NewPeerConnection: f.New,
		Clock:             h.clock,
	}
}

func (h *harness) start(opts Options) (*Session, *pcFactory, *endLog) {
	h.t.Helper()
	f := &pcFactory{}
	ends := &endLog{}
	opts.OnEnded = ends.record
	s, err := Start(context.Background(), h.deps(f), opts)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { s.Dispose() })
	return s, f, ends
}

// remote is a scripted endpoint talking raw signaling.
type remote struct {
	t   *testing.T
	id  string
	sig *signal.Signaler
	box chan signal.Message
}

func (h *harness) remote(id, channel string) *remote {
	h.t.Helper()
	r := &remote{t: h.t, id: id, box: make(chan signal.Message, 64)}
	r.sig = signal.NewSignaler(h.hub, id)
	r.sig.OnMessage(func(m signal.Message) { r.box <- m })
	require.NoError(h.t, r.sig.Open(context.Background(), channel))
	h.t.Cleanup(func() { r.sig.Close() })
	return r
}

func (r *remote) send(m signal.Message) {
	r.t.Helper()
	require.NoError(r.t, r.sig.Send(context.Background(), m))
}

// expect waits for the next message of kind, skipping others.
func (r *remote) expect(kind signal.Kind) signal.Message {
	r.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-r.box:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			r.t.Fatalf("%s: no %s message", r.id, kind)
			return signal.Message{}
		}
	}
}

// settle waits until the session loop has drained everything posted so far.
func settle(t *testing.T, s *Session) {
	t.Helper()
	for i := 0; i < 3; i++ {
		s.do(func() {})
		time.Sleep(5 * time.Millisecond)
	}
}

func linkCount(s *Session) int {
	n := -1
	s.do(func() { n = len(s.peers) })
	return n
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
