package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vesper-app/vesper/internal/media"
	"github.com/vesper-app/vesper/internal/signal"
)

const (
	DefaultRingTimeout = 30 * time.Second
	DefaultOfferDelay  = 250 * time.Millisecond

	eventQueueSize = 128
	sendTimeout    = 5 * time.Second

	// maxReoffers bounds how often a private call re-offers after its only
	// link failed to negotiate before giving up.
	maxReoffers = 3
)

// Deps are the collaborators shared by every session of an endpoint.
type Deps struct {
	Transport         signal.Transport
	Capturer          media.Capturer
	NewPeerConnection PeerFactory
	Clock             clock.Clock

	RingTimeout  time.Duration
	OfferDelay   time.Duration
	PollInterval time.Duration // 0 disables the polling fallback
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.RingTimeout <= 0 {
		d.RingTimeout = DefaultRingTimeout
	}
	if d.OfferDelay <= 0 {
		d.OfferDelay = DefaultOfferDelay
	}
	return d
}

// Options describe one call from the local endpoint's point of view.
type Options struct {
	LocalID     string
	LocalName   string
	LocalAvatar string

	Mode       Mode
	Kind       Kind
	Remote     string // Private only
	RemoteName string
	GroupID    string // Group only
	Incoming   bool   // accepted invitation: no Ringing

	// OnEnded fires exactly once, with the reason, after teardown completed.
	OnEnded func(EndReason)
	// OnChange receives a snapshot after every handled event. It runs on
	// the session loop and must not call back into the session.
	OnChange func(Snapshot)
	// OnRemoteRTP receives remote media packets.
	OnRemoteRTP RTPSink
}

func (o Options) validate() error {
	if o.LocalID == "" {
		return errors.New("call: local id is required")
	}
	switch o.Mode {
	case Private:
		if o.Remote == "" || o.Remote == o.LocalID {
			return errors.New("call: private call needs a remote id other than our own")
		}
	case Group:
		if o.GroupID == "" {
			return errors.New("call: group call needs a group id")
		}
	default:
		return fmt.Errorf("call: unknown mode %d", o.Mode)
	}
	return nil
}

func (o Options) channel() string {
	if o.Mode == Group {
		return signal.GroupChannel(o.GroupID)
	}
	return signal.PrivateChannel(o.LocalID, o.Remote)
}

type timerEvent int

const (
	ringExpired timerEvent = iota
	offerDue
)

type participant struct {
	id       string
	name     string
	joinedAt time.Time
	seq      int
	muted    bool
	videoOff bool
}

// Session is one call. All state below the loop marker is owned by the
// session goroutine; the exported methods post onto its queue.
type Session struct {
	id      string
	opts    Options
	deps    Deps
	clock   clock.Clock
	channel string

	media  *media.Session
	stream *media.LocalStream
	sig    *signal.Signaler

	events chan any
	quit   chan struct{} // closed when teardown starts
	done   chan struct{} // closed when teardown finished

	stateV  atomic.Int32
	reasonV atomic.Int32
	snap    atomic.Pointer[Snapshot]

	// loop
	state       State
	reason      EndReason
	peers       map[string]*peerLink
	roster      map[string]*participant
	seq         int
	ringTimer   *clock.Timer
	offerTimer  *clock.Timer
	inviteID    string
	createdAt   time.Time
	startedAt   time.Time
	connectedAt time.Time
	audioMuted  bool
	videoOff    bool
	reoffers    int
	summary     Record
}

// Start acquires media, opens signaling and announces the local endpoint.
// Media and subscribe failures end the session through the normal teardown
// (OnEnded fires) and are returned.
func Start(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil || deps.Capturer == nil || deps.NewPeerConnection == nil {
		return nil, errors.New("call: transport, capturer and peer factory are required")
	}
	deps = deps.withDefaults()

	s := &Session{
		id:      uuid.NewString(),
		opts:    opts,
		deps:    deps,
		clock:   deps.Clock,
		channel: opts.channel(),
		events:  make(chan any, eventQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   make(map[string]*peerLink),
		roster:  make(map[string]*participant),
	}
	s.createdAt = s.clock.Now()
	s.setState(Connecting)
	if opts.Mode == Private {
		if !opts.Incoming {
			s.setState(Ringing)
		}
		s.touchParticipant(opts.Remote, opts.RemoteName)
	}
	log.Infof("CALL [%s]: starting %s %s call on %s", s.tag(), opts.Mode, opts.Kind, s.channel)

	s.media = media.NewSession(deps.Capturer)
	stream, err := s.media.Acquire(opts.Kind == Video)
	if err != nil {
		log.Warnf("CALL [%s]: %v", s.tag(), err)
		s.end(MediaUnavailable)
		return nil, fmt.Errorf("call: acquire media: %w", err)
	}
	s.stream = stream

	sig := signal.NewSignaler(deps.Transport, opts.LocalID, signal.WithPollInterval(deps.PollInterval))
	sig.OnMessage(func(m signal.Message) { s.post(m) })
	if err := sig.Open(ctx, s.channel); err != nil {
		log.Warnf("CALL [%s]: %v", s.tag(), err)
		s.end(TransportFailure)
		return nil, fmt.Errorf("call: open signaling: %w", err)
	}
	s.sig = sig

	if s.state == Ringing {
		s.ringTimer = s.clock.AfterFunc(deps.RingTimeout, func() { s.post(ringExpired) })
	}
	s.announce()
	s.publish()
	go s.run()
	return s, nil
}

// announce runs before the loop starts; inbound messages wait in the queue.
func (s *Session) announce() {
	s.send(signal.Message{Kind: signal.KindJoin, Name: s.opts.LocalName, Avatar: s.opts.LocalAvatar})
	if s.opts.Mode != Private || s.opts.Incoming {
		return
	}

	s.inviteID = uuid.NewString()
	ring := signal.Message{
		ID:       s.inviteID,
		Kind:     signal.KindRing,
		To:       s.opts.Remote,
		Name:     s.opts.LocalName,
		Avatar:   s.opts.LocalAvatar,
		CallKind: s.opts.Kind.String(),
		Channel:  s.channel,
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.sig.SendOn(ctx, signal.InviteChannel(s.opts.Remote), ring); err != nil {
		log.Warnf("CALL [%s]: ring %s: %v", s.tag(), short(s.opts.Remote), err)
	}
	s.offerTimer = s.clock.AfterFunc(s.deps.OfferDelay, func() { s.post(offerDue) })
}

func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// do runs fn on the loop and waits for it. It returns false if the session
// ended before fn ran.
func (s *Session) do(fn func()) bool {
	ran := make(chan struct{})
	s.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-s.quit:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.state == Ended {
				return
			}
			s.publish()
		}
	}
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case signal.Message:
		s.handleMessage(e)
	case peerEvent:
		s.handlePeerEvent(e)
	case timerEvent:
		s.handleTimer(e)
	case func():
		e()
	}
}

func (s *Session) handleMessage(m signal.Message) {
	if s.opts.Mode == Private && m.From != s.opts.Remote {
		log.Debugf("CALL [%s]: ignoring %s from stranger %s", s.tag(), m.Kind, short(m.From))
		return
	}
	switch m.Kind {
	case signal.KindJoin:
		s.onJoin(m)
	case signal.KindOffer:
		s.onOffer(m)
	case signal.KindAnswer:
		s.onAnswer(m)
	case signal.KindCandidate:
		s.onCandidate(m)
	case signal.KindEnd:
		s.onEnd(m)
	case signal.KindMute:
		s.onMute(m)
	}
}

// onJoin welcomes a (re)joining peer: any link we hold for it is stale, so
// it is replaced and we offer.
func (s *Session) onJoin(m signal.Message) {
	s.touchParticipant(m.From, m.Name)
	if s.peers[m.From] != nil {
		s.discardLink(m.From, nil)
	}
	s.offerTo(m.From)
}

func (s *Session) offerTo(peerID string) {
	l, err := s.openLink(peerID)
	if err != nil {
		log.Warnf("CALL [%s]: open link to %s: %v", s.tag(), short(peerID), err)
		return
	}
	sdp, err := l.CreateOffer()
	if err != nil {
		s.negotiationFailed(peerID, err)
		return
	}
	l.offerID = uuid.NewString()
	s.send(signal.Message{ID: l.offerID, Kind: signal.KindOffer, To: peerID, SDP: sdp})
}

func (s *Session) onOffer(m signal.Message) {
	if !m.Directed() || m.SDP == "" {
		return
	}
	s.leaveRinging()
	s.touchParticipant(m.From, m.Name)

	if l := s.peers[m.From]; l != nil {
		if l.HasPendingOffer() && !s.polite(m.From) {
			log.Debugf("CALL [%s]: offer collision with %s, keeping ours", s.tag(), short(m.From))
			return
		}
		s.discardLink(m.From, nil)
	}

	l, err := s.openLink(m.From)
	if err != nil {
		log.Warnf("CALL [%s]: open link to %s: %v", s.tag(), short(m.From), err)
		return
	}
	answer, err := l.ApplyRemoteOffer(m.SDP)
	if err != nil {
		s.negotiationFailed(m.From, err)
		return
	}
	s.send(signal.Message{Kind: signal.KindAnswer, To: m.From, SDP: answer, Re: m.ID})
}

func (s *Session) onAnswer(m signal.Message) {
	if !m.Directed() {
		return
	}
	s.leaveRinging()
	l := s.peers[m.From]
	if l == nil {
		log.Debugf("CALL [%s]: answer from %s without a link", s.tag(), short(m.From))
		return
	}
	if m.Re != "" && m.Re != l.offerID {
		log.Debugf("CALL [%s]: answer from %s is for a superseded offer", s.tag(), short(m.From))
		return
	}
	if err := l.ApplyRemoteAnswer(m.SDP); err != nil {
		s.negotiationFailed(m.From, err)
	}
}

func (s *Session) onCandidate(m signal.Message) {
	if !m.Directed() || m.Candidate == nil {
		return
	}
	l := s.peers[m.From]
	if l == nil {
		return // arrived before any offer; harmless
	}
	if err := l.ApplyRemoteCandidate(*m.Candidate); err != nil {
		s.negotiationFailed(m.From, err)
	}
}

func (s *Session) onEnd(m signal.Message) {
	if s.opts.Mode == Private {
		reason := RemoteEnded
		if s.state == Ringing {
			reason = RemoteRejected
		}
		s.end(reason)
		return
	}
	s.discardLink(m.From, nil)
	delete(s.roster, m.From)
	log.Infof("CALL [%s]: %s left", s.tag(), short(m.From))
}

func (s *Session) onMute(m signal.Message) {
	p := s.touchParticipant(m.From, m.Name)
	p.muted = m.Muted
	p.videoOff = m.VideoOff
}

func (s *Session) handlePeerEvent(e peerEvent) {
	id := e.link.peerID
	if s.peers[id] != e.link {
		return // link was replaced or removed
	}
	switch e.kind {
	case evCandidate:
		c := e.candidate
		s.send(signal.Message{Kind: signal.KindCandidate, To: id, Candidate: &c})
	case evTrack:
		e.link.attachRemote(e.track)
		log.Debugf("CALL [%s]: %s track from %s", s.tag(), e.track.Kind(), short(id))
	case evState:
		e.link.state = e.state
		switch e.state {
		case LinkConnected:
			s.markConnected(id)
		case LinkFailed, LinkClosed:
			s.linkLost(id)
		}
	}
}

func (s *Session) handleTimer(t timerEvent) {
	switch t {
	case ringExpired:
		if s.state == Ringing {
			log.Infof("CALL [%s]: no answer after %v", s.tag(), s.deps.RingTimeout)
			s.end(NoAnswer)
		}
	case offerDue:
		s.offerTimer = nil
		if s.peers[s.opts.Remote] == nil {
			s.offerTo(s.opts.Remote)
		}
	}
}

func (s *Session) openLink(peerID string) (*peerLink, error) {
	pc, err := s.deps.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	l := newPeerLink(peerID, pc, s.stream, func(e peerEvent) { s.post(e) }, s.opts.OnRemoteRTP)
	s.peers[peerID] = l
	return l, nil
}

// discardLink closes and forgets the link to peerID. The participant stays
// on the roster.
func (s *Session) discardLink(peerID string, cause error) {
	l := s.peers[peerID]
	if l == nil {
		return
	}
	delete(s.peers, peerID)
	l.Close()
	if cause != nil {
		log.Warnf("CALL [%s]: dropped link to %s: %v", s.tag(), short(peerID), cause)
	}
}

// negotiationFailed drops the link to peerID. A group call carries on
// without it. A private call has no one else to talk to, so it offers
// again, and ends once maxReoffers attempts have failed.
func (s *Session) negotiationFailed(peerID string, cause error) {
	s.discardLink(peerID, cause)
	if s.opts.Mode != Private {
		return
	}
	if s.reoffers >= maxReoffers {
		log.Warnf("CALL [%s]: giving up on %s after %d offers", s.tag(), short(peerID), s.reoffers)
		s.end(ConnectionFailed)
		return
	}
	s.reoffers++
	s.offerTo(peerID)
}

func (s *Session) linkLost(peerID string) {
	s.discardLink(peerID, nil)
	if s.opts.Mode == Private {
		log.Warnf("CALL [%s]: connection to %s lost", s.tag(), short(peerID))
		s.end(ConnectionFailed)
		return
	}
	delete(s.roster, peerID)
}

func (s *Session) markConnected(peerID string) {
	s.leaveRinging()
	s.reoffers = 0
	if s.state == Connected {
		return
	}
	s.setState(Connected)
	if s.startedAt.IsZero() {
		s.startedAt = s.clock.Now()
		s.connectedAt = s.startedAt
	}
	log.Infof("CALL [%s]: connected (first peer %s)", s.tag(), short(peerID))
}

func (s *Session) leaveRinging() {
	if s.state != Ringing {
		return
	}
	stopTimer(s.ringTimer)
	s.ringTimer = nil
	s.setState(Connecting)
}

// polite reports whether we yield on an offer collision with peerID.
func (s *Session) polite(peerID string) bool {
	return s.opts.LocalID < peerID
}

func (s *Session) touchParticipant(id, name string) *participant {
	p := s.roster[id]
	if p == nil {
		s.seq++
		p = &participant{id: id, joinedAt: s.clock.Now(), seq: s.seq}
		s.roster[id] = p
	}
	if name != "" {
		p.name = name
	}
	return p
}

func (s *Session) send(m signal.Message) {
	if s.sig == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.sig.Send(ctx, m); err != nil {
		log.Warnf("CALL [%s]: send %s: %v", s.tag(), m.Kind, err)
	}
}

// end is the single teardown routine. Every exit path ends up here.
func (s *Session) end(reason EndReason) {
	if s.state == Ended {
		return
	}
	wasRinging := s.state == Ringing
	s.setState(Ended)
	s.reason = reason
	s.reasonV.Store(int32(reason))
	endedAt := s.clock.Now()

	stopTimer(s.ringTimer)
	stopTimer(s.offerTimer)
	s.ringTimer, s.offerTimer = nil, nil
	close(s.quit)

	if s.sig != nil {
		s.send(signal.Message{Kind: signal.KindEnd})
		if wasRinging && s.inviteID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			cancelMsg := signal.Message{Kind: signal.KindCancel, To: s.opts.Remote, Channel: s.channel}
			if err := s.sig.SendOn(ctx, signal.InviteChannel(s.opts.Remote), cancelMsg); err != nil {
				log.Debugf("CALL [%s]: cancel invite: %v", s.tag(), err)
			}
			cancel()
		}
		if err := s.sig.Close(); err != nil {
			log.Debugf("CALL [%s]: close signaler: %v", s.tag(), err)
		}
	}

	for id, l := range s.peers {
		l.Close()
		delete(s.peers, id)
	}
	clear(s.roster)
	if s.media != nil {
		s.media.Release()
	}

	s.summary = s.record(endedAt)
	s.startedAt = time.Time{}
	s.publish()
	log.Infof("CALL [%s]: ended: %s", s.tag(), reason)
	close(s.done)

	if s.opts.OnEnded != nil {
		s.opts.OnEnded(reason)
	}
}

func (s *Session) record(endedAt time.Time) Record {
	r := Record{
		ID:          s.id,
		Channel:     s.channel,
		Mode:        s.opts.Mode.String(),
		Kind:        s.opts.Kind.String(),
		Direction:   "outbound",
		Peer:        s.opts.Remote,
		StartedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     endedAt,
		Reason:      s.reason.String(),
	}
	if s.opts.Incoming {
		r.Direction = "inbound"
	}
	if s.opts.Mode == Group {
		r.Peer = s.opts.GroupID
	}
	if !s.connectedAt.IsZero() {
		r.Duration = endedAt.Sub(s.connectedAt)
	}
	return r
}

func (s *Session) setState(st State) {
	s.state = st
	s.stateV.Store(int32(st))
}

func (s *Session) publish() {
	snap := Snapshot{
		ID:         s.id,
		Channel:    s.channel,
		Mode:       s.opts.Mode.String(),
		Kind:       s.opts.Kind.String(),
		State:      s.state.String(),
		Reason:     s.reason.String(),
		Notice:     s.reason.Notice(),
		StartedAt:  s.startedAt,
		AudioMuted: s.audioMuted,
		VideoOff:   s.videoOff,
	}
	ps := make([]*participant, 0, len(s.roster))
	for _, p := range s.roster {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	snap.Participants = make([]Participant, 0, len(ps))
	for _, p := range ps {
		entry := Participant{
			ID:       p.id,
			Name:     p.name,
			IsMuted:  p.muted,
			VideoOff: p.videoOff,
			JoinedAt: p.joinedAt,
		}
		if l := s.peers[p.id]; l != nil {
			entry.HasStream = l.RemoteStream() != nil
			entry.LinkState = l.State().String()
		}
		snap.Participants = append(snap.Participants, entry)
	}
	s.snap.Store(&snap)
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}

// End hangs up. It returns once teardown has finished.
func (s *Session) End() {
	s.do(func() { s.end(LocalHangup) })
	<-s.done
}

// Dispose tears the session down on behalf of its owner going away.
func (s *Session) Dispose() {
	s.do(func() { s.end(Disposed) })
	<-s.done
}

// SetAudioEnabled mutes or unmutes the microphone and tells the peers.
func (s *Session) SetAudioEnabled(on bool) bool {
	return s.do(func() {
		s.media.SetAudioEnabled(on)
		s.audioMuted = !on
		s.announceMute()
	})
}

// SetVideoEnabled turns the camera feed on or off and tells the peers.
func (s *Session) SetVideoEnabled(on bool) bool {
	return s.do(func() {
		s.media.SetVideoEnabled(on)
		s.videoOff = !on
		s.announceMute()
	})
}

func (s *Session) announceMute() {
	s.send(signal.Message{Kind: signal.KindMute, Muted: s.audioMuted, VideoOff: s.videoOff})
	log.Infof("CALL [%s]: audio muted=%v video off=%v", s.tag(), s.audioMuted, s.videoOff)
}

// Snapshot returns the latest published state of the session.
func (s *Session) Snapshot() Snapshot {
	p := s.snap.Load()
	if p == nil {
		return Snapshot{ID: s.id}
	}
	out := *p
	out.Participants = append([]Participant(nil), p.Participants...)
	if !out.StartedAt.IsZero() {
		out.Elapsed = s.clock.Since(out.StartedAt)
	}
	return out
}

// Summary returns the call-log record. Valid once Done is closed.
func (s *Session) Summary() Record {
	<-s.done
	return s.summary
}

func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) State() State          { return State(s.stateV.Load()) }
func (s *Session) Reason() EndReason     { return EndReason(s.reasonV.Load()) }
func (s *Session) ID() string            { return s.id }
func (s *Session) Channel() string       { return s.channel }
func (s *Session) Options() Options      { return s.opts }

func (s *Session) tag() string { return short(s.id) }

func stopTimer(t *clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
