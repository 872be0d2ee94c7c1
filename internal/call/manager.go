// Package call runs voice/video calls over pion peer connections. Each call
// is a Session: one goroutine serialising signaling, peer-connection
// callbacks, timers and user actions. Sessions reach the rest of the
// program only through signal.Transport and media.Capturer.
package call

import (
	"context"
	"errors"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

// Identity is the local user as shown to peers.
type Identity struct {
	ID     string
	Name   string
	Avatar string
}

// Recorder persists ended calls.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

// IncomingEvent is published to SubscribeIncoming channels.
type IncomingEvent struct {
	Type       string     `json:"type"` // incoming|dismissed
	Invitation Invitation `json:"invitation"`
}

// ErrUnknownInvitation is returned for ids that are not pending.
var ErrUnknownInvitation = errors.New("call: unknown invitation")

// Manager owns the sessions and the invitation presenter of one endpoint.
type Manager struct {
	id  Identity
	rec Recorder

	depsMu sync.RWMutex
	deps   Deps

	presenter *Presenter

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu sync.RWMutex
	subs  map[chan IncomingEvent]struct{}

	closeOnce sync.Once
}

// NewManager creates a manager for id. rec may be nil.
func NewManager(deps Deps, id Identity, rec Recorder) *Manager {
	m := &Manager{
		id:       id,
		rec:      rec,
		deps:     deps,
		sessions: make(map[string]*Session),
		subs:     make(map[chan IncomingEvent]struct{}),
	}
	m.presenter = NewPresenter(deps, Options{
		LocalID:     id.ID,
		LocalName:   id.Name,
		LocalAvatar: id.Avatar,
	})
	m.presenter.OnIncoming(func(in *Incoming) {
		m.broadcast(IncomingEvent{Type: "incoming", Invitation: in.Invitation})
	})
	m.presenter.OnDismissed(func(inviteID string) {
		m.broadcast(IncomingEvent{Type: "dismissed", Invitation: Invitation{ID: inviteID}})
	})
	return m
}

// Open starts listening for invitations.
func (m *Manager) Open(ctx context.Context) error {
	return m.presenter.Open(ctx)
}

// UpdateDeps changes the deps used by sessions started from now on,
// including sessions created by accepting an invitation.
func (m *Manager) UpdateDeps(fn func(*Deps)) {
	m.depsMu.Lock()
	fn(&m.deps)
	deps := m.deps
	m.depsMu.Unlock()
	m.presenter.SetDeps(deps)
}

func (m *Manager) currentDeps() Deps {
	m.depsMu.RLock()
	defer m.depsMu.RUnlock()
	return m.deps
}

// SubscribeIncoming returns a channel of invitation events and a function
// that unsubscribes it. Slow subscribers miss events.
func (m *Manager) SubscribeIncoming() (<-chan IncomingEvent, func()) {
	ch := make(chan IncomingEvent, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() { m.UnsubscribeIncoming(ch) }
}

// UnsubscribeIncoming removes a channel returned by SubscribeIncoming.
func (m *Manager) UnsubscribeIncoming(ch <-chan IncomingEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for c := range m.subs {
		if c == ch {
			delete(m.subs, c)
			close(c)
			return
		}
	}
}

func (m *Manager) broadcast(ev IncomingEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("CALL: incoming subscriber is slow, dropping %s event", ev.Type)
		}
	}
}

func (m *Manager) baseOptions() Options {
	return Options{LocalID: m.id.ID, LocalName: m.id.Name, LocalAvatar: m.id.Avatar}
}

// StartPrivate calls remote.
func (m *Manager) StartPrivate(ctx context.Context, remote, remoteName string, kind Kind) (*Session, error) {
	opts := m.baseOptions()
	opts.Mode = Private
	opts.Kind = kind
	opts.Remote = remote
	opts.RemoteName = remoteName
	return m.start(ctx, opts)
}

// StartGroup joins the call of groupID.
func (m *Manager) StartGroup(ctx context.Context, groupID string, kind Kind) (*Session, error) {
	opts := m.baseOptions()
	opts.Mode = Group
	opts.Kind = kind
	opts.GroupID = groupID
	return m.start(ctx, opts)
}

// Accept answers the pending invitation inviteID.
func (m *Manager) Accept(ctx context.Context, inviteID string) (*Session, error) {
	in, ok := m.presenter.Get(inviteID)
	if !ok {
		return nil, ErrUnknownInvitation
	}
	return m.launch(ctx, m.baseOptions(), func(opts Options) (*Session, error) {
		return in.accept(ctx, m.currentDeps(), opts)
	})
}

// Reject declines the pending invitation inviteID.
func (m *Manager) Reject(ctx context.Context, inviteID string) error {
	in, ok := m.presenter.Get(inviteID)
	if !ok {
		return ErrUnknownInvitation
	}
	return in.Reject(ctx)
}

// Pending lists invitations awaiting an answer.
func (m *Manager) Pending() []Invitation {
	var out []Invitation
	for _, in := range m.presenter.Pending() {
		out = append(out, in.Invitation)
	}
	return out
}

func (m *Manager) start(ctx context.Context, opts Options) (*Session, error) {
	return m.launch(ctx, opts, func(opts Options) (*Session, error) {
		return Start(ctx, m.currentDeps(), opts)
	})
}

// launch starts a session and tracks it. OnEnded can fire before starter
// returns (setup failure, or a call that ends immediately); that case is
// settled here once the session is known.
func (m *Manager) launch(_ context.Context, opts Options, starter func(Options) (*Session, error)) (*Session, error) {
	var (
		mu     sync.Mutex
		sess   *Session
		early  bool
		reason EndReason
	)
	opts.OnEnded = func(r EndReason) {
		mu.Lock()
		s := sess
		if s == nil {
			early, reason = true, r
		}
		mu.Unlock()
		if s != nil {
			m.ended(s, r)
		}
	}

	s, err := starter(opts)
	if err != nil {
		if early {
			log.Infof("CALL: session failed to start: %s", reason)
		}
		return nil, err
	}
	m.track(s)
	mu.Lock()
	sess = s
	endedEarly := early
	mu.Unlock()
	if endedEarly {
		m.ended(s, reason)
	}
	return s, nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
}

// ended untracks s and writes its call-log record.
func (m *Manager) ended(s *Session, reason EndReason) {
	log.Debugf("CALL [%s]: untracking (%s)", s.tag(), reason)
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()

	if m.rec == nil {
		return
	}
	if err := m.rec.Record(context.Background(), s.Summary()); err != nil {
		log.Warnf("CALL [%s]: record history: %v", s.tag(), err)
	}
}

// GetSession returns the live session with id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// AllSessions returns every live session, oldest first.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Close disposes every session and stops listening for invitations.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if err := m.presenter.Close(); err != nil {
			log.Debugf("CALL: close presenter: %v", err)
		}
		for _, s := range m.AllSessions() {
			s.Dispose()
		}
		m.subMu.Lock()
		for ch := range m.subs {
			close(ch)
			delete(m.subs, ch)
		}
		m.subMu.Unlock()
	})
}
