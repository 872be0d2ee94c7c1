package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vesper-app/vesper/internal/signal"
)

// ErrInvitationHandled is returned by a second Accept or Reject.
var ErrInvitationHandled = errors.New("call: invitation already handled")

// Invitation is an inbound call announced on our invite channel.
type Invitation struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"callerId"`
	CallerName   string    `json:"callerName,omitempty"`
	CallerAvatar string    `json:"callerAvatar,omitempty"`
	Kind         string    `json:"kind"`
	Channel      string    `json:"channel"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Incoming is a pending invitation with its two actions. Exactly one of
// Accept or Reject takes effect.
type Incoming struct {
	Invitation

	p       *Presenter
	handled atomic.Bool
	expiry  *clock.Timer
}

// Accept starts a private session with the caller. It skips Ringing.
func (in *Incoming) Accept(ctx context.Context) (*Session, error) {
	return in.accept(ctx, in.p.currentDeps(), in.p.base)
}

func (in *Incoming) accept(ctx context.Context, deps Deps, base Options) (*Session, error) {
	if !in.claim() {
		return nil, ErrInvitationHandled
	}
	opts := base
	opts.LocalID = in.p.localID
	opts.Mode = Private
	opts.Kind = ParseKind(in.Kind)
	opts.Remote = in.CallerID
	opts.RemoteName = in.CallerName
	opts.GroupID = ""
	opts.Incoming = true
	log.Infof("CALL: accepting %s from %s", in.ID, short(in.CallerID))
	return Start(ctx, deps, opts)
}

// Reject tells the caller we decline. No media is touched and no session
// is created.
func (in *Incoming) Reject(ctx context.Context) error {
	if !in.claim() {
		return ErrInvitationHandled
	}
	sig := signal.NewSignaler(in.p.currentDeps().Transport, in.p.localID)
	if err := sig.Open(ctx, in.Channel); err != nil {
		return err
	}
	defer sig.Close()
	log.Infof("CALL: rejecting %s from %s", in.ID, short(in.CallerID))
	return sig.Send(ctx, signal.Message{Kind: signal.KindEnd, To: in.CallerID})
}

func (in *Incoming) claim() bool {
	if !in.handled.CompareAndSwap(false, true) {
		return false
	}
	in.p.forget(in.ID)
	return true
}

// Presenter listens on the local user's invite channel and surfaces
// invitations. It holds no call state of its own.
type Presenter struct {
	depsMu  sync.RWMutex
	deps    Deps
	localID string
	base    Options
	sig     *signal.Signaler

	mu          sync.Mutex
	pending     map[string]*Incoming
	onIncoming  func(*Incoming)
	onDismissed func(inviteID string)
}

// NewPresenter returns a presenter for base.LocalID. base supplies the
// identity and callbacks of sessions created by Accept.
func NewPresenter(deps Deps, base Options) *Presenter {
	return &Presenter{
		deps:    deps.withDefaults(),
		localID: base.LocalID,
		base:    base,
		pending: make(map[string]*Incoming),
	}
}

// SetDeps replaces the deps used by later Accept and Reject calls and by
// the expiry of invitations that arrive afterwards.
func (p *Presenter) SetDeps(deps Deps) {
	p.depsMu.Lock()
	p.deps = deps.withDefaults()
	p.depsMu.Unlock()
}

func (p *Presenter) currentDeps() Deps {
	p.depsMu.RLock()
	defer p.depsMu.RUnlock()
	return p.deps
}

// OnIncoming sets the handler for new invitations. Set it before Open.
func (p *Presenter) OnIncoming(fn func(*Incoming)) {
	p.mu.Lock()
	p.onIncoming = fn
	p.mu.Unlock()
}

// OnDismissed sets the handler for invitations withdrawn by the caller or
// expired.
func (p *Presenter) OnDismissed(fn func(inviteID string)) {
	p.mu.Lock()
	p.onDismissed = fn
	p.mu.Unlock()
}

// Open subscribes to the invite channel.
func (p *Presenter) Open(ctx context.Context) error {
	if p.localID == "" {
		return errors.New("call: presenter needs a local id")
	}
	deps := p.currentDeps()
	sig := signal.NewSignaler(deps.Transport, p.localID, signal.WithPollInterval(deps.PollInterval))
	sig.OnMessage(p.handle)
	if err := sig.Open(ctx, signal.InviteChannel(p.localID)); err != nil {
		return fmt.Errorf("call: open invite channel: %w", err)
	}
	p.sig = sig
	return nil
}

// Close stops listening and drops every pending invitation.
func (p *Presenter) Close() error {
	var err error
	if p.sig != nil {
		err = p.sig.Close()
	}
	p.mu.Lock()
	for id, in := range p.pending {
		stopTimer(in.expiry)
		delete(p.pending, id)
	}
	p.mu.Unlock()
	return err
}

// Pending returns the invitations awaiting an answer, oldest first.
func (p *Presenter) Pending() []*Incoming {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Incoming, 0, len(p.pending))
	for _, in := range p.pending {
		out = append(out, in)
	}
	sortIncoming(out)
	return out
}

// Get returns the pending invitation with id.
func (p *Presenter) Get(id string) (*Incoming, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.pending[id]
	return in, ok
}

func (p *Presenter) handle(m signal.Message) {
	switch m.Kind {
	case signal.KindRing:
		p.ring(m)
	case signal.KindCancel:
		p.cancel(m.From, m.Channel)
	}
}

func (p *Presenter) ring(m signal.Message) {
	if m.Channel != signal.PrivateChannel(m.From, p.localID) {
		log.Debugf("CALL: ring from %s names a foreign channel, ignoring", short(m.From))
		return
	}

	deps := p.currentDeps()
	p.mu.Lock()
	for _, in := range p.pending {
		if in.CallerID == m.From && in.Channel == m.Channel {
			p.mu.Unlock()
			return
		}
	}
	in := &Incoming{
		Invitation: Invitation{
			ID:           m.ID,
			CallerID:     m.From,
			CallerName:   m.Name,
			CallerAvatar: m.Avatar,
			Kind:         ParseKind(m.CallKind).String(),
			Channel:      m.Channel,
			ReceivedAt:   deps.Clock.Now(),
		},
		p: p,
	}
	p.pending[in.ID] = in
	in.expiry = deps.Clock.AfterFunc(deps.RingTimeout, func() { p.expire(in.ID) })
	fn := p.onIncoming
	p.mu.Unlock()

	log.Infof("CALL: incoming %s call from %s", in.Kind, short(in.CallerID))
	if fn != nil {
		fn(in)
	}
}

func (p *Presenter) cancel(callerID, channel string) {
	p.mu.Lock()
	var hit *Incoming
	for _, in := range p.pending {
		if in.CallerID == callerID && in.Channel == channel {
			hit = in
			break
		}
	}
	p.mu.Unlock()
	if hit == nil || !hit.handled.CompareAndSwap(false, true) {
		return
	}
	p.dismiss(hit.ID)
}

func (p *Presenter) expire(id string) {
	p.mu.Lock()
	in := p.pending[id]
	p.mu.Unlock()
	if in == nil || !in.handled.CompareAndSwap(false, true) {
		return
	}
	p.dismiss(id)
}

func (p *Presenter) dismiss(id string) {
	p.forget(id)
	p.mu.Lock()
	fn := p.onDismissed
	p.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (p *Presenter) forget(id string) {
	p.mu.Lock()
	if in, ok := p.pending[id]; ok {
		stopTimer(in.expiry)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

func sortIncoming(in []*Incoming) {
	sort.Slice(in, func(i, j int) bool { return in[i].ReceivedAt.Before(in[j].ReceivedAt) })
}
