package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vesper-app/vesper/internal/proto"
)

var log = logging.Logger("signal")

const (
	defaultSendAttempts = 3
	defaultRetryBackoff = 50 * time.Millisecond
	seenCacheSize       = 1024

	// replaySkew is how far before Open a polled message may be stamped and
	// still count as part of this conversation.
	replaySkew = 2 * time.Second
)

// Option configures a Signaler.
type Option func(*Signaler)

// WithPollInterval enables the polling fallback when the transport
// implements Poller. Zero disables it.
func WithPollInterval(d time.Duration) Option {
	return func(s *Signaler) { s.pollInterval = d }
}

// WithRetry overrides the send retry policy.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Signaler) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// Signaler is a call-scoped client of a Transport. It stamps outbound
// messages with the local identity and filters inbound traffic down to the
// messages this endpoint must act on: not its own, addressed to it, and not
// seen before.
type Signaler struct {
	t       Transport
	localID string

	attempts     int
	backoff      time.Duration
	pollInterval time.Duration

	seen *lru.Cache[string, struct{}]

	mu       sync.Mutex
	channel  string
	openedAt int64 // unix millis
	handler  func(Message)
	sub     Subscription
	cancel  context.CancelFunc
	open    bool
	closed  bool
	wg      sync.WaitGroup
}

// NewSignaler returns a Signaler for localID over t.
func NewSignaler(t Transport, localID string, opts ...Option) *Signaler {
	seen, _ := lru.New[string, struct{}](seenCacheSize) // only fails for size <= 0
	s := &Signaler{
		t:        t,
		localID:  localID,
		attempts: defaultSendAttempts,
		backoff:  defaultRetryBackoff,
		seen:     seen,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnMessage sets the inbound handler. It must be called before Open. The
// handler is invoked from the Signaler's reader goroutines; callers that
// need serialization post the message onto their own queue.
func (s *Signaler) OnMessage(fn func(Message)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Channel returns the channel passed to Open.
func (s *Signaler) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Open subscribes to channel and starts delivering inbound messages.
func (s *Signaler) Open(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open || s.closed {
		return fmt.Errorf("signal: signaler already opened")
	}

	sub, err := s.t.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.channel = channel
	s.openedAt = proto.NowMillis()
	s.sub = sub
	s.cancel = cancel
	s.open = true

	s.wg.Add(1)
	go s.readLoop(runCtx, sub)

	if p, ok := s.t.(Poller); ok && s.pollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop(runCtx, p, channel, s.openedAt-replaySkew.Milliseconds())
	}
	log.Debugf("signaler %s: opened %s", short(s.localID), channel)
	return nil
}

// Send publishes m on the open channel. From, ID and TS are filled in.
// Transport errors are retried with exponential backoff before an error
// wrapping ErrTransport is returned.
func (s *Signaler) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	channel, open := s.channel, s.open && !s.closed
	s.mu.Unlock()
	if !open {
		return fmt.Errorf("%w: signaler not open", ErrTransport)
	}
	return s.publish(ctx, channel, m)
}

// SendOn publishes m on an arbitrary channel without subscribing to it.
// Used for invitations, which travel on the callee's channel.
func (s *Signaler) SendOn(ctx context.Context, channel string, m Message) error {
	return s.publish(ctx, channel, m)
}

func (s *Signaler) publish(ctx context.Context, channel string, m Message) error {
	m.From = s.localID
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TS == 0 {
		m.TS = proto.NowMillis()
	}
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("signal: encode %s: %w", m.Kind, err)
	}
	// Our own id goes into the seen set so an echoing transport cannot
	// replay it to us through the poller either.
	s.seen.Add(m.ID, struct{}{})

	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		err = s.t.Publish(ctx, channel, data)
		if err == nil {
			return nil
		}
		if attempt >= s.attempts {
			break
		}
		log.Debugf("signaler %s: publish %s attempt %d failed: %v", short(s.localID), m.Kind, attempt, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: publish %s: %v", ErrTransport, m.Kind, err)
}

// Close stops delivery and releases the subscription. Idempotent.
func (s *Signaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub, cancel := s.sub, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Signaler) readLoop(ctx context.Context, sub Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Messages():
			if !ok {
				return
			}
			s.deliver(data)
		}
	}
}

// pollLoop re-reads the channel's replay log. Channel names repeat across
// calls between the same users, so anything stamped before notBefore
// belongs to an earlier conversation and is skipped.
func (s *Signaler) pollLoop(ctx context.Context, p Poller, channel string, notBefore int64) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := p.Recent(ctx, channel)
			if err != nil {
				if ctx.Err() == nil {
					log.Debugf("signaler %s: poll %s: %v", short(s.localID), channel, err)
				}
				continue
			}
			for _, data := range batch {
				s.deliverIf(data, func(m Message) bool { return m.TS >= notBefore })
			}
		}
	}
}

// deliver applies the inbound filter and hands the message to the handler.
func (s *Signaler) deliver(data []byte) { s.deliverIf(data, nil) }

func (s *Signaler) deliverIf(data []byte, keep func(Message) bool) {
	m, err := Decode(data)
	if err != nil {
		log.Debugf("signaler %s: %v", short(s.localID), err)
		return
	}
	if m.From == s.localID || !m.AddressedTo(s.localID) {
		return
	}
	if keep != nil && !keep(m) {
		log.Debugf("signaler %s: skipping stale %s from %s", short(s.localID), m.Kind, short(m.From))
		return
	}
	if m.ID != "" {
		if seen, _ := s.seen.ContainsOrAdd(m.ID, struct{}{}); seen {
			return
		}
	}

	s.mu.Lock()
	fn, closed := s.handler, s.closed
	s.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn(m)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
