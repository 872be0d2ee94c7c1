package signal

import (
	"context"
	"errors"
	"sync"
)

// ErrTransport marks failures of the underlying broadcast medium. A
// subscribe failure at session start is fatal; send failures are retried
// before this is surfaced.
var ErrTransport = errors.New("signal: transport failure")

// Transport is a publish/subscribe medium keyed by channel name. Delivery is
// best effort and unordered across senders. Implementations may echo a
// publisher's own messages back to it; the Signaler drops those.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one live subscription to a channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Poller is implemented by transports that can re-read recent traffic of a
// channel. The Signaler uses it as a degraded-mode second input.
type Poller interface {
	Recent(ctx context.Context, channel string) ([][]byte, error)
}

// Hub is an in-process Transport. Every Subscribe on the same Hub shares
// one namespace, so several endpoints in one process can talk to each other.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSub]struct{}
	closed bool

	// Drop, if set, is consulted for every delivery; returning true loses
	// the message for that subscriber. Used to model an unreliable medium.
	Drop func(channel string, data []byte) bool
}

// NewHub returns an empty in-process hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

type hubSub struct {
	hub     *Hub
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *hubSub) Messages() <-chan []byte { return s.ch }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.channel)
			}
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
	return nil
}

// Publish delivers data to every current subscriber of channel. A full
// subscriber buffer drops the message for that subscriber only.
func (h *Hub) Publish(_ context.Context, channel string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrTransport
	}
	for s := range h.subs[channel] {
		if h.Drop != nil && h.Drop(channel, data) {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case s.ch <- cp:
		default:
			log.Warnf("hub: subscriber buffer full on %s, dropping message", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscription on channel.
func (h *Hub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTransport
	}
	s := &hubSub{hub: h, channel: channel, ch: make(chan []byte, 256)}
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close rejects further publishes and subscribes. Existing subscriptions are
// closed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*hubSub
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}
