package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Relay wire operations.
const (
	OpSub   = "sub"
	OpUnsub = "unsub"
	OpPub   = "pub"
	OpMsg   = "msg" // relay → client delivery
)

// Frame is one websocket frame exchanged with the relay.
type Frame struct {
	Op      string          `json:"op"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WSTransport is a Transport backed by a websocket connection to a relay.
// The connection is re-established with exponential backoff and every live
// channel subscription is replayed after a reconnect.
type WSTransport struct {
	url string

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan Frame
	closed chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.RWMutex
	subs   map[string]map[*wsSub]struct{}

	reconnectDelay time.Duration
	maxDelay       time.Duration
}

// DialRelay connects to the relay at rawURL, authenticating with token.
func DialRelay(ctx context.Context, rawURL, token string) (*WSTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %v", ErrTransport, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		url:            u.String(),
		ctx:            runCtx,
		cancel:         cancel,
		sendCh:         make(chan Frame, 64),
		closed:         make(chan struct{}),
		subs:           make(map[string]map[*wsSub]struct{}),
		reconnectDelay: time.Second,
		maxDelay:       30 * time.Second,
	}
	if err := t.connect(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	go t.runLoop()
	return t, nil
}

func (t *WSTransport) connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Replay subscriptions before any queued publish goes out.
	t.subsMu.RLock()
	for ch := range t.subs {
		if err := conn.WriteJSON(Frame{Op: OpSub, Channel: ch}); err != nil {
			t.subsMu.RUnlock()
			conn.Close()
			return fmt.Errorf("resubscribe %s: %w", ch, err)
		}
	}
	t.subsMu.RUnlock()

	t.conn = conn
	t.reconnectDelay = time.Second
	log.Infof("relay: connected to %s", redactToken(t.url))
	return nil
}

func (t *WSTransport) disconnect() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		log.Infof("relay: disconnected")
	}
}

func (t *WSTransport) runLoop() {
	defer close(t.closed)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if err := t.connect(t.ctx); err != nil {
			log.Warnf("relay: connection failed, retrying in %v: %v", t.reconnectDelay, err)
			select {
			case <-time.After(t.reconnectDelay):
				t.reconnectDelay = min(t.reconnectDelay*2, t.maxDelay)
				continue
			case <-t.ctx.Done():
				return
			}
		}

		errCh := make(chan error, 2)
		stop := make(chan struct{})
		go t.readLoop(errCh)
		go t.writeLoop(errCh, stop)

		select {
		case err := <-errCh:
			log.Warnf("relay: connection error: %v", err)
			close(stop)
			t.disconnect()
		case <-t.ctx.Done():
			close(stop)
			t.disconnect()
			return
		}
	}
}

func (t *WSTransport) readLoop(errCh chan<- error) {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		errCh <- errors.New("no connection")
		return
	}
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			errCh <- fmt.Errorf("read failed: %w", err)
			return
		}
		if f.Op != OpMsg {
			continue
		}
		t.dispatch(f.Channel, f.Data)
	}
}

func (t *WSTransport) writeLoop(errCh chan<- error, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		errCh <- errors.New("no connection")
		return
	}
	for {
		select {
		case <-stop:
			return
		case f := <-t.sendCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(f); err != nil {
				errCh <- fmt.Errorf("write failed: %w", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("ping failed: %w", err)
				return
			}
		}
	}
}

func (t *WSTransport) dispatch(channel string, data []byte) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()
	for s := range t.subs[channel] {
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case s.ch <- cp:
		default:
			log.Warnf("relay: subscriber buffer full on %s, dropping message", channel)
		}
	}
}

func (t *WSTransport) enqueue(ctx context.Context, f Frame) error {
	select {
	case t.sendCh <- f:
		return nil
	case <-t.ctx.Done():
		return fmt.Errorf("%w: relay transport closed", ErrTransport)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	default:
		return fmt.Errorf("%w: relay send queue full", ErrTransport)
	}
}

// Publish queues data for the relay. Payloads must be JSON.
func (t *WSTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("signal: relay payload is not JSON")
	}
	return t.enqueue(ctx, Frame{Op: OpPub, Channel: channel, Data: data})
}

// Subscribe registers a subscription and asks the relay for the channel on
// the first subscription to it.
func (t *WSTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &wsSub{t: t, channel: channel, ch: make(chan []byte, 256)}
	t.subsMu.Lock()
	set, ok := t.subs[channel]
	if !ok {
		set = make(map[*wsSub]struct{})
		t.subs[channel] = set
	}
	set[s] = struct{}{}
	t.subsMu.Unlock()

	if !ok {
		if err := t.enqueue(ctx, Frame{Op: OpSub, Channel: channel}); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close stops the connection loop.
func (t *WSTransport) Close() error {
	t.cancel()
	t.disconnect()
	select {
	case <-t.closed:
	case <-time.After(2 * time.Second):
		log.Warnf("relay: close timed out, forcing shutdown")
	}
	return nil
}

type wsSub struct {
	t       *WSTransport
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *wsSub) Messages() <-chan []byte { return s.ch }

func (s *wsSub) Close() error {
	s.once.Do(func() {
		t := s.t
		t.subsMu.Lock()
		last := false
		if set, ok := t.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(t.subs, s.channel)
				last = true
			}
		}
		close(s.ch)
		t.subsMu.Unlock()
		if last {
			_ = t.enqueue(context.Background(), Frame{Op: OpUnsub, Channel: s.channel})
		}
	})
	return nil
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
