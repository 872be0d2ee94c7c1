package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/vesper-app/vesper/internal/proto"
	"github.com/vesper-app/vesper/internal/signal"
	"github.com/vesper-app/vesper/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems: dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

// Options configure a Node.
type Options struct {
	// ListenAddrs are multiaddrs, e.g. /ip4/0.0.0.0/tcp/4001.
	ListenAddrs []string
	// KeyFile holds the persistent host identity; created on first run.
	KeyFile string
	// MdnsTag overrides proto.MdnsTag. Peers only find each other on the
	// same tag.
	MdnsTag string
	// NoMdns disables LAN discovery; peers are then added with Connect.
	NoMdns bool
}

// Node is a libp2p host that carries signaling channels as GossipSub
// topics. It implements signal.Transport.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu     sync.Mutex
	topics map[string]*topicRef
	closed bool
}

type topicRef struct {
	topic *pubsub.Topic
	refs  int
}

var _ signal.Transport = (*Node)(nil)

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID.ShortString(), err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts the host, LAN discovery and the gossip router.
func New(ctx context.Context, opts Options) (*Node, error) {
	var libopts []libp2p.Option

	if opts.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(opts.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("generated new identity key: %s", opts.KeyFile)
		} else {
			log.Infof("loaded identity key: %s", opts.KeyFile)
		}
		libopts = append(libopts, libp2p.Identity(priv))
	}

	listen := opts.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	addrs := make([]ma.Multiaddr, 0, len(listen))
	for _, s := range listen {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	libopts = append(libopts, libp2p.ListenAddrs(addrs...))

	h, err := libp2p.New(libopts...)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, topics: make(map[string]*topicRef)}

	if !opts.NoMdns {
		tag := opts.MdnsTag
		if tag == "" {
			tag = proto.MdnsTag
		}
		n.mdns = mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		n.shutdown()
		return nil, err
	}
	n.ps = ps

	log.Infof("node %s listening on %v", h.ID().ShortString(), h.Addrs())
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the full dialable addresses of the host, /p2p suffix
// included.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	full, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

// Connect dials a peer given one of its full multiaddrs.
func (n *Node) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return err
	}
	return n.Host.Connect(ctx, *info)
}

// join returns the topic for channel, holding a reference on it.
func (n *Node) join(channel string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, signal.ErrTransport
	}
	if ref, ok := n.topics[channel]; ok {
		ref.refs++
		return ref.topic, nil
	}
	t, err := n.ps.Join(proto.Topic(channel))
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", signal.ErrTransport, channel, err)
	}
	n.topics[channel] = &topicRef{topic: t, refs: 1}
	return t, nil
}

func (n *Node) leave(channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.topics[channel]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	// Close fails while a cancelled subscription is still draining; the
	// topic then stays joined and is reused by the next join.
	if err := ref.topic.Close(); err != nil {
		log.Debugf("close topic %s: %v", channel, err)
		return
	}
	delete(n.topics, channel)
}

// Publish implements signal.Transport. Publishing to a channel nobody here
// subscribes to joins the topic for the duration of the call.
func (n *Node) Publish(ctx context.Context, channel string, data []byte) error {
	t, err := n.join(channel)
	if err != nil {
		return err
	}
	defer n.leave(channel)
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", signal.ErrTransport, channel, err)
	}
	return nil
}

// Subscribe implements signal.Transport. Our own messages are not echoed.
func (n *Node) Subscribe(ctx context.Context, channel string) (signal.Subscription, error) {
	t, err := n.join(channel)
	if err != nil {
		return nil, err
	}
	ps, err := t.Subscribe()
	if err != nil {
		n.leave(channel)
		return nil, fmt.Errorf("%w: subscribe %s: %v", signal.ErrTransport, channel, err)
	}
	s := &subscription{
		node:    n,
		channel: channel,
		sub:     ps,
		ch:      make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go s.pump()
	log.Debugf("subscribed %s", channel)
	return s, nil
}

// Close leaves every topic and shuts the host down.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.shutdown()
}

func (n *Node) shutdown() error {
	var errs []error
	if n.mdns != nil {
		errs = append(errs, n.mdns.Close())
	}
	errs = append(errs, n.Host.Close())
	return errors.Join(errs...)
}

type subscription struct {
	node    *Node
	channel string
	sub     *pubsub.Subscription
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) pump() {
	defer close(s.ch)
	self := s.node.Host.ID()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		select {
		case s.ch <- m.Data:
		default:
			log.Warnf("subscriber buffer full on %s, dropping message", s.channel)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sub.Cancel()
		s.node.leave(s.channel)
	})
	return nil
}
