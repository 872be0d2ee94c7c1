package p2p

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-app/vesper/internal/signal"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "data", "identity.key")

	k1, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, created)

	k2, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, k1.Equals(k2))
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(context.Background(), Options{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		NoMdns:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestGossipCarriesSignaling(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	ctx := context.Background()
	a := newTestNode(t)
	b := newTestNode(t)
	require.NoError(t, b.Connect(ctx, a.Addrs()[0]))

	channel := signal.GroupChannel("team")
	subA, err := a.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer subB.Close()

	// Subscriptions propagate asynchronously; keep publishing until one
	// lands.
	var got []byte
	require.Eventually(t, func() bool {
		require.NoError(t, a.Publish(ctx, channel, []byte(`{"kind":"join","from":"a"}`)))
		select {
		case got = <-subB.Messages():
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"kind":"join","from":"a"}`, string(got))

	// The publisher never hears itself.
	select {
	case m := <-subA.Messages():
		t.Fatalf("echo delivered: %s", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTopicRefcount(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	ch := signal.InviteChannel("bob")

	s1, err := n.Subscribe(ctx, ch)
	require.NoError(t, err)
	s2, err := n.Subscribe(ctx, ch)
	require.NoError(t, err)
	n.mu.Lock()
	assert.Equal(t, 2, n.topics[ch].refs)
	n.mu.Unlock()

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	n.mu.Lock()
	assert.Equal(t, 1, n.topics[ch].refs)
	n.mu.Unlock()
	require.NoError(t, s2.Close())

	require.NoError(t, n.Close())
	_, err = n.Subscribe(ctx, ch)
	assert.ErrorIs(t, err, signal.ErrTransport)
}
