package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-app/vesper/internal/media"
	"github.com/vesper-app/vesper/internal/signal"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *memRecorder) Record(_ context.Context, rec Record) error {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.recs...)
}

func (h *harness) manager(id string) (*Manager, *memRecorder) {
	h.t.Helper()
	rec := &memRecorder{}
	m := NewManager(h.deps(&pcFactory{}), Identity{ID: id, Name: id}, rec)
	require.NoError(h.t, m.Open(context.Background()))
	h.t.Cleanup(m.Close)
	return m, rec
}

func nextEvent(t *testing.T, ch <-chan IncomingEvent) IncomingEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming event")
		return IncomingEvent{}
	}
}

func TestManagerCallLifecycle(t *testing.T) {
	h := newHarness(t)
	alice, recA := h.manager("alice")
	bob, recB := h.manager("bob")
	events, unsub := bob.SubscribeIncoming()
	defer unsub()

	sa, err := alice.StartPrivate(context.Background(), "bob", "Bob", Video)
	require.NoError(t, err)
	got, ok := alice.GetSession(sa.ID())
	require.True(t, ok)
	assert.Same(t, sa, got)

	ev := nextEvent(t, events)
	assert.Equal(t, "incoming", ev.Type)
	assert.Equal(t, "alice", ev.Invitation.CallerID)
	require.Len(t, bob.Pending(), 1)

	sb, err := bob.Accept(context.Background(), ev.Invitation.ID)
	require.NoError(t, err)
	assert.Len(t, bob.AllSessions(), 1)
	assert.Empty(t, bob.Pending())

	_, err = bob.Accept(context.Background(), ev.Invitation.ID)
	assert.ErrorIs(t, err, ErrUnknownInvitation)

	sa.End()
	<-sb.Done()
	assert.Equal(t, RemoteEnded, sb.Reason())

	eventually(t, func() bool { return len(recA.all()) == 1 && len(recB.all()) == 1 }, "both calls recorded")
	assert.Equal(t, "local-hangup", recA.all()[0].Reason)
	assert.Equal(t, "outbound", recA.all()[0].Direction)
	assert.Equal(t, "remote-ended", recB.all()[0].Reason)
	assert.Equal(t, "inbound", recB.all()[0].Direction)

	eventually(t, func() bool { return len(alice.AllSessions()) == 0 && len(bob.AllSessions()) == 0 }, "sessions untracked")
	_, ok = alice.GetSession(sa.ID())
	assert.False(t, ok)
}

func TestManagerRejectAndDismiss(t *testing.T) {
	h := newHarness(t)
	alice, recA := h.manager("alice")
	bob, _ := h.manager("bob")
	events, unsub := bob.SubscribeIncoming()
	defer unsub()

	sa, err := alice.StartPrivate(context.Background(), "bob", "", Audio)
	require.NoError(t, err)
	ev := nextEvent(t, events)
	require.NoError(t, bob.Reject(context.Background(), ev.Invitation.ID))
	<-sa.Done()
	assert.Equal(t, RemoteRejected, sa.Reason())
	eventually(t, func() bool { return len(recA.all()) == 1 }, "recorded")
	assert.Equal(t, "remote-rejected", recA.all()[0].Reason)
	assert.ErrorIs(t, bob.Reject(context.Background(), ev.Invitation.ID), ErrUnknownInvitation)

	sa2, err := alice.StartPrivate(context.Background(), "bob", "", Audio)
	require.NoError(t, err)
	ev = nextEvent(t, events)
	sa2.End()
	dismissed := nextEvent(t, events)
	assert.Equal(t, "dismissed", dismissed.Type)
	assert.Equal(t, ev.Invitation.ID, dismissed.Invitation.ID)
}

func TestManagerStartFailureIsNotTracked(t *testing.T) {
	h := newHarness(t)
	h.capt.Err = errors.New("no devices")
	alice, rec := h.manager("alice")

	_, err := alice.StartGroup(context.Background(), "team", Audio)
	assert.ErrorIs(t, err, media.ErrMediaUnavailable)
	assert.Empty(t, alice.AllSessions())
	assert.Empty(t, rec.all())
}

func TestManagerCloseDisposesSessions(t *testing.T) {
	h := newHarness(t)
	alice, rec := h.manager("alice")
	events, _ := alice.SubscribeIncoming()

	s1, err := alice.StartGroup(context.Background(), "team", Audio)
	require.NoError(t, err)
	h.clock.Add(time.Second)
	s2, err := alice.StartGroup(context.Background(), "other", Audio)
	require.NoError(t, err)
	assert.Equal(t, []*Session{s1, s2}, alice.AllSessions())

	alice.Close()
	assert.Equal(t, Disposed, s1.Reason())
	assert.Equal(t, Disposed, s2.Reason())
	_, open := <-events
	assert.False(t, open)
	eventually(t, func() bool { return len(rec.all()) == 2 }, "disposed calls recorded")
}

func TestManagerUpdateDeps(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.manager("alice")
	f := &pcFactory{}
	alice.UpdateDeps(func(d *Deps) { d.NewPeerConnection = f.New })

	s, err := alice.StartGroup(context.Background(), "team", Audio)
	require.NoError(t, err)
	assert.Equal(t, 0, f.count())
	bob := h.remote("bob", s.Channel())
	bob.send(signal.Message{Kind: signal.KindJoin})
	eventually(t, func() bool { return f.count() == 1 }, "new factory used")

	// Accepted invitations pick up the swap too.
	carol, _ := h.manager("carol")
	events, unsub := carol.SubscribeIncoming()
	defer unsub()
	fc := &pcFactory{}
	carol.UpdateDeps(func(d *Deps) { d.NewPeerConnection = fc.New })

	_, err = alice.StartPrivate(context.Background(), "carol", "Carol", Audio)
	require.NoError(t, err)
	ev := nextEvent(t, events)
	sc, err := carol.Accept(context.Background(), ev.Invitation.ID)
	require.NoError(t, err)
	eventually(t, func() bool { return fc.count() == 1 }, "accepted call uses the new factory")
	assert.Equal(t, 1, linkCount(sc))
}
