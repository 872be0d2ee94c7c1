package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesper-app/vesper/internal/call"
	"github.com/vesper-app/vesper/internal/media"
	"github.com/vesper-app/vesper/internal/signal"
	"github.com/vesper-app/vesper/internal/storage"
)

type endpoint struct {
	mgr     *call.Manager
	db      *storage.DB
	notices *NoticeBuffer
	srv     *Server
	http    *httptest.Server
}

// newEndpoint wires a manager to the hub with a frozen clock; calls can
// ring, be rejected and hang up, but never reach a peer connection.
func newEndpoint(t *testing.T, hub *signal.Hub, clk clock.Clock, id string) *endpoint {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notices := NewNoticeBuffer(16, db)
	deps := call.Deps{
		Transport: hub,
		Capturer:  media.NewStaticCapturer(),
		NewPeerConnection: func() (call.PeerConnection, error) {
			return nil, errors.New("no peer connections here")
		},
		Clock: clk,
	}
	self := call.Identity{ID: id, Name: strings.ToUpper(id[:1]) + id[1:]}
	mgr := call.NewManager(deps, self, notices)
	require.NoError(t, mgr.Open(context.Background()))

	srv := New(Options{Self: self, Manager: mgr, History: db, Notices: notices})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		mgr.Close()
	})
	return &endpoint{mgr: mgr, db: db, notices: notices, srv: srv, http: ts}
}

func (e *endpoint) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func (e *endpoint) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func pair(t *testing.T) (alice, bob *endpoint) {
	hub := signal.NewHub()
	clk := clock.NewMock()
	return newEndpoint(t, hub, clk, "alice"), newEndpoint(t, hub, clk, "bob")
}

func waitPending(t *testing.T, e *endpoint) call.Invitation {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.mgr.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return e.mgr.Pending()[0]
}

func TestSelf(t *testing.T) {
	alice, _ := pair(t)
	var self map[string]any
	require.Equal(t, http.StatusOK, alice.get(t, "/api/self", &self))
	assert.Equal(t, "alice", self["id"])
	assert.Equal(t, "Alice", self["name"])
}

func TestStartRejectAndHistory(t *testing.T) {
	alice, bob := pair(t)

	code, body := alice.post(t, "/api/call/start", map[string]string{"remote": "bob", "kind": "video"})
	require.Equal(t, http.StatusOK, code, string(body))
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "ringing", snap.State)
	assert.Equal(t, "video", snap.Kind)

	inv := waitPending(t, bob)
	var pending []call.Invitation
	require.Equal(t, http.StatusOK, bob.get(t, "/api/call/pending", &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].CallerID)

	code, body = bob.post(t, "/api/call/reject", map[string]string{"invite_id": inv.ID})
	require.Equal(t, http.StatusOK, code, string(body))
	code, _ = bob.post(t, "/api/call/reject", map[string]string{"invite_id": inv.ID})
	assert.Contains(t, []int{http.StatusNotFound, http.StatusConflict}, code)

	var history []call.Record
	require.Eventually(t, func() bool {
		history = nil
		return alice.get(t, "/api/call/history", &history) == http.StatusOK && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "remote-rejected", history[0].Reason)
	assert.Equal(t, "bob", history[0].Peer)

	var contacts []storage.Contact
	require.Eventually(t, func() bool {
		contacts = nil
		return bob.get(t, "/api/call/contacts", &contacts) == http.StatusOK && len(contacts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", contacts[0].UserID)
	assert.Equal(t, "Alice", contacts[0].Name)

	var notices []Notice
	require.Equal(t, http.StatusOK, alice.get(t, "/api/call/notices", &notices))
	require.NotEmpty(t, notices)
	assert.Equal(t, "ended", notices[len(notices)-1].Type)

	require.Equal(t, http.StatusOK, bob.get(t, "/api/call/notices", &notices))
	require.NotEmpty(t, notices)
	assert.Equal(t, "incoming", notices[0].Type)
	assert.EqualValues(t, 1, notices[0].Seq)

	// A reader that saw the first notice only gets the rest.
	var rest []Notice
	require.Equal(t, http.StatusOK, bob.get(t, "/api/call/notices?since=1", &rest))
	assert.Len(t, rest, len(notices)-1)
	for _, n := range rest {
		assert.Greater(t, n.Seq, uint64(1))
	}
	last := notices[len(notices)-1].Seq
	require.Equal(t, http.StatusOK, bob.get(t, fmt.Sprintf("/api/call/notices?since=%d", last), &rest))
	assert.Empty(t, rest)
	assert.Equal(t, http.StatusBadRequest, bob.get(t, "/api/call/notices?since=latest", nil))
}

func TestUnknownInvitation(t *testing.T) {
	alice, _ := pair(t)
	code, _ := alice.post(t, "/api/call/accept", map[string]string{"invite_id": "nope"})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = alice.post(t, "/api/call/accept", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestToggleAndHangup(t *testing.T) {
	alice, _ := pair(t)

	code, body := alice.post(t, "/api/call/start", map[string]string{"mode": "group", "group_id": "team"})
	require.Equal(t, http.StatusOK, code, string(body))
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))

	var list struct {
		Count    int             `json:"session_count"`
		Sessions []call.Snapshot `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, alice.get(t, "/api/call/sessions", &list))
	assert.Equal(t, 1, list.Count)

	code, body = alice.post(t, "/api/call/audio", map[string]any{"session_id": snap.ID, "enabled": false})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"muted":true}`, string(body))

	code, body = alice.post(t, "/api/call/video", map[string]any{"session_id": snap.ID, "enabled": true})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"video_off":false}`, string(body))

	code, _ = alice.post(t, "/api/call/audio", map[string]any{"session_id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = alice.post(t, "/api/call/hangup", map[string]string{"session_id": snap.ID})
	require.Equal(t, http.StatusOK, code, string(body))
	var rec call.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "local-hangup", rec.Reason)
	assert.Equal(t, "group", rec.Mode)

	require.Eventually(t, func() bool {
		return alice.get(t, "/api/call/sessions", &list) == http.StatusOK && list.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBadRequests(t *testing.T) {
	alice, _ := pair(t)

	code, _ := alice.post(t, "/api/call/start", map[string]string{"mode": "private"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = alice.post(t, "/api/call/start", map[string]string{"mode": "group"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = alice.post(t, "/api/call/start", map[string]string{"mode": "broadcast"})
	assert.Equal(t, http.StatusBadRequest, code)

	resp, err := http.Post(alice.http.URL+"/api/call/start", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusMethodNotAllowed, alice.get(t, "/api/call/start", nil))
	assert.Equal(t, http.StatusBadRequest, alice.get(t, "/api/call/history?limit=-1", nil))
	assert.Equal(t, http.StatusNotFound, alice.get(t, "/api/call/session/missing/events", nil))
}

// sseReader yields "event" names from a text/event-stream response.
func sseReader(t *testing.T, url string) (<-chan string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()
	return events, func() {
		cancel()
		resp.Body.Close()
	}
}

func nextSSE(t *testing.T, events <-chan string) string {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no server-sent event")
		return ""
	}
}

func TestIncomingEventStream(t *testing.T) {
	alice, bob := pair(t)
	events, stop := sseReader(t, bob.http.URL+"/api/call/events")
	defer stop()
	assert.Equal(t, "connected", nextSSE(t, events))

	code, body := alice.post(t, "/api/call/start", map[string]string{"remote": "bob"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "call", nextSSE(t, events))
}

func TestSessionEventStream(t *testing.T) {
	alice, _ := pair(t)
	code, body := alice.post(t, "/api/call/start", map[string]string{"mode": "group", "group_id": "team"})
	require.Equal(t, http.StatusOK, code, string(body))
	var snap call.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))

	events, stop := sseReader(t, alice.http.URL+"/api/call/session/"+snap.ID+"/events")
	defer stop()
	assert.Equal(t, "connected", nextSSE(t, events))

	code, _ = alice.post(t, "/api/call/hangup", map[string]string{"session_id": snap.ID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ended", nextSSE(t, events))
}

func TestNoticeBufferFansOut(t *testing.T) {
	b := NewNoticeBuffer(2, nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Record(context.Background(), call.Record{ID: string(rune('a' + i)), Reason: "local-hangup", Duration: time.Minute}))
	}
	snap := b.Since(0)
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].SessionID)
	assert.EqualValues(t, 2, snap[0].Seq)
	assert.Contains(t, snap[1].Msg, "after 1m0s")

	for i := 0; i < 3; i++ {
		n := <-ch
		assert.Equal(t, "ended", n.Type)
		assert.EqualValues(t, i+1, n.Seq)
	}
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestLocalOnlyAndNoCache(t *testing.T) {
	alice, _ := pair(t)
	h := alice.srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/self", nil)
	req.RemoteAddr = "192.0.2.7:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.RemoteAddr = "127.0.0.1:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}
