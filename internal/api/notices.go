package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vesper-app/vesper/internal/call"
	"github.com/vesper-app/vesper/internal/util"
)

// Notice is one line of the user-facing call feed.
type Notice struct {
	Seq       uint64    `json:"seq"`
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"` // incoming | dismissed | ended
	SessionID string    `json:"sessionId,omitempty"`
	InviteID  string    `json:"inviteId,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Msg       string    `json:"msg"`
}

// NoticeBuffer keeps the last notices in memory and fans new ones out to
// stream subscribers. As a call.Recorder it notes every ended call before
// handing the record on to next.
type NoticeBuffer struct {
	mu      sync.Mutex
	entries *util.Backlog[Notice]
	subs    map[chan Notice]struct{}

	next call.Recorder
	now  func() time.Time
}

var _ call.Recorder = (*NoticeBuffer)(nil)

// NewNoticeBuffer returns a buffer of max entries. next may be nil.
func NewNoticeBuffer(max int, next call.Recorder) *NoticeBuffer {
	if max <= 0 {
		max = 200
	}
	return &NoticeBuffer{
		entries: util.NewBacklog[Notice](max),
		subs:    make(map[chan Notice]struct{}),
		next:    next,
		now:     time.Now,
	}
}

func (b *NoticeBuffer) Add(n Notice) {
	if n.TS.IsZero() {
		n.TS = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n.Seq = b.entries.Push(n)
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			// drop on slow subscriber
		}
	}
}

// Record implements call.Recorder.
func (b *NoticeBuffer) Record(ctx context.Context, r call.Record) error {
	msg := fmt.Sprintf("%s %s call ended: %s", r.Direction, r.Kind, r.Reason)
	if r.Duration > 0 {
		msg += fmt.Sprintf(" after %s", r.Duration.Round(time.Second))
	}
	b.Add(Notice{TS: r.EndedAt, Type: "ended", SessionID: r.ID, Peer: r.Peer, Msg: msg})
	if b.next == nil {
		return nil
	}
	return b.next.Record(ctx, r)
}

// Incoming notes an invitation event from the manager.
func (b *NoticeBuffer) Incoming(ev call.IncomingEvent) {
	in := ev.Invitation
	n := Notice{Type: ev.Type, InviteID: in.ID, Peer: in.CallerID}
	switch ev.Type {
	case "incoming":
		who := in.CallerName
		if who == "" {
			who = in.CallerID
		}
		n.Msg = fmt.Sprintf("incoming %s call from %s", in.Kind, who)
		n.TS = in.ReceivedAt
	default:
		n.Msg = "invitation dismissed"
	}
	b.Add(n)
}

// Since returns the kept notices newer than seq. Since(0) is everything.
func (b *NoticeBuffer) Since(seq uint64) []Notice {
	entries := b.entries.Since(seq)
	out := make([]Notice, len(entries))
	for i, e := range entries {
		out[i] = e.Value
		out[i].Seq = e.Seq
	}
	return out
}

func (b *NoticeBuffer) Subscribe() (ch chan Notice, cancel func()) {
	ch = make(chan Notice, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/call/notices[?since=<seq>]
func (b *NoticeBuffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a notice sequence number")
			return
		}
		since = n
	}
	writeJSON(w, b.Since(since))
}

// GET /api/call/notices/stream (Server-Sent Events), tail only
func (b *NoticeBuffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)

	ch, cancel := b.Subscribe()
	defer cancel()

	_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSE(w, "notice", n)
			flusher.Flush()
		}
	}
}
