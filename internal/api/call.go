package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/vesper-app/vesper/internal/call"
)

// RegisterCall registers the call control endpoints. hist may be nil, in
// which case history and contacts are empty.
func RegisterCall(mux *http.ServeMux, callMgr *call.Manager, hist History) {
	// GET /api/call/sessions: live sessions, oldest first.
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := callMgr.AllSessions()
		out := make([]call.Snapshot, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, s.Snapshot())
		}
		writeJSON(w, map[string]any{
			"session_count": len(out),
			"sessions":      out,
		})
	})

	// GET /api/call/pending: invitations waiting for an answer.
	handleGet(mux, "/api/call/pending", func(w http.ResponseWriter, r *http.Request) {
		pending := callMgr.Pending()
		if pending == nil {
			pending = []call.Invitation{}
		}
		writeJSON(w, pending)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Mode       string `json:"mode"`
		Remote     string `json:"remote"`
		RemoteName string `json:"remote_name"`
		GroupID    string `json:"group_id"`
		Kind       string `json:"kind"`
	}) {
		kind := call.ParseKind(req.Kind)
		var (
			sess *call.Session
			err  error
		)
		switch req.Mode {
		case "", "private":
			if req.Remote == "" {
				writeError(w, http.StatusBadRequest, "missing remote")
				return
			}
			sess, err = callMgr.StartPrivate(r.Context(), req.Remote, req.RemoteName, kind)
		case "group":
			if req.GroupID == "" {
				writeError(w, http.StatusBadRequest, "missing group_id")
				return
			}
			sess, err = callMgr.StartGroup(r.Context(), req.GroupID, kind)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("start call failed: %v", err))
			return
		}
		writeJSON(w, sess.Snapshot())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		InviteID string `json:"invite_id"`
	}) {
		if req.InviteID == "" {
			writeError(w, http.StatusBadRequest, "missing invite_id")
			return
		}
		sess, err := callMgr.Accept(r.Context(), req.InviteID)
		if err != nil {
			writeError(w, inviteStatus(err), fmt.Sprintf("accept call failed: %v", err))
			return
		}
		writeJSON(w, sess.Snapshot())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		InviteID string `json:"invite_id"`
	}) {
		if req.InviteID == "" {
			writeError(w, http.StatusBadRequest, "missing invite_id")
			return
		}
		if err := callMgr.Reject(r.Context(), req.InviteID); err != nil {
			writeError(w, inviteStatus(err), fmt.Sprintf("reject call failed: %v", err))
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "invite_id": req.InviteID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		sess, ok := callMgr.GetSession(req.SessionID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		sess.End()
		writeJSON(w, sess.Summary())
	})

	type toggle struct {
		SessionID string `json:"session_id"`
		Enabled   bool   `json:"enabled"`
	}

	// POST /api/call/audio
	handlePost(mux, "/api/call/audio", func(w http.ResponseWriter, r *http.Request, req toggle) {
		sess, ok := callMgr.GetSession(req.SessionID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if !sess.SetAudioEnabled(req.Enabled) {
			writeError(w, http.StatusConflict, "session has ended")
			return
		}
		writeJSON(w, map[string]bool{"muted": !req.Enabled})
	})

	// POST /api/call/video
	handlePost(mux, "/api/call/video", func(w http.ResponseWriter, r *http.Request, req toggle) {
		sess, ok := callMgr.GetSession(req.SessionID)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if !sess.SetVideoEnabled(req.Enabled) {
			writeError(w, http.StatusConflict, "session has ended")
			return
		}
		writeJSON(w, map[string]bool{"video_off": !req.Enabled})
	})

	// GET /api/call/events: SSE stream of invitation events.
	// Each connection gets its own subscription; it is dropped on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		sseHeaders(w)

		inCh, unsubscribe := callMgr.SubscribeIncoming()
		defer unsubscribe()

		_ = writeSSE(w, "connected", map[string]string{"status": "ok"})
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-inCh:
				if !ok {
					return
				}
				if writeSSE(w, "call", ev) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/{id}/events: SSE that fires once when the
	// session ends, carrying its call-log record.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			writeError(w, http.StatusBadRequest, "expected /api/call/session/{id}/events")
			return
		}
		sess, ok := callMgr.GetSession(parts[0])
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		sseHeaders(w)
		_ = writeSSE(w, "connected", sess.Snapshot())
		flusher.Flush()

		select {
		case <-r.Context().Done():
		case <-sess.Done():
			_ = writeSSE(w, "ended", sess.Summary())
			flusher.Flush()
		}
	})

	// GET /api/call/history?limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		if hist == nil {
			writeJSON(w, []call.Record{})
			return
		}
		records, err := hist.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []call.Record{}
		}
		writeJSON(w, records)
	})

	// GET /api/call/contacts
	handleGet(mux, "/api/call/contacts", func(w http.ResponseWriter, r *http.Request) {
		if hist == nil {
			writeJSON(w, []any{})
			return
		}
		contacts, err := hist.Contacts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if contacts == nil {
			writeJSON(w, []any{})
			return
		}
		writeJSON(w, contacts)
	})
}

func inviteStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrUnknownInvitation):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvitationHandled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
