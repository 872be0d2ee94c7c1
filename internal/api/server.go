// Package api is the local HTTP control surface of a peer: starting and
// answering calls, muting, and reading the call log.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vesper-app/vesper/internal/call"
	"github.com/vesper-app/vesper/internal/proto"
	"github.com/vesper-app/vesper/internal/storage"
	"github.com/vesper-app/vesper/internal/util"
)

var log = logging.Logger("api")

// History is the persistent call log behind /api/call/history.
type History interface {
	Recent(ctx context.Context, limit int) ([]call.Record, error)
	Contacts(ctx context.Context) ([]storage.Contact, error)
	UpsertContact(ctx context.Context, userID, name, avatar string, seen time.Time) error
}

type Options struct {
	Self    call.Identity
	Manager *call.Manager
	History History       // optional
	Notices *NoticeBuffer // optional
	// Addrs reports where peers can reach us (libp2p multiaddrs); optional.
	Addrs func() []string
	// AllowRemote serves non-loopback clients too.
	AllowRemote bool
}

// Server serves the API and keeps the notice feed and contacts current
// from the manager's invitation events.
type Server struct {
	opts    Options
	mux     *http.ServeMux
	handler http.Handler

	httpMu sync.Mutex
	http   *http.Server

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		mux:  http.NewServeMux(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	handleGet(s.mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		var addrs []string
		if opts.Addrs != nil {
			addrs = opts.Addrs()
		}
		writeJSON(w, map[string]any{
			"id":      opts.Self.ID,
			"name":    opts.Self.Name,
			"avatar":  opts.Self.Avatar,
			"version": proto.Version,
			"addrs":   addrs,
		})
	})
	RegisterCall(s.mux, opts.Manager, opts.History)
	if opts.Notices != nil {
		handleGet(s.mux, "/api/call/notices", opts.Notices.ServeJSON)
		handleGet(s.mux, "/api/call/notices/stream", opts.Notices.ServeSSE)
	}

	s.handler = noCache(s.mux)
	if !opts.AllowRemote {
		s.handler = localOnly(s.handler)
	}

	// Subscribe before returning so no invitation slips past.
	events, unsubscribe := opts.Manager.SubscribeIncoming()
	go s.watchIncoming(events, unsubscribe)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) watchIncoming(events <-chan call.IncomingEvent, unsubscribe func()) {
	defer close(s.done)
	defer unsubscribe()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if s.opts.Notices != nil {
				s.opts.Notices.Incoming(ev)
			}
			if ev.Type != "incoming" || s.opts.History == nil {
				continue
			}
			in := ev.Invitation
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.opts.History.UpsertContact(ctx, in.CallerID, in.CallerName, in.CallerAvatar, in.ReceivedAt); err != nil {
				log.Warnf("store contact %s: %v", in.CallerID, err)
			}
			cancel()
		}
	}
}

// Serve listens on addr until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.httpMu.Lock()
	s.http = srv
	s.httpMu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("api listening on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the event watcher and the HTTP server, if any.
func (s *Server) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	s.httpMu.Lock()
	srv := s.http
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}
