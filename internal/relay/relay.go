// Package relay is a websocket broadcast relay for signaling channels. It
// speaks the frame protocol of signal.WSTransport and knows nothing about
// calls: it forwards opaque JSON between subscribers of a channel.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vesper-app/vesper/internal/proto"
	"github.com/vesper-app/vesper/internal/signal"
)

var log = logging.Logger("relay")

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Options configure a Server.
type Options struct {
	// Secret signs and verifies HS256 client tokens.
	Secret string
	// AllowDevTokens enables POST /api/token, which hands a token to anyone.
	AllowDevTokens bool
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// AllowedOrigins restricts browser clients; empty allows any origin.
	AllowedOrigins []string
}

// Server relays frames between websocket clients.
type Server struct {
	opts     Options
	router   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[*client]struct{}
	clients  map[*client]struct{}
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	// channels this client subscribed to; only touched by its readPump
	subs map[string]struct{}
}

// New builds the relay's router.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	s := &Server{
		opts:     opts,
		channels: make(map[string]map[*client]struct{}),
		clients:  make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", s.health)
	if opts.AllowDevTokens {
		r.POST("/api/token", s.issueToken)
	}
	r.GET("/ws", tokenAuth(opts.Secret), s.serveWS)
	s.router = r
	return s
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler { return s.router }

// Subscribers returns the number of clients subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) health(c *gin.Context) {
	s.mu.RLock()
	clients, channels := len(s.clients), len(s.channels)
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  proto.Version,
		"clients":  clients,
		"channels": channels,
	})
}

func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	token, err := IssueToken(s.opts.Secret, req.UserID, s.opts.TokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": req.UserID})
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("upgrade failed: %v", err)
		return
	}
	cl := &client{
		id:     uuid.NewString(),
		userID: c.GetString("user_id"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[cl] = struct{}{}
	s.mu.Unlock()
	log.Infof("client %s connected as %s", cl.id[:8], cl.userID)

	go s.writePump(cl)
	s.readPump(cl)
}

func (s *Server) readPump(cl *client) {
	defer s.drop(cl)

	cl.conn.SetReadLimit(maxFrameSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debugf("client %s: read: %v", cl.id[:8], err)
			}
			return
		}
		// Any traffic proves the peer is alive.
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f signal.Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Channel == "" {
			log.Debugf("client %s: bad frame", cl.id[:8])
			continue
		}
		switch f.Op {
		case signal.OpSub:
			s.subscribe(cl, f.Channel)
		case signal.OpUnsub:
			s.unsubscribe(cl, f.Channel)
		case signal.OpPub:
			s.fanOut(cl, f.Channel, f.Data)
		default:
			log.Debugf("client %s: unknown op %q", cl.id[:8], f.Op)
		}
	}
}

func (s *Server) writePump(cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(cl *client, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.channels[channel]
	if !ok {
		set = make(map[*client]struct{})
		s.channels[channel] = set
	}
	set[cl] = struct{}{}
	cl.subs[channel] = struct{}{}
}

func (s *Server) unsubscribe(cl *client, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(cl, channel)
}

func (s *Server) unsubscribeLocked(cl *client, channel string) {
	delete(cl.subs, channel)
	set, ok := s.channels[channel]
	if !ok {
		return
	}
	delete(set, cl)
	if len(set) == 0 {
		delete(s.channels, channel)
	}
}

// fanOut delivers data to every subscriber of channel except the sender.
// A full client buffer loses the message for that client only.
func (s *Server) fanOut(from *client, channel string, data json.RawMessage) {
	if len(data) == 0 || !json.Valid(data) {
		return
	}
	out, err := json.Marshal(signal.Frame{Op: signal.OpMsg, Channel: channel, Data: data})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for cl := range s.channels[channel] {
		if cl == from {
			continue
		}
		select {
		case cl.send <- out:
		default:
			log.Warnf("client %s: buffer full, dropping message on %s", cl.id[:8], channel)
		}
	}
}

func (s *Server) drop(cl *client) {
	s.mu.Lock()
	for ch := range cl.subs {
		s.unsubscribeLocked(cl, ch)
	}
	delete(s.clients, cl)
	close(cl.send)
	s.mu.Unlock()
	log.Infof("client %s disconnected", cl.id[:8])
}
