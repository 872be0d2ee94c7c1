// Package app assembles a running endpoint from its config: the signaling
// transport, the call manager, the call log and the local API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vesper-app/vesper/internal/api"
	"github.com/vesper-app/vesper/internal/call"
	"github.com/vesper-app/vesper/internal/config"
	"github.com/vesper-app/vesper/internal/media"
	"github.com/vesper-app/vesper/internal/p2p"
	"github.com/vesper-app/vesper/internal/relay"
	"github.com/vesper-app/vesper/internal/signal"
	"github.com/vesper-app/vesper/internal/storage"
	"github.com/vesper-app/vesper/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// logLevel tracks the level in force across config reloads. It is used from
// the single config watcher goroutine.
type logLevel struct {
	current string
	set     func(name, level string) error
}

func (l *logLevel) apply(level string) {
	if level == "" || level == l.current {
		return
	}
	if err := l.set("*", level); err != nil {
		log.Warnf("config reload: keeping log level %q: %v", l.current, err)
		return
	}
	log.Infof("log level %s -> %s", l.current, level)
	l.current = level
}

// Run starts a peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		return err
	}

	// ── Signaling transport
	transport, addrs, err := openTransport(ctx, opt.PeerDir, cfg)
	if err != nil {
		return fmt.Errorf("signaling (%s): %w", cfg.Signaling.Backend, err)
	}
	defer transport.Close()

	// ── Media
	capt, err := openCapturer(cfg.Call)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	factory, err := call.NewPionFactory(capt, iceConfig(cfg.Call))
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	// ── Call log
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.Dir))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()
	log.Infof("call log: %s", db.Path())

	// ── Calls
	notices := api.NewNoticeBuffer(cfg.API.NoticeBuffer, db)
	self := call.Identity{ID: cfg.Identity.ID, Name: cfg.Identity.Name, Avatar: cfg.Identity.Avatar}
	mgr := call.NewManager(call.Deps{
		Transport:         transport,
		Capturer:          capt,
		NewPeerConnection: factory,
		RingTimeout:       cfg.Call.RingTimeout(),
		OfferDelay:        cfg.Call.OfferDelay(),
		PollInterval:      cfg.Call.PollInterval(),
	}, self, notices)
	if err := mgr.Open(ctx); err != nil {
		return fmt.Errorf("listen for invitations: %w", err)
	}
	defer mgr.Close()

	// Hot reload: new sessions pick up the call settings.
	if opt.CfgPath != "" {
		level := &logLevel{current: cfg.LogLevel, set: logging.SetLogLevel}
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			mgr.UpdateDeps(func(d *call.Deps) {
				d.RingTimeout = next.Call.RingTimeout()
				d.OfferDelay = next.Call.OfferDelay()
				d.PollInterval = next.Call.PollInterval()
			})
			level.apply(next.LogLevel)
		})
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	// ── API
	srv := api.New(api.Options{
		Self:        self,
		Manager:     mgr,
		History:     db,
		Notices:     notices,
		Addrs:       addrs,
		AllowRemote: cfg.API.AllowRemote,
	})
	defer srv.Close()

	log.Infof("peer %s (%s) ready", self.ID, self.Name)
	if cfg.API.HTTPAddr == "" {
		<-ctx.Done()
		return nil
	}
	return srv.Serve(ctx, cfg.API.HTTPAddr)
}

// ownedTransport is a signaling backend this process owns.
type ownedTransport interface {
	signal.Transport
	io.Closer
}

func openTransport(ctx context.Context, peerDir string, cfg config.Config) (ownedTransport, func() []string, error) {
	switch cfg.Signaling.Backend {
	case config.BackendGossip:
		node, err := p2p.New(ctx, p2p.Options{
			ListenAddrs: cfg.P2P.ListenAddrs,
			KeyFile:     util.ResolvePath(peerDir, cfg.P2P.KeyFile),
			MdnsTag:     cfg.P2P.MdnsTag,
			NoMdns:      cfg.P2P.NoMdns,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, addr := range cfg.P2P.Bootstrap {
			cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			if err := node.Connect(cctx, addr); err != nil {
				log.Warnf("bootstrap %s: %v", addr, err)
			}
			cancel()
		}
		return node, node.Addrs, nil

	case config.BackendRedis:
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
		t, err := signal.NewRedisTransport(cctx, signal.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			LogSize:  cfg.Redis.LogSize,
			LogTTL:   time.Duration(cfg.Redis.LogTTLSec) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil

	case config.BackendRelay:
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		t, err := signal.DialRelay(cctx, cfg.Relay.URL, cfg.Relay.Token)
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil

	case config.BackendMemory:
		log.Warnf("memory signaling only reaches sessions inside this process")
		return signal.NewHub(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Signaling.Backend)
}

func openCapturer(c config.Call) (media.Capturer, error) {
	if c.FakeDevices {
		return media.NewStaticCapturer(), nil
	}
	return media.NewDeviceCapturer()
}

func iceConfig(c config.Call) call.ICEConfig {
	ice := call.DefaultICEConfig()
	ice.STUN = c.STUN
	if c.ICEDisconnectedSec > 0 {
		ice.Disconnected = time.Duration(c.ICEDisconnectedSec) * time.Second
	}
	if c.ICEFailedSec > 0 {
		ice.Failed = time.Duration(c.ICEFailedSec) * time.Second
	}
	return ice
}

// RunRelay serves the websocket relay on addr until ctx is cancelled.
func RunRelay(ctx context.Context, addr string, cfg config.Relay, logLevel string) error {
	if err := logging.SetLogLevel("*", logLevel); err != nil {
		return err
	}
	if cfg.Secret == "" {
		return errors.New("relay.secret is required to run a relay")
	}
	r := relay.New(relay.Options{
		Secret:         cfg.Secret,
		AllowDevTokens: cfg.AllowDevTokens,
		TokenTTL:       time.Duration(cfg.TokenTTLHours) * time.Hour,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("relay listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
