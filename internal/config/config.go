package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-app/vesper/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "vesper.json"

// Signaling backends.
const (
	BackendGossip = "gossip"
	BackendRedis  = "redis"
	BackendRelay  = "relay"
	BackendMemory = "memory"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Call      Call      `json:"call"`
	Signaling Signaling `json:"signaling"`
	Redis     Redis     `json:"redis"`
	Relay     Relay     `json:"relay"`
	P2P       P2P       `json:"p2p"`
	Storage   Storage   `json:"storage"`
	API       API       `json:"api"`
	LogLevel  string    `json:"log_level"`
}

// Identity is how this endpoint presents itself to peers.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Call struct {
	RingTimeoutSec int    `json:"ring_timeout_seconds"`
	OfferDelayMs   int    `json:"offer_delay_ms"`
	PollIntervalMs int    `json:"poll_interval_ms"` // 0 disables the polling fallback
	DefaultKind    string `json:"default_kind"`     // audio | video

	// STUN servers handed to every peer connection.
	STUN []string `json:"stun"`

	// ICE timeouts (seconds).
	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`

	// Use generated tones and test patterns instead of real devices.
	FakeDevices bool `json:"fake_devices"`
}

type Signaling struct {
	Backend string `json:"backend"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// Replay list per channel, read by the polling fallback.
	LogSize   int64 `json:"log_size"`
	LogTTLSec int   `json:"log_ttl_seconds"`
}

type Relay struct {
	// Client side: where `vesper peer` connects when backend is "relay".
	URL   string `json:"url"`
	Token string `json:"token"`

	// Server side: used by `vesper relay`.
	Addr           string   `json:"addr"`
	Secret         string   `json:"secret"`
	AllowDevTokens bool     `json:"allow_dev_tokens"`
	TokenTTLHours  int      `json:"token_ttl_hours"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type P2P struct {
	ListenAddrs []string `json:"listen_addrs"`
	KeyFile     string   `json:"key_file"`
	MdnsTag     string   `json:"mdns_tag"`
	NoMdns      bool     `json:"no_mdns"`
	// Peers dialled at startup, as full multiaddrs.
	Bootstrap []string `json:"bootstrap"`
}

type Storage struct {
	// Directory holding calls.db; relative to the peer directory.
	Dir string `json:"dir"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
	// Serve clients other than loopback. Off by default: the API places calls.
	AllowRemote bool `json:"allow_remote"`
	// Entries kept in the in-memory notice buffer served by /api/call/notices.
	NoticeBuffer int `json:"notice_buffer"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Name: "vesper",
		},
		Call: Call{
			RingTimeoutSec:     30,
			OfferDelayMs:       250,
			PollIntervalMs:     0,
			DefaultKind:        "audio",
			STUN:               []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
		},
		Signaling: Signaling{
			Backend: BackendGossip,
		},
		Redis: Redis{
			Addr:      "127.0.0.1:6379",
			LogSize:   64,
			LogTTLSec: 120,
		},
		Relay: Relay{
			Addr:          "127.0.0.1:8790",
			TokenTTLHours: 24,
		},
		P2P: P2P{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			KeyFile:     "data/identity.key",
			MdnsTag:     "vesper-mdns",
		},
		Storage: Storage{
			Dir: "data",
		},
		API: API{
			HTTPAddr:     "127.0.0.1:8789",
			NoticeBuffer: 200,
		},
		LogLevel: "info",
	}
}

func (c *Config) Validate() error {
	// Identity
	id, err := util.ValidateUserID(c.Identity.ID)
	if err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}
	c.Identity.ID = id

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	if c.Call.OfferDelayMs < 0 || c.Call.OfferDelayMs > 10000 {
		return errors.New("call.offer_delay_ms must be 0..10000")
	}
	if c.Call.PollIntervalMs < 0 {
		return errors.New("call.poll_interval_ms must be >= 0")
	}
	if c.Call.DefaultKind != "audio" && c.Call.DefaultKind != "video" {
		return errors.New("call.default_kind must be audio or video")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 {
		return errors.New("call ICE timeouts must be >= 0")
	}
	for _, s := range c.Call.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun: %q is not a stun: url", s)
		}
	}

	// Signaling
	switch c.Signaling.Backend {
	case BackendGossip:
		if strings.TrimSpace(c.P2P.KeyFile) == "" {
			return errors.New("p2p.key_file is required for the gossip backend")
		}
		if strings.TrimSpace(c.P2P.MdnsTag) == "" && !c.P2P.NoMdns {
			return errors.New("p2p.mdns_tag is required")
		}
	case BackendRedis:
		if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			return fmt.Errorf("redis.addr: %w", err)
		}
	case BackendRelay:
		if err := validateRelayURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("signaling.backend must be one of gossip, redis, relay, memory (got %q)", c.Signaling.Backend)
	}

	// Relay (server)
	if c.Relay.TokenTTLHours < 0 {
		return errors.New("relay.token_ttl_hours must be >= 0")
	}

	// API
	if c.API.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.API.HTTPAddr); err != nil {
			return fmt.Errorf("api.http_addr: %w", err)
		}
	}
	if c.API.NoticeBuffer < 0 {
		return errors.New("api.notice_buffer must be >= 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log_level must be debug, info, warn or error")
	}

	return nil
}

func validateRelayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("required for the relay backend")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// RingTimeout and the other helpers convert the file's integer fields.
func (c Call) RingTimeout() time.Duration  { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) OfferDelay() time.Duration   { return time.Duration(c.OfferDelayMs) * time.Millisecond }
func (c Call) PollInterval() time.Duration { return time.Duration(c.PollIntervalMs) * time.Millisecond }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with a freshly generated identity id.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
