package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/vesper-app/vesper/internal/media"
)

// PeerFactory creates one peer connection per PeerLink.
type PeerFactory func() (PeerConnection, error)

// ICEConfig tunes the pion API built by NewPionFactory.
type ICEConfig struct {
	STUN []string
	// Disconnected, Failed and KeepAlive map to SettingEngine.SetICETimeouts.
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

// DefaultICEConfig uses a public STUN server and generous timeouts so a brief
// NAT hiccup does not end the call.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		STUN:         []string{"stun:stun.l.google.com:19302"},
		Disconnected: 30 * time.Second,
		Failed:       120 * time.Second,
		KeepAlive:    2 * time.Second,
	}
}

// NewPionFactory builds one webrtc.API whose media engine carries the codecs
// c produces, and returns a factory of peer connections on it.
func NewPionFactory(c media.Capturer, cfg ICEConfig) (PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := c.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.Disconnected, cfg.Failed, cfg.KeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.STUN) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.STUN}}
	}
	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}
