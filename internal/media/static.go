package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticCapturer produces sample-backed tracks without touching any device.
// Headless peers use it so they can still take part in calls; tests use it
// with Err and NoVideo to simulate capture failures.
type StaticCapturer struct {
	// Err, if set, is returned by Capture.
	Err error
	// NoVideo makes Capture return only audio even when video is requested.
	NoVideo bool

	mu     sync.Mutex
	issued []*StaticTrack
}

// NewStaticCapturer returns a capturer that always succeeds.
func NewStaticCapturer() *StaticCapturer { return &StaticCapturer{} }

// Capture implements Capturer.
func (c *StaticCapturer) Capture(req Constraints) ([]Track, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	streamID := "vesper-" + uuid.NewString()
	var out []Track
	if req.Audio {
		t, err := newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	if req.Video && !c.NoVideo {
		t, err := newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}

	c.mu.Lock()
	for _, t := range out {
		c.issued = append(c.issued, t.(*StaticTrack))
	}
	c.mu.Unlock()
	return out, nil
}

// RegisterCodecs implements Capturer.
func (c *StaticCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Issued returns every track this capturer has handed out.
func (c *StaticCapturer) Issued() []*StaticTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*StaticTrack(nil), c.issued...)
}

// StaticTrack is a Track backed by a TrackLocalStaticSample.
type StaticTrack struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func newStaticTrack(codec webrtc.RTPCodecCapability, id, streamID string) (Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &StaticTrack{local: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *StaticTrack) ID() string                { return t.local.ID() }
func (t *StaticTrack) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *StaticTrack) Enabled() bool             { return t.enabled.Load() }
func (t *StaticTrack) SetEnabled(on bool)        { t.enabled.Store(on) }
func (t *StaticTrack) Local() webrtc.TrackLocal  { return t.local }
func (t *StaticTrack) Stopped() bool             { return t.stopped.Load() }

func (t *StaticTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}
