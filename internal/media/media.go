// Package media owns the local capture stream of a call. Mute and camera-off
// are track-enable flips: tracks keep running and keep their senders, so no
// renegotiation is ever needed to toggle them.
package media

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	// ErrMediaUnavailable is wrapped by every capture failure.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrPermissionDenied marks a capture refused by the OS or the user.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceUnavailable marks a missing, busy or broken device.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// Constraints is one capture request. Audio is always requested by Session.
type Constraints struct {
	Audio bool
	Video bool
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	// Local is what gets attached to a peer connection. The same value is
	// attached to every link of a call.
	Local() webrtc.TrackLocal
	Stop() error
}

// Capturer opens capture devices.
type Capturer interface {
	// Capture returns the tracks satisfying c. Implementations return
	// whatever they managed to open; Session decides whether that suffices.
	Capture(c Constraints) ([]Track, error)
	// RegisterCodecs adds the codecs the captured tracks produce.
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// LocalStream is the set of tracks returned by one acquisition.
type LocalStream struct {
	tracks []Track
}

// Tracks returns every track in capture order.
func (s *LocalStream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *LocalStream) ofKind(k webrtc.RTPCodecType) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) AudioTracks() []Track { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) VideoTracks() []Track { return s.ofKind(webrtc.RTPCodecTypeVideo) }
func (s *LocalStream) HasVideo() bool       { return len(s.VideoTracks()) > 0 }

// Session acquires and releases the local stream of one call.
type Session struct {
	capturer Capturer

	mu       sync.Mutex
	stream   *LocalStream
	released bool
}

// NewSession returns a Session that captures through c.
func NewSession(c Capturer) *Session {
	return &Session{capturer: c}
}

// Acquire captures the microphone, and the camera iff wantsVideo. A request
// that is only partly satisfied fails; tracks that did open are stopped.
func (s *Session) Acquire(wantsVideo bool) (*LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("%w: session already released", ErrMediaUnavailable)
	}
	if s.stream != nil {
		return s.stream, nil
	}

	tracks, err := s.capturer.Capture(Constraints{Audio: true, Video: wantsVideo})
	if err != nil {
		stopAll(tracks)
		if !errors.Is(err, ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		return nil, err
	}

	stream := &LocalStream{tracks: tracks}
	switch {
	case len(stream.AudioTracks()) == 0:
		stopAll(tracks)
		return nil, fmt.Errorf("%w: %w: no microphone track", ErrMediaUnavailable, ErrDeviceUnavailable)
	case wantsVideo && !stream.HasVideo():
		stopAll(tracks)
		return nil, fmt.Errorf("%w: %w: no camera track", ErrMediaUnavailable, ErrDeviceUnavailable)
	}

	s.stream = stream
	log.Debugf("acquired %d tracks (video=%v)", len(tracks), wantsVideo)
	return stream, nil
}

// Stream returns the acquired stream, or nil.
func (s *Session) Stream() *LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// SetAudioEnabled flips every audio track.
func (s *Session) SetAudioEnabled(on bool) { s.setEnabled(webrtc.RTPCodecTypeAudio, on) }

// SetVideoEnabled flips every video track.
func (s *Session) SetVideoEnabled(on bool) { s.setEnabled(webrtc.RTPCodecTypeVideo, on) }

func (s *Session) setEnabled(kind webrtc.RTPCodecType, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.stream.ofKind(kind) {
		t.SetEnabled(on)
	}
}

// Release stops every track. Safe to call more than once.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.stream != nil {
		stopAll(s.stream.tracks)
		s.stream = nil
	}
}

// Released reports whether Release has run.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Debugf("stop track %s: %v", t.ID(), err)
		}
	}
}
