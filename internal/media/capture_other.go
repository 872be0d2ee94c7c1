//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no device drivers on this platform. Capture always
// fails; peers here run with the static capturer instead.
type DeviceCapturer struct{}

// NewDeviceCapturer returns the stub capturer.
func NewDeviceCapturer() (*DeviceCapturer, error) { return &DeviceCapturer{}, nil }

// Capture implements Capturer.
func (c *DeviceCapturer) Capture(Constraints) ([]Track, error) {
	return nil, fmt.Errorf("%w: %w: no capture drivers on this platform", ErrMediaUnavailable, ErrDeviceUnavailable)
}

// RegisterCodecs implements Capturer.
func (c *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}
