//go:build linux

package media

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux) and encodes VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the codec selector shared by capture and the
// peer-connection media engine.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs implements Capturer.
func (c *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

// Capture implements Capturer.
func (c *DeviceCapturer) Capture(req Constraints) ([]Track, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %w: no media devices found", ErrMediaUnavailable, ErrDeviceUnavailable)
	}
	for _, d := range devices {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if req.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras emit malformed
			// frames that poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if req.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	var out []Track
	for _, mt := range stream.GetTracks() {
		t := &deviceTrack{Track: mt}
		t.enabled.Store(true)
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", mt.Kind(), err)
			}
		})
		switch v := mt.(type) {
		case *mediadevices.VideoTrack:
			v.Transform(t.gateVideo)
		case *mediadevices.AudioTrack:
			v.Transform(t.gateAudio)
		}
		out = append(out, t)
	}
	log.Infof("local media captured: %d tracks", len(out))
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %w: %v", ErrMediaUnavailable, ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w: %v", ErrMediaUnavailable, ErrDeviceUnavailable, err)
}

// deviceTrack gates a mediadevices track: while disabled, video frames are
// replaced with black and audio chunks are zeroed. The encoder keeps running.
type deviceTrack struct {
	mediadevices.Track
	enabled atomic.Bool

	blackMu sync.Mutex
	black   *image.YCbCr
}

func (t *deviceTrack) Enabled() bool            { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *deviceTrack) Local() webrtc.TrackLocal { return t.Track }
func (t *deviceTrack) Stop() error              { return t.Track.Close() }

func (t *deviceTrack) gateVideo(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		return t.blackFrame(img.Bounds()), release, nil
	})
}

func (t *deviceTrack) blackFrame(b image.Rectangle) image.Image {
	t.blackMu.Lock()
	defer t.blackMu.Unlock()
	if t.black == nil || t.black.Rect != b {
		img := image.NewYCbCr(b, image.YCbCrSubsampleRatio420)
		for i := range img.Y {
			img.Y[i] = 16
		}
		for i := range img.Cb {
			img.Cb[i] = 128
			img.Cr[i] = 128
		}
		t.black = img
	}
	return t.black
}

func (t *deviceTrack) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		switch c := chunk.(type) {
		case *wave.Int16Interleaved:
			clear(c.Data)
		case *wave.Float32Interleaved:
			clear(c.Data)
		default:
			return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
		}
		return chunk, release, nil
	})
}
