package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAudioOnly(t *testing.T) {
	c := NewStaticCapturer()
	s := NewSession(c)

	stream, err := s.Acquire(false)
	require.NoError(t, err)
	assert.Len(t, stream.AudioTracks(), 1)
	assert.False(t, stream.HasVideo())
}

func TestAcquireIsStable(t *testing.T) {
	s := NewSession(NewStaticCapturer())
	first, err := s.Acquire(true)
	require.NoError(t, err)
	second, err := s.Acquire(true)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAcquireDenied(t *testing.T) {
	c := NewStaticCapturer()
	c.Err = fmt.Errorf("%w: user said no", ErrPermissionDenied)
	s := NewSession(c)

	_, err := s.Acquire(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Nil(t, s.Stream())
}

func TestAcquireNeverDegradesSilently(t *testing.T) {
	c := NewStaticCapturer()
	c.NoVideo = true
	s := NewSession(c)

	_, err := s.Acquire(true)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)

	issued := c.Issued()
	require.Len(t, issued, 1)
	assert.True(t, issued[0].Stopped(), "opened audio track must be stopped")
}

func TestToggleFlipsEnabledWithoutStopping(t *testing.T) {
	c := NewStaticCapturer()
	s := NewSession(c)
	stream, err := s.Acquire(true)
	require.NoError(t, err)

	s.SetAudioEnabled(false)
	s.SetVideoEnabled(false)
	for _, tr := range stream.Tracks() {
		assert.False(t, tr.Enabled(), tr.Kind().String())
	}
	s.SetVideoEnabled(true)
	assert.True(t, stream.VideoTracks()[0].Enabled())
	assert.False(t, stream.AudioTracks()[0].Enabled())

	for _, tr := range c.Issued() {
		assert.False(t, tr.Stopped())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewStaticCapturer()
	s := NewSession(c)
	_, err := s.Acquire(true)
	require.NoError(t, err)

	s.Release()
	s.Release()
	assert.True(t, s.Released())
	for _, tr := range c.Issued() {
		assert.True(t, tr.Stopped())
	}

	_, err = s.Acquire(false)
	assert.True(t, errors.Is(err, ErrMediaUnavailable))
}

func TestToggleBeforeAcquireIsNoop(t *testing.T) {
	s := NewSession(NewStaticCapturer())
	assert.NotPanics(t, func() { s.SetAudioEnabled(false) })
}
