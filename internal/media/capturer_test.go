package media

import (
	"context"
	"errors"
	"testing"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTrack struct {
	kind    webrtc.RTPCodecType
	enabled bool
	stops   int
}

func (t *countingTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *countingTrack) Local() webrtc.TrackLocal  { return nil }
func (t *countingTrack) SetEnabled(enabled bool)   { t.enabled = enabled }
func (t *countingTrack) Enabled() bool             { return t.enabled }
func (t *countingTrack) Stop() error               { t.stops++; return nil }

func TestStreamReleaseStopsEachTrackOnce(t *testing.T) {
	audio := &countingTrack{kind: webrtc.RTPCodecTypeAudio, enabled: true}
	video := &countingTrack{kind: webrtc.RTPCodecTypeVideo, enabled: true}
	s := NewStream(models.ModeVideo, audio, video)

	s.Release()
	s.Release()

	assert.True(t, s.Released())
	assert.Equal(t, 1, audio.stops)
	assert.Equal(t, 1, video.stops)
}

func TestStreamTogglesOnlyMatchingKind(t *testing.T) {
	audio := &countingTrack{kind: webrtc.RTPCodecTypeAudio, enabled: true}
	video := &countingTrack{kind: webrtc.RTPCodecTypeVideo, enabled: true}
	s := NewStream(models.ModeVideo, audio, video)

	s.SetVideoEnabled(false)
	assert.True(t, s.AudioEnabled())
	assert.False(t, s.VideoEnabled())

	s.SetAudioEnabled(false)
	s.SetVideoEnabled(true)
	assert.False(t, s.AudioEnabled())
	assert.True(t, s.VideoEnabled())
	assert.Equal(t, 0, audio.stops+video.stops, "toggling must not release tracks")
}

func TestStreamToggleAfterReleaseIsIgnored(t *testing.T) {
	audio := &countingTrack{kind: webrtc.RTPCodecTypeAudio, enabled: true}
	s := NewStream(models.ModeAudio, audio)
	s.Release()

	s.SetAudioEnabled(false)
	assert.True(t, audio.enabled)
}

func TestSampleCapturerModes(t *testing.T) {
	c := NewSampleCapturer()

	audioOnly, err := c.Acquire(context.Background(), models.ModeAudio)
	require.NoError(t, err)
	require.Len(t, audioOnly.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, audioOnly.Tracks()[0].Kind())
	assert.False(t, audioOnly.HasVideo())

	withVideo, err := c.Acquire(context.Background(), models.ModeVideo)
	require.NoError(t, err)
	require.Len(t, withVideo.Locals(), 2)
	assert.True(t, withVideo.HasVideo())
	assert.NotEqual(t, audioOnly.ID(), withVideo.ID())

	assert.Len(t, c.Streams(), 2)
}

func TestSampleCapturerFailures(t *testing.T) {
	c := NewSampleCapturer()

	_, err := c.Acquire(context.Background(), models.Mode("screen"))
	assert.ErrorIs(t, err, ErrDevice)

	c.FailWith(errors.New("permission denied"))
	_, err = c.Acquire(context.Background(), models.ModeAudio)
	assert.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "permission denied")

	c.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Acquire(ctx, models.ModeAudio)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Streams())
}

func TestSampleTrackGating(t *testing.T) {
	track, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, "s1")
	require.NoError(t, err)
	sample := pionmedia.Sample{Data: opusSilence, Duration: silenceFrame}

	// Unbound tracks accept writes and discard them.
	assert.NoError(t, track.WriteSample(sample))

	track.SetEnabled(false)
	assert.NoError(t, track.WriteSample(sample))

	require.NoError(t, track.Stop())
	assert.True(t, track.Stopped())
	assert.ErrorIs(t, track.Stop(), ErrReleased)
	assert.ErrorIs(t, track.WriteSample(sample), ErrReleased)
}

func TestNewSampleTrackRejectsUnknownKind(t *testing.T) {
	_, err := NewSampleTrack(webrtc.RTPCodecType(0), "s1")
	assert.Error(t, err)
}
