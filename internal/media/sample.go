package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

	// opusSilence is a single 20ms opus frame of digital silence
	opusSilence = []byte{0xf8, 0xff, 0xfe}
)

const silenceFrame = 20 * time.Millisecond

// SampleTrack is a capture track fed with encoded samples by the host
// instead of a device.
type SampleTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewSampleTrack creates an opus audio or vp8 video track
func NewSampleTrack(kind webrtc.RTPCodecType, streamID string) (*SampleTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = opusCapability
	case webrtc.RTPCodecTypeVideo:
		capability = vp8Capability
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, kind.String(), streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{kind: kind, track: track}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *SampleTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *SampleTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *SampleTrack) Enabled() bool             { return t.enabled.Load() }

// WriteSample sends one encoded sample. Samples written while the track is
// disabled are dropped.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrReleased
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *SampleTrack) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return ErrReleased
	}
	return nil
}

func (t *SampleTrack) Stopped() bool { return t.stopped.Load() }

// SampleCapturer hands out streams of SampleTracks. It never touches a
// device, which makes it the capturer of headless clients and tests.
type SampleCapturer struct {
	mu      sync.Mutex
	streams []*Stream
	fail    error
}

func NewSampleCapturer() *SampleCapturer {
	return &SampleCapturer{}
}

// FailWith makes every following Acquire return err wrapped in ErrDevice.
// A nil err restores normal operation.
func (c *SampleCapturer) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *SampleCapturer) Acquire(ctx context.Context, mode models.Mode) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrDevice, mode)
	}

	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, fail)
	}

	streamID := "call-" + string(mode)
	audio, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	tracks := []Track{audio}
	if mode == models.ModeVideo {
		video, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		tracks = append(tracks, video)
	}

	s := NewStream(mode, tracks...)
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

// Streams returns every stream handed out so far
func (c *SampleCapturer) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// PumpSilence writes opus silence to the audio tracks of s until ctx is done
// or the stream is released.
func PumpSilence(ctx context.Context, s *Stream) {
	var audio []*SampleTrack
	for _, t := range s.Tracks() {
		if st, ok := t.(*SampleTrack); ok && st.Kind() == webrtc.RTPCodecTypeAudio {
			audio = append(audio, st)
		}
	}
	if len(audio) == 0 {
		return
	}

	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range audio {
				if err := t.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
					return
				}
			}
		}
	}
}
