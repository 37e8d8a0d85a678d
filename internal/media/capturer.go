// Package media acquires the local capture stream of a call and wraps the
// tracks received from the remote peer.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDevice is returned when the microphone or camera cannot be opened
	ErrDevice   = errors.New("could not access camera/microphone")
	ErrReleased = errors.New("media track released")
)

// Capturer acquires a local stream for one call attempt
type Capturer interface {
	Acquire(ctx context.Context, mode models.Mode) (*Stream, error)
}

// Track is one local capture track
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	// SetEnabled gates the media flowing out of the track without
	// releasing the underlying device.
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// Stream is the set of tracks acquired for a call attempt. It is owned by
// exactly one session and released exactly once.
type Stream struct {
	id     string
	mode   models.Mode
	tracks []Track

	once     sync.Once
	mu       sync.Mutex
	released bool
}

func NewStream(mode models.Mode, tracks ...Track) *Stream {
	return &Stream{
		id:     uuid.New().String(),
		mode:   mode,
		tracks: tracks,
	}
}

func (s *Stream) ID() string        { return s.id }
func (s *Stream) Mode() models.Mode { return s.mode }
func (s *Stream) Tracks() []Track   { return s.tracks }

// Locals returns the tracks in the form a peer connection attaches
func (s *Stream) Locals() []webrtc.TrackLocal {
	locals := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		locals = append(locals, t.Local())
	}
	return locals
}

// SetAudioEnabled mutes or unmutes the microphone tracks
func (s *Stream) SetAudioEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled turns the camera tracks on or off
func (s *Stream) SetVideoEnabled(enabled bool) {
	s.setEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *Stream) AudioEnabled() bool { return s.enabled(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoEnabled() bool { return s.enabled(webrtc.RTPCodecTypeVideo) }

// HasVideo reports whether the stream carries a camera track
func (s *Stream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *Stream) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	if s.Released() {
		return
	}
	for _, t := range s.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (s *Stream) enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// Release stops every track. Calls after the first are no-ops.
func (s *Stream) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		for _, t := range s.tracks {
			if err := t.Stop(); err != nil {
				log.Warn().Err(err).Str("stream_id", s.id).Str("kind", t.Kind().String()).Msg("Failed to stop track")
			}
		}
		log.Debug().Str("stream_id", s.id).Int("tracks", len(s.tracks)).Msg("Released local stream")
	})
}

func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
