//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/mossy-p/webrtc-call/internal/models"
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
	"github.com/rs/zerolog/log"
)

// DeviceCapturer opens the camera and microphone through V4L2 and malgo
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

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

// PopulateMediaEngine registers the encoder codecs on m so that the peer
// connection negotiates what the devices produce.
func (c *DeviceCapturer) PopulateMediaEngine(m *webrtc.MediaEngine) {
	c.selector.Populate(m)
}

func (c *DeviceCapturer) Acquire(ctx context.Context, mode models.Mode) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrDevice, mode)
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if mode == models.ModeVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
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

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	var tracks []Track
	for _, mt := range ms.GetTracks() {
		dt := &deviceTrack{track: mt}
		dt.enabled.Store(true)
		switch t := mt.(type) {
		case *mediadevices.VideoTrack:
			t.Transform(dt.gateVideo)
		case *mediadevices.AudioTrack:
			t.Transform(dt.gateAudio)
		}
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("kind", mt.Kind().String()).Msg("Local device track ended")
			}
		})
		tracks = append(tracks, dt)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrDevice)
	}
	return NewStream(mode, tracks...), nil
}

// deviceTrack gates a mediadevices track. A disabled camera sends black
// frames and a disabled microphone sends silence.
type deviceTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *deviceTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *deviceTrack) Enabled() bool             { return t.enabled.Load() }

func (t *deviceTrack) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return ErrReleased
	}
	return t.track.Close()
}

func (t *deviceTrack) gateVideo(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		if release != nil {
			release()
		}
		return blankFrame(img.Bounds()), func() {}, nil
	})
}

func (t *deviceTrack) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		if release != nil {
			release()
		}
		return wave.NewInt16Interleaved(chunk.ChunkInfo()), func() {}, nil
	})
}

func blankFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
