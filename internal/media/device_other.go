//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer is unavailable without the linux capture drivers. Every
// acquisition fails with ErrDevice.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (c *DeviceCapturer) PopulateMediaEngine(m *webrtc.MediaEngine) {}

func (c *DeviceCapturer) Acquire(ctx context.Context, mode models.Mode) (*Stream, error) {
	return nil, fmt.Errorf("%w: device capture is not supported on this platform", ErrDevice)
}
