//go:build !linux || !cgo

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var errCaptureUnsupported = errors.New("device capture requires linux with cgo")

// DeviceSource has no capture drivers on this platform; calls proceed
// receive-only
type DeviceSource struct{}

// NewDeviceSource returns a source that never captures
func NewDeviceSource() (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

// ConfigureMediaEngine registers Pion's default codecs
func (s *DeviceSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *DeviceSource) GetUserMedia(_ context.Context, _ Constraints) (*LocalStream, error) {
	return nil, errCaptureUnsupported
}
