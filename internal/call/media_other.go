//go:build !linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DeviceSource is unavailable off Linux: pion/mediadevices capture needs the
// V4L2 and malgo drivers. Use SyntheticSource for headless peers.
type DeviceSource struct {
	MaxWidth, MaxHeight int
}

// NewDeviceSource returns a source whose Acquire always fails.
func NewDeviceSource(int) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (d *DeviceSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceSource) Acquire(context.Context) (*LocalMedia, error) {
	return nil, fmt.Errorf("%w: device capture is only supported on linux", ErrNoMediaSource)
}
