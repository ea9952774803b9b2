//go:build linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo on Linux).
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	// MaxWidth and MaxHeight cap the capture resolution.
	MaxWidth, MaxHeight int
}

// NewDeviceSource prepares VP8 + Opus encoders at the given video bitrate.
func NewDeviceSource(videoBitRate int) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		MaxWidth:  640,
		MaxHeight: 480,
	}, nil
}

// ConfigureMediaEngine registers the codecs the encoders produce.
func (d *DeviceSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Acquire opens the devices. GetUserMedia fails as a unit if either track
// cannot be opened, so video+audio is tried first, then each alone.
func (d *DeviceSource) Acquire(ctx context.Context) (*LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices", ErrNoMediaSource)
	}
	for _, dev := range devices {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.MaxWidth}
				c.Height = prop.IntRanged{Max: d.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		local := make([]webrtc.TrackLocal, 0, len(tracks))
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			local = append(local, t)
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return NewLocalMedia(local, func() {
			for _, t := range tracks {
				t.Close()
			}
		}), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoMediaSource, lastErr)
}
