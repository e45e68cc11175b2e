//go:build linux && cgo

package call

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// DeviceSource captures the camera (V4L2) and microphone through
// pion/mediadevices, encoding VP8 and Opus
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
}

// NewDeviceSource prepares the encoders
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers the encoders' codecs
func (s *DeviceSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	s.codecs.Populate(me)
	return nil
}

// GetUserMedia opens the requested devices
func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.codecs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some webcams poison the VP8 encoder
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	out := &LocalStream{}
	for _, t := range stream.GetTracks() {
		t := t
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Warn("Local track ended", zap.String("kind", string(kind)), zap.Error(err))
			}
		})
		out.Tracks = append(out.Tracks, NewTrack(kind, t, func() { t.Close() }))
	}

	logger.Info("Local media captured",
		zap.Bool("video", c.Video),
		zap.Bool("audio", c.Audio),
		zap.Int("tracks", len(out.Tracks)))
	return out, nil
}
