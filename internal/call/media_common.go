package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalMedia is a set of acquired local tracks. Close releases the
// underlying capture exactly once.
type LocalMedia struct {
	Tracks []webrtc.TrackLocal

	release func()
	once    sync.Once
}

// NewLocalMedia wraps tracks; release, if non-nil, runs on Close.
func NewLocalMedia(tracks []webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{Tracks: tracks, release: release}
}

// Kinds lists the kinds of the tracks, each once.
func (m *LocalMedia) Kinds() []TrackKind {
	var out []TrackKind
	seen := map[TrackKind]bool{}
	for _, t := range m.Tracks {
		k := TrackKind(t.Kind().String())
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Close releases the capture. Idempotent.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// MediaSource supplies local tracks on demand.
type MediaSource interface {
	Acquire(ctx context.Context) (*LocalMedia, error)
}

// CodecConfigurer is implemented by sources that encode with a fixed codec
// set; the transport registers exactly those codecs.
type CodecConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// SyntheticSource produces placeholder audio and video for headless peers.
// The samples carry no picture or sound but flow like real media, so the
// remote side sees its inbound tracks become active.
type SyntheticSource struct {
	Audio bool
	Video bool
}

const (
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticVideoInterval = 33 * time.Millisecond
)

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (s SyntheticSource) Acquire(ctx context.Context) (*LocalMedia, error) {
	if !s.Audio && !s.Video {
		return nil, ErrNoMediaSource
	}
	var tracks []webrtc.TrackLocal
	var writers []func(stop <-chan struct{})

	if s.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "goopcall")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		writers = append(writers, sampleWriter(t, opusSilence, syntheticAudioInterval))
	}
	if s.Video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "goopcall")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		writers = append(writers, sampleWriter(t, make([]byte, 16), syntheticVideoInterval))
	}

	stop := make(chan struct{})
	for _, w := range writers {
		go w(stop)
	}
	return NewLocalMedia(tracks, func() { close(stop) }), nil
}

func sampleWriter(t *webrtc.TrackLocalStaticSample, payload []byte, every time.Duration) func(<-chan struct{}) {
	return func(stop <-chan struct{}) {
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = t.WriteSample(media.Sample{Data: payload, Duration: every})
			}
		}
	}
}

// ConfigureMediaEngine registers the default codecs, which include the
// Opus and VP8 codecs the synthetic tracks use.
func (SyntheticSource) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}
