package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// TrackKind is audio or video
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is a captured track. Disabling it stops sending media without
// renegotiating.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream is the set of tracks owned by one call
type LocalStream struct {
	Tracks []LocalTrack
}

// First returns the first track of kind, or nil
func (s *LocalStream) First(kind TrackKind) LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Release stops every track
func (s *LocalStream) Release() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// Constraints selects which kinds to capture
type Constraints struct {
	Video bool
	Audio bool
}

// MediaSource captures local devices
type MediaSource interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// acquireMedia tries video+audio, then audio only, and settles for an empty
// stream. Only a missing source is an error.
func acquireMedia(ctx context.Context, src MediaSource) (*LocalStream, error) {
	if src == nil {
		return &LocalStream{}, ErrNoMedia
	}

	for _, c := range []Constraints{{Video: true, Audio: true}, {Audio: true}} {
		if ctx.Err() != nil {
			break
		}
		stream, err := src.GetUserMedia(ctx, c)
		if err == nil && stream != nil {
			return stream, nil
		}
		logger.Warn("Media capture failed, trying next fallback",
			zap.Bool("video", c.Video),
			zap.Bool("audio", c.Audio),
			zap.Error(err))
	}

	return &LocalStream{}, nil
}

// track is the LocalTrack used by real sources. It carries the Pion track
// to send and notifies watchers when it is toggled.
type track struct {
	id      string
	kind    TrackKind
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stop    func()

	mu       sync.Mutex
	stopped  bool
	watchers map[int]func(bool)
	nextID   int
}

// NewTrack wraps a Pion local track. stop releases the capture device and
// may be nil.
func NewTrack(kind TrackKind, local webrtc.TrackLocal, stop func()) LocalTrack {
	t := &track{
		id:       uuid.New().String(),
		kind:     kind,
		local:    local,
		stop:     stop,
		watchers: make(map[int]func(bool)),
	}
	if local != nil {
		t.id = local.ID()
	}
	t.enabled.Store(true)
	return t
}

func (t *track) ID() string      { return t.id }
func (t *track) Kind() TrackKind { return t.kind }
func (t *track) Enabled() bool   { return t.enabled.Load() }

func (t *track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *track) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) == enabled {
		return
	}

	t.mu.Lock()
	fns := make([]func(bool), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(enabled)
	}
}

// Watch registers fn for enabled changes and returns its cancel
func (t *track) Watch(fn func(enabled bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.watchers = make(map[int]func(bool))
	t.mu.Unlock()

	if t.stop != nil {
		t.stop()
	}
}
