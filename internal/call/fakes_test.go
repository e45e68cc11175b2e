package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
)

const waitFor = 3 * time.Second

// fakeSignal is an in-memory SignalChannel. Tests inject inbound messages
// and inspect relayed ones.
type fakeSignal struct {
	mu       sync.Mutex
	joinErrs []error
	failAll  error
	joins    int
	current  *fakeSub
	closes   atomic.Int32
	relayed  chan domain.SignalMessage
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{relayed: make(chan domain.SignalMessage, 64)}
}

func (s *fakeSignal) Join(_ context.Context) (*Subscription[domain.SignalMessage], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.joins++
	if len(s.joinErrs) > 0 {
		err := s.joinErrs[0]
		s.joinErrs = s.joinErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if s.failAll != nil {
		return nil, s.failAll
	}

	sub := &fakeSub{ch: make(chan domain.SignalMessage, 64)}
	s.current = sub
	return &Subscription[domain.SignalMessage]{C: sub.ch, Cancel: sub.close}, nil
}

type fakeSub struct {
	ch   chan domain.SignalMessage
	once sync.Once
}

func (f *fakeSub) close() {
	f.once.Do(func() { close(f.ch) })
}

func (s *fakeSignal) Relay(_ context.Context, kind domain.SignalType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.relayed <- domain.SignalMessage{Type: kind, Payload: raw}
	return nil
}

func (s *fakeSignal) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSignal) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

func (s *fakeSignal) inject(t *testing.T, msg domain.SignalMessage) {
	t.Helper()
	s.mu.Lock()
	sub := s.current
	s.mu.Unlock()
	require.NotNil(t, sub, "no joined subscription")
	sub.ch <- msg
}

// drop simulates transport loss
func (s *fakeSignal) drop() {
	s.mu.Lock()
	sub := s.current
	s.current = nil
	s.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

func (s *fakeSignal) nextRelay(t *testing.T, kind domain.SignalType) domain.SignalMessage {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-s.relayed:
			if msg.Type == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s relayed", kind)
		}
	}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// fakePeer records the calls made on it
type fakePeer struct {
	handlers PeerHandlers
	tracks   []LocalTrack

	mu     sync.Mutex
	ops    []string
	closed bool
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) CreateOffer() (domain.SessionDescription, error) {
	p.record("create-offer")
	return domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (domain.SessionDescription, error) {
	p.record("create-answer")
	return domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.record("remote:" + desc.Type)
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.record("close")
	return nil
}

type fakePeerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *fakePeerFactory) NewPeerConnection(tracks []LocalTrack, handlers PeerHandlers) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{handlers: handlers, tracks: tracks}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) peer(t *testing.T, i int) *fakePeer {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > i }, waitFor, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

// fakeTrack is a LocalTrack without a device
type fakeTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newFakeTrack(kind TrackKind) *fakeTrack {
	t := &fakeTrack{id: fmt.Sprintf("%s-track", kind), kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string        { return t.id }
func (t *fakeTrack) Kind() TrackKind   { return t.kind }
func (t *fakeTrack) Enabled() bool     { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *fakeTrack) Stop()             { t.stopped.Store(true) }

// fakeMedia answers GetUserMedia from a table keyed by constraints
type fakeMedia struct {
	mu       sync.Mutex
	results  map[Constraints]*LocalStream
	requests []Constraints
	gate     chan struct{}
}

var errDeviceBusy = errors.New("device busy")

func (m *fakeMedia) GetUserMedia(_ context.Context, c Constraints) (*LocalStream, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	if s, ok := m.results[c]; ok {
		return s, nil
	}
	return nil, errDeviceBusy
}

func avMedia() (*fakeMedia, *fakeTrack, *fakeTrack) {
	audio, video := newFakeTrack(KindAudio), newFakeTrack(KindVideo)
	return &fakeMedia{results: map[Constraints]*LocalStream{
		{Video: true, Audio: true}: {Tracks: []LocalTrack{audio, video}},
	}}, audio, video
}

func waitEvent(t *testing.T, sub *Subscription[Event], kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("event stream closed before %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}
