// Package call drives one side of a consultation call: it acquires local
// media, joins the signaling room and negotiates a Pion peer connection with
// the other participant.
package call

import (
	"context"
	"errors"
	"sync"

	"consultlink-backend/internal/domain"
)

// OfferInitiator is the role that creates the SDP offer
const OfferInitiator = domain.RoleDoctor

// IsOfferer reports whether role starts negotiation
func IsOfferer(role domain.Role) bool {
	return role == OfferInitiator
}

// ErrNoMedia is reported when no media source is configured at all
var ErrNoMedia = errors.New("no media source available")

// Phase is the negotiator's lifecycle position
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAcquiringMedia     Phase = "acquiring-media"
	PhaseSignalingConnected Phase = "signaling-connected"
	PhaseOfferSent          Phase = "offer-sent"
	PhaseAnswerSent         Phase = "answer-sent"
	PhaseConnected          Phase = "connected"
	PhaseDisconnected       Phase = "disconnected"
	PhaseClosed             Phase = "closed"
)

// EventKind names what happened in a call
type EventKind string

const (
	EventLocalStream  EventKind = "local-stream"
	EventWaiting      EventKind = "waiting"
	EventPeerJoined   EventKind = "peer-joined"
	EventConnected    EventKind = "connected"
	EventPeerLeft     EventKind = "peer-left"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventClosed       EventKind = "closed"
)

// Event is published to negotiator subscribers. Err is set for EventError;
// Fatal marks errors that closed the call.
type Event struct {
	Kind     EventKind
	Phase    Phase
	PeerRole domain.Role
	PeerName string
	Err      error
	Fatal    bool
}

// Subscription is a receive channel with its own cancel. C is closed after
// Cancel or when the producer shuts down.
type Subscription[T any] struct {
	C      <-chan T
	Cancel func()
}

// fanout delivers values to any number of subscriptions without blocking the
// producer; a subscriber that falls behind misses values
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[chan T]struct{}
	closed bool
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[chan T]struct{})}
}

func (f *fanout[T]) subscribe(buffer int) *Subscription[T] {
	ch := make(chan T, buffer)

	f.mu.Lock()
	if f.closed {
		close(ch)
	} else {
		f.subs[ch] = struct{}{}
	}
	f.mu.Unlock()

	var once sync.Once
	return &Subscription[T]{
		C: ch,
		Cancel: func() {
			once.Do(func() {
				f.mu.Lock()
				defer f.mu.Unlock()
				if _, ok := f.subs[ch]; ok {
					delete(f.subs, ch)
					close(ch)
				}
			})
		},
	}
}

func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	missed := 0
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			missed++
		}
	}
	return missed
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

// SignalChannel is the negotiator's view of the signaling transport
type SignalChannel interface {
	// Join opens the transport and enters the room. The subscription carries
	// every later inbound message and is closed when the transport is lost.
	Join(ctx context.Context) (*Subscription[domain.SignalMessage], error)
	Relay(ctx context.Context, kind domain.SignalType, payload any) error
	Close() error
}
