package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
)

const (
	defaultRejoinAttempts = 5
	defaultRejoinBackoff  = time.Second
	maxRejoinBackoff      = 15 * time.Second
	joinTimeout           = 15 * time.Second
	relayTimeout          = 5 * time.Second
	maxPendingCandidates  = 64
)

// ErrClosed is returned by Start after the call has ended
var ErrClosed = errors.New("call already closed")

// NegotiatorConfig wires a negotiator to its collaborators
type NegotiatorConfig struct {
	SessionID uuid.UUID
	Role      domain.Role
	Signal    SignalChannel
	Media     MediaSource
	Peers     PeerFactory

	// RejoinAttempts bounds reconnection after the signaling transport drops
	RejoinAttempts int
	// RejoinBackoff is the first retry delay; it doubles per attempt
	RejoinBackoff time.Duration
}

// loop events
type (
	startEvent  struct{}
	mediaResult struct {
		stream *LocalStream
		err    error
	}
	joinResult struct {
		sub     *Subscription[domain.SignalMessage]
		err     error
		attempt int
	}
	signalEvent struct {
		joinGen uint64
		msg     domain.SignalMessage
	}
	signalLost struct {
		joinGen uint64
	}
	rejoinEvent struct {
		attempt int
	}
	peerEvent struct {
		gen       uint64
		candidate *domain.ICECandidate
		track     *RemoteTrack
		state     PeerState
	}
)

// Negotiator runs one participant's side of the call. All negotiation
// state belongs to the loop goroutine; callbacks and async work post events
// to it. Peer events carry the generation of the connection that produced
// them so late callbacks from a closed connection are ignored.
type Negotiator struct {
	sessionID      uuid.UUID
	role           domain.Role
	signal         SignalChannel
	media          MediaSource
	peers          PeerFactory
	rejoinAttempts int
	rejoinBackoff  time.Duration
	log            *zap.Logger

	events chan any
	out    *fanout[Event]

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	postMu sync.RWMutex
	closed bool

	phase atomic.Value
	local atomic.Pointer[LocalStream]

	// loop-owned
	state       Phase
	pc          PeerConnection
	gen         uint64
	remoteSet   bool
	pending     []domain.ICECandidate
	remote      *RemoteTrack
	sub         *Subscription[domain.SignalMessage]
	joinGen     uint64
	rejoinTimer *time.Timer
}

// NewNegotiator creates an idle negotiator and starts its loop
func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.RejoinAttempts <= 0 {
		cfg.RejoinAttempts = defaultRejoinAttempts
	}
	if cfg.RejoinBackoff <= 0 {
		cfg.RejoinBackoff = defaultRejoinBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		sessionID:      cfg.SessionID,
		role:           cfg.Role,
		signal:         cfg.Signal,
		media:          cfg.Media,
		peers:          cfg.Peers,
		rejoinAttempts: cfg.RejoinAttempts,
		rejoinBackoff:  cfg.RejoinBackoff,
		log:            logger.Participant(cfg.SessionID.String(), string(cfg.Role)),
		events:         make(chan any, 256),
		out:            newFanout[Event](),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          PhaseIdle,
	}
	n.phase.Store(PhaseIdle)

	go n.run()
	return n
}

// Subscribe returns a subscription to call events. It is closed after
// EventClosed.
func (n *Negotiator) Subscribe() *Subscription[Event] {
	return n.out.subscribe(64)
}

// Phase returns the current phase
func (n *Negotiator) Phase() Phase {
	return n.phase.Load().(Phase)
}

// LocalTracks returns the captured tracks, empty before media is acquired
func (n *Negotiator) LocalTracks() []LocalTrack {
	if s := n.local.Load(); s != nil {
		return s.Tracks
	}
	return nil
}

// Start begins media acquisition and joins the room
func (n *Negotiator) Start() error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if n.started.Swap(true) {
		return errors.New("call already started")
	}
	if !n.post(startEvent{}) {
		return ErrClosed
	}
	return nil
}

// End tears the call down. Safe to call more than once and from any phase.
func (n *Negotiator) End() {
	n.cancel()
	<-n.done
}

// post hands an event to the loop. It fails once teardown has begun.
func (n *Negotiator) post(ev any) bool {
	n.postMu.RLock()
	defer n.postMu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.events <- ev:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Negotiator) run() {
	defer close(n.done)
	defer n.teardown()

	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.events:
			if n.ctx.Err() != nil {
				n.drop(ev)
				continue
			}
			n.handle(ev)
		}
	}
}

// drop releases what an unhandled event owns
func (n *Negotiator) drop(ev any) {
	switch ev := ev.(type) {
	case mediaResult:
		ev.stream.Release()
	case joinResult:
		if ev.sub != nil {
			ev.sub.Cancel()
		}
	}
}

func (n *Negotiator) handle(ev any) {
	switch ev := ev.(type) {
	case startEvent:
		n.setPhase(PhaseAcquiringMedia)
		go n.acquire()

	case mediaResult:
		n.onMedia(ev)

	case joinResult:
		n.onJoin(ev)

	case signalEvent:
		if ev.joinGen != n.joinGen {
			return
		}
		n.onSignal(ev.msg)

	case signalLost:
		if ev.joinGen != n.joinGen || n.sub == nil {
			return
		}
		n.onSignalLost()

	case rejoinEvent:
		if n.state != PhaseDisconnected {
			return
		}
		n.join(ev.attempt)

	case peerEvent:
		if ev.gen != n.gen || n.pc == nil {
			return
		}
		n.onPeer(ev)
	}
}

func (n *Negotiator) acquire() {
	stream, err := acquireMedia(n.ctx, n.media)
	if !n.post(mediaResult{stream: stream, err: err}) {
		stream.Release()
	}
}

func (n *Negotiator) onMedia(ev mediaResult) {
	if n.state != PhaseAcquiringMedia {
		ev.stream.Release()
		return
	}

	n.local.Store(ev.stream)
	n.emit(Event{Kind: EventLocalStream})
	if ev.err != nil {
		n.log.Warn("Proceeding without local media", zap.Error(ev.err))
		n.emit(Event{Kind: EventError, Err: ev.err})
	}

	n.join(0)
}

func (n *Negotiator) join(attempt int) {
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, joinTimeout)
		defer cancel()

		sub, err := n.signal.Join(ctx)
		if !n.post(joinResult{sub: sub, err: err, attempt: attempt}) && sub != nil {
			sub.Cancel()
		}
	}()
}

func (n *Negotiator) onJoin(ev joinResult) {
	expected := PhaseAcquiringMedia
	if ev.attempt > 0 {
		expected = PhaseDisconnected
	}
	if n.state != expected {
		if ev.sub != nil {
			ev.sub.Cancel()
		}
		return
	}

	if ev.err != nil {
		if ev.attempt == 0 {
			n.fail(fmt.Errorf("failed to join consultation: %w", ev.err))
			return
		}
		if ev.attempt >= n.rejoinAttempts {
			n.fail(fmt.Errorf("signaling lost, rejoin failed after %d attempts: %w", ev.attempt, ev.err))
			return
		}
		n.log.Warn("Rejoin failed", zap.Int("attempt", ev.attempt), zap.Error(ev.err))
		n.scheduleRejoin(ev.attempt + 1)
		return
	}

	n.joinGen++
	n.sub = ev.sub
	go n.forward(n.joinGen, ev.sub)

	n.setPhase(PhaseSignalingConnected)
	n.emit(Event{Kind: EventWaiting})
}

// forward feeds one subscription into the loop and reports its end
func (n *Negotiator) forward(joinGen uint64, sub *Subscription[domain.SignalMessage]) {
	for msg := range sub.C {
		if !n.post(signalEvent{joinGen: joinGen, msg: msg}) {
			return
		}
	}
	n.post(signalLost{joinGen: joinGen})
}

func (n *Negotiator) onSignal(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.SignalPeerJoined:
		n.emit(Event{Kind: EventPeerJoined, PeerRole: msg.Role, PeerName: msg.Name})
		if IsOfferer(n.role) {
			n.startOffer()
		}

	case domain.SignalOffer:
		if IsOfferer(n.role) {
			n.discard(msg)
			return
		}
		var desc domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			n.log.Warn("Malformed offer", zap.Error(err))
			return
		}
		n.startAnswer(desc)

	case domain.SignalAnswer:
		if !IsOfferer(n.role) || n.state != PhaseOfferSent || n.pc == nil || n.remoteSet {
			n.discard(msg)
			return
		}
		var desc domain.SessionDescription
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			n.log.Warn("Malformed answer", zap.Error(err))
			return
		}
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			n.log.Warn("Failed to apply answer", zap.Error(err))
			n.emit(Event{Kind: EventError, Err: err})
			return
		}
		n.remoteSet = true
		n.replayCandidates()

	case domain.SignalICECandidate:
		var cand domain.ICECandidate
		if err := json.Unmarshal(msg.Payload, &cand); err != nil {
			n.log.Warn("Malformed ICE candidate", zap.Error(err))
			return
		}
		if n.pc != nil && n.remoteSet {
			if err := n.pc.AddICECandidate(cand); err != nil {
				n.log.Debug("Failed to add ICE candidate", zap.Error(err))
			}
			return
		}
		// the offerer creates every connection, so without one the
		// candidate belongs to a negotiation that is already gone
		if n.pc == nil && IsOfferer(n.role) {
			n.discard(msg)
			return
		}
		if len(n.pending) >= maxPendingCandidates {
			n.log.Debug("ICE candidate buffer full, dropping candidate")
			return
		}
		n.pending = append(n.pending, cand)

	case domain.SignalPeerLeft:
		n.resetPeer()
		n.setPhase(PhaseSignalingConnected)
		n.emit(Event{Kind: EventPeerLeft, PeerRole: msg.Role, PeerName: msg.Name})

	case domain.SignalError:
		n.log.Warn("Signaling error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		n.emit(Event{Kind: EventError, Err: signalError(&msg)})

	default:
		n.discard(msg)
	}
}

func (n *Negotiator) startOffer() {
	if !n.newPeer() {
		return
	}

	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.log.Warn("Failed to create offer", zap.Error(err))
		n.emit(Event{Kind: EventError, Err: err})
		n.closePeer()
		return
	}

	n.setPhase(PhaseOfferSent)
	n.relay(domain.SignalOffer, offer)
}

func (n *Negotiator) startAnswer(offer domain.SessionDescription) {
	if !n.newPeer() {
		return
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		n.log.Warn("Failed to apply offer", zap.Error(err))
		n.emit(Event{Kind: EventError, Err: err})
		n.closePeer()
		return
	}
	n.remoteSet = true
	n.replayCandidates()

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.log.Warn("Failed to create answer", zap.Error(err))
		n.emit(Event{Kind: EventError, Err: err})
		n.closePeer()
		return
	}

	n.setPhase(PhaseAnswerSent)
	n.relay(domain.SignalAnswer, answer)
}

// newPeer replaces any existing connection. Candidates buffered while no
// connection existed are kept for the new one; those of a closed
// connection are dropped.
func (n *Negotiator) newPeer() bool {
	if n.pc != nil {
		n.closePeer()
		n.pending = nil
	}
	n.remote = nil

	n.gen++
	gen := n.gen
	pc, err := n.peers.NewPeerConnection(n.LocalTracks(), PeerHandlers{
		OnICECandidate: func(c domain.ICECandidate) {
			n.post(peerEvent{gen: gen, candidate: &c})
		},
		OnTrack: func(t RemoteTrack) {
			n.post(peerEvent{gen: gen, track: &t})
		},
		OnStateChange: func(s PeerState) {
			n.post(peerEvent{gen: gen, state: s})
		},
	})
	if err != nil {
		n.log.Error("Failed to create peer connection", zap.Error(err))
		n.emit(Event{Kind: EventError, Err: err})
		return false
	}

	n.pc = pc
	n.remoteSet = false
	return true
}

func (n *Negotiator) replayCandidates() {
	for _, c := range n.pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Debug("Failed to add buffered ICE candidate", zap.Error(err))
		}
	}
	n.pending = nil
}

func (n *Negotiator) onPeer(ev peerEvent) {
	switch {
	case ev.candidate != nil:
		n.relay(domain.SignalICECandidate, ev.candidate)

	case ev.track != nil:
		if n.remote != nil {
			return
		}
		n.remote = ev.track
		n.setPhase(PhaseConnected)
		n.emit(Event{Kind: EventConnected})

	case ev.state == PeerStateDisconnected || ev.state == PeerStateFailed:
		n.log.Info("Peer connection dropped", zap.String("state", string(ev.state)))
		n.resetPeer()
		n.setPhase(PhaseSignalingConnected)
		n.emit(Event{Kind: EventWaiting})
	}
}

func (n *Negotiator) onSignalLost() {
	n.sub = nil
	n.resetPeer()
	n.setPhase(PhaseDisconnected)
	n.emit(Event{Kind: EventDisconnected})
	n.scheduleRejoin(1)
}

func (n *Negotiator) scheduleRejoin(attempt int) {
	delay := n.rejoinBackoff << (attempt - 1)
	if delay > maxRejoinBackoff || delay <= 0 {
		delay = maxRejoinBackoff
	}
	n.log.Info("Rejoining signaling", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	n.rejoinTimer = time.AfterFunc(delay, func() {
		n.post(rejoinEvent{attempt: attempt})
	})
}

func (n *Negotiator) relay(kind domain.SignalType, payload any) {
	ctx, cancel := context.WithTimeout(n.ctx, relayTimeout)
	defer cancel()
	if err := n.signal.Relay(ctx, kind, payload); err != nil {
		n.log.Warn("Failed to relay", zap.String("type", string(kind)), zap.Error(err))
	}
}

// resetPeer returns to the pre-negotiation state
func (n *Negotiator) resetPeer() {
	n.closePeer()
	n.pending = nil
	n.remote = nil
}

func (n *Negotiator) closePeer() {
	if n.pc == nil {
		return
	}
	if err := n.pc.Close(); err != nil {
		n.log.Debug("Peer connection close", zap.Error(err))
	}
	n.pc = nil
	n.remoteSet = false
	n.gen++
}

// fail reports a terminal error and ends the loop
func (n *Negotiator) fail(err error) {
	n.log.Warn("Call failed", zap.Error(err))
	n.emit(Event{Kind: EventError, Err: err, Fatal: true})
	n.cancel()
}

func (n *Negotiator) teardown() {
	n.postMu.Lock()
	n.closed = true
	n.postMu.Unlock()

	if n.rejoinTimer != nil {
		n.rejoinTimer.Stop()
	}

	// results posted before the gate closed
	for drained := false; !drained; {
		select {
		case ev := <-n.events:
			n.drop(ev)
		default:
			drained = true
		}
	}

	n.closePeer()
	n.remote = nil
	n.pending = nil
	if n.sub != nil {
		n.sub.Cancel()
		n.sub = nil
	}
	if err := n.signal.Close(); err != nil {
		n.log.Debug("Signaling close", zap.Error(err))
	}
	if s := n.local.Load(); s != nil {
		s.Release()
	}

	n.setPhase(PhaseClosed)
	n.emit(Event{Kind: EventClosed})
	n.out.close()
}

func (n *Negotiator) setPhase(p Phase) {
	n.state = p
	n.phase.Store(p)
}

func (n *Negotiator) emit(ev Event) {
	ev.Phase = n.state
	if missed := n.out.publish(ev); missed > 0 {
		n.log.Debug("Call event missed by slow subscriber", zap.String("event", string(ev.Kind)))
	}
}

func (n *Negotiator) discard(msg domain.SignalMessage) {
	n.log.Debug("Discarding signal for current phase",
		zap.String("type", string(msg.Type)),
		zap.String("phase", string(n.state)))
}
