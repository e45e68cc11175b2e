package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/audit"
	"consultlink-backend/pkg/constants"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/metrics"
)

// hubIOTimeout bounds each store or broker call made from the hub loop
const hubIOTimeout = 5 * time.Second

// RoomStore holds the two slots of each consultation room. Claim must be
// atomic: it admits the participant and returns the other occupant, or
// fails with ROOM_FULL. A participant resuming its own connection takes the
// slot over. Release reports whether p still held its slot.
type RoomStore interface {
	Claim(ctx context.Context, p domain.SignalingParticipant) (*domain.SlotClaim, error)
	Release(ctx context.Context, p domain.SignalingParticipant) (bool, error)
}

// SignalBroker carries messages between hub instances
type SignalBroker interface {
	Publish(ctx context.Context, msg *domain.RoutedSignal) error
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan *domain.RoutedSignal, error)
}

// Admission decides who may open a signaling connection
type Admission interface {
	Validate(ctx context.Context, sessionID uuid.UUID, accessToken string) (*domain.JoinInfo, error)
	AdmitDoctor(ctx context.Context, sessionID, doctorID uuid.UUID) (*domain.JoinInfo, error)
}

// SessionActivator marks a session active when the patient arrives
type SessionActivator interface {
	ActivateSession(ctx context.Context, sessionID uuid.UUID) error
}

// room is the local view of a consultation room: the sockets connected to
// this instance, keyed by role
type room struct {
	clients   map[domain.Role]*SignalingClient
	cancelSub context.CancelFunc
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventRelay
	eventReply
)

// clientEvent is a request from a socket to the hub loop. A single channel
// keeps each client's requests in the order they were read.
type clientEvent struct {
	kind       eventKind
	client     *SignalingClient
	msg        *domain.SignalMessage
	disconnect bool
}

// SignalingHub pairs a doctor and a patient per consultation and relays
// their offer, answer and ICE messages. All room state is owned by the run
// loop; with a broker configured, peers may sit on different instances.
type SignalingHub struct {
	rooms map[uuid.UUID]*room

	store      RoomStore
	broker     SignalBroker
	admission  Admission
	activator  SessionActivator
	jwtManager *jwt.JWTManager
	auditLog   *audit.AuditLogger
	metrics    *metrics.Metrics
	instanceID string

	pingInterval time.Duration
	upgrader     websocket.Upgrader

	// maxConnections bounds concurrent sockets; semaphore holds one token per socket
	maxConnections int
	semaphore      chan struct{}

	events  chan *clientEvent
	inbound chan *domain.RoutedSignal

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	clientsMu sync.Mutex
	clients   map[*SignalingClient]struct{}
}

// HubConfig tunes the signaling endpoint
type HubConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	AllowedOrigins []string
}

// NewSignalingHub creates a hub and starts its run loop. broker, activator,
// auditLog and m may be nil.
func NewSignalingHub(cfg HubConfig, store RoomStore, broker SignalBroker, admission Admission, activator SessionActivator, jwtManager *jwt.JWTManager, auditLog *audit.AuditLogger, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &SignalingHub{
		rooms:          make(map[uuid.UUID]*room),
		store:          store,
		broker:         broker,
		admission:      admission,
		activator:      activator,
		jwtManager:     jwtManager,
		auditLog:       auditLog,
		metrics:        m,
		instanceID:     uuid.New().String(),
		pingInterval:   cfg.PingInterval,
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		events:  make(chan *clientEvent, 256),
		inbound: make(chan *domain.RoutedSignal, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		clients: make(map[*SignalingClient]struct{}),
	}

	go h.run()

	return h
}

// Close stops the run loop and disconnects every client
func (h *SignalingHub) Close() {
	h.cancel()
	<-h.done
}

// run handles hub operations
func (h *SignalingHub) run() {
	defer close(h.done)
	defer h.shutdown()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev := <-h.events:
			switch ev.kind {
			case eventJoin:
				h.handleJoin(ev.client, ev.msg)
			case eventLeave:
				h.handleLeave(ev.client, ev.disconnect)
			case eventRelay:
				h.handleRelay(ev.client, ev.msg)
			case eventReply:
				h.deliver(ev.client, ev.msg)
			}

		case sig := <-h.inbound:
			h.handleInbound(sig)
		}
	}
}

// handleJoin claims a slot for the client. The room's broker subscription is
// confirmed before the claim so no peer notification published after the
// claim can be missed.
func (h *SignalingHub) handleJoin(c *SignalingClient, msg *domain.SignalMessage) {
	log := logger.Participant(c.sessionID.String(), string(c.role))

	if c.joined {
		h.deliver(c, errorMessage(c.sessionID, appErrors.InvalidStateError("already joined")))
		return
	}
	if (msg.SessionID != uuid.Nil && msg.SessionID != c.sessionID) || (msg.Role != "" && msg.Role != c.role) {
		h.deliver(c, errorMessage(c.sessionID, appErrors.ForbiddenError("join does not match the admitted session or role")))
		return
	}
	if msg.Name != "" {
		c.participant.DisplayName = cleanName(msg.Name, c.participant.DisplayName)
	}
	c.participant.Replaces = msg.ParticipantID

	r, created, err := h.openRoom(c.sessionID)
	if err != nil {
		log.Warn("Failed to open room", zap.Error(err))
		h.metrics.RecordRoomJoin(string(c.role), "error")
		h.deliver(c, errorMessage(c.sessionID, appErrors.ServiceUnavailableError("signaling temporarily unavailable")))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, hubIOTimeout)
	c.participant.JoinedAt = time.Now().UTC()
	claim, err := h.store.Claim(ctx, c.participant)
	cancel()
	if err != nil {
		if created {
			h.closeRoom(c.sessionID, r)
		}
		if appErrors.IsCode(err, appErrors.ErrCodeRoomFull) {
			log.Info("Room full, join rejected")
			h.metrics.RecordRoomJoin(string(c.role), "room_full")
			h.logAudit(audit.EventRoomFull, c, false, string(appErrors.ErrCodeRoomFull))
			h.deliver(c, errorMessage(c.sessionID, err))
			return
		}
		log.Warn("Room claim failed", zap.Error(err))
		h.metrics.RecordRoomJoin(string(c.role), "error")
		h.deliver(c, errorMessage(c.sessionID, appErrors.ServiceUnavailableError("signaling temporarily unavailable")))
		return
	}

	if claim.Replaced != nil {
		h.evict(c.sessionID, r, *claim.Replaced)
	}
	other := claim.Other

	r.clients[c.role] = c
	c.joined = true
	h.metrics.RecordRoomJoin(string(c.role), "joined")
	h.metrics.SetActiveRooms(len(h.rooms))
	h.logAudit(audit.EventJoinAdmitted, c, true, "")
	log.Info("Participant joined room",
		zap.Bool("peer_present", other != nil),
		zap.Bool("resumed", claim.Replaced != nil))

	h.deliver(c, &domain.SignalMessage{
		Type:          domain.SignalJoined,
		SessionID:     c.sessionID,
		Role:          c.role,
		Name:          c.participant.DisplayName,
		ParticipantID: c.participant.ParticipantID,
	})

	if other != nil {
		h.deliver(c, &domain.SignalMessage{
			Type:      domain.SignalPeerJoined,
			SessionID: c.sessionID,
			Role:      other.Role,
			Name:      other.DisplayName,
		})
		h.sendToRole(c.sessionID, other.Role, &domain.SignalMessage{
			Type:      domain.SignalPeerJoined,
			SessionID: c.sessionID,
			Role:      c.role,
			Name:      c.participant.DisplayName,
		})
	}

	if c.role == domain.RolePatient && h.activator != nil {
		go h.activate(c.sessionID)
	}
}

// handleLeave frees the client's slot and tells the peer. On disconnect the
// client's send channel is closed as well. A client whose slot was already
// taken over by its resumed connection leaves silently.
func (h *SignalingHub) handleLeave(c *SignalingClient, disconnect bool) {
	if c.joined {
		c.joined = false
		r := h.rooms[c.sessionID]
		if r != nil && r.clients[c.role] == c {
			delete(r.clients, c.role)

			ctx, cancel := context.WithTimeout(h.ctx, hubIOTimeout)
			released, err := h.store.Release(ctx, c.participant)
			cancel()
			if err != nil {
				logger.Session(c.sessionID.String()).Warn("Failed to release room slot", zap.Error(err))
				released = true
			}

			if released {
				h.sendToRole(c.sessionID, c.role.Other(), peerLeft(c.sessionID, c.participant))
			}

			if len(r.clients) == 0 {
				h.closeRoom(c.sessionID, r)
			}
			h.metrics.SetActiveRooms(len(h.rooms))
			logger.Participant(c.sessionID.String(), string(c.role)).Info("Participant left room")
		}
	}

	if disconnect && !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleRelay forwards offer, answer and ICE payloads verbatim to the other
// participant. Without a peer the message is dropped.
func (h *SignalingHub) handleRelay(c *SignalingClient, msg *domain.SignalMessage) {
	if !c.joined {
		h.deliver(c, errorMessage(c.sessionID, appErrors.InvalidStateError("join the session before signaling")))
		return
	}

	out := &domain.SignalMessage{
		Type:      msg.Type,
		SessionID: c.sessionID,
		Role:      c.role,
		Payload:   msg.Payload,
	}

	target := c.role.Other()
	if r := h.rooms[c.sessionID]; r != nil {
		if peer := r.clients[target]; peer != nil {
			h.deliver(peer, out)
			return
		}
	}

	if h.broker == nil {
		h.metrics.RecordDroppedMessage(string(msg.Type))
		logger.Debug("Relay dropped, no peer in room",
			zap.String("session_id", c.sessionID.String()),
			zap.String("type", string(msg.Type)))
		return
	}
	h.publish(target, out)
}

// handleInbound delivers a message published by another instance
func (h *SignalingHub) handleInbound(sig *domain.RoutedSignal) {
	if sig.Origin == h.instanceID {
		return
	}

	r := h.rooms[sig.Message.SessionID]
	if r == nil {
		return
	}
	if sig.Evict != "" {
		if h.dropStale(r, sig.Target, sig.Evict) && len(r.clients) == 0 {
			h.closeRoom(sig.Message.SessionID, r)
			h.metrics.SetActiveRooms(len(h.rooms))
		}
		return
	}
	peer := r.clients[sig.Target]
	if peer == nil {
		if sig.Message.Type.IsRelay() {
			h.metrics.RecordDroppedMessage(string(sig.Message.Type))
		}
		return
	}

	msg := sig.Message
	h.deliver(peer, &msg)
}

// evict retires the connection a resuming participant replaced. The peer
// sees it leave before the new connection's peer-joined.
func (h *SignalingHub) evict(sessionID uuid.UUID, r *room, stale domain.SignalingParticipant) {
	if !h.dropStale(r, stale.Role, stale.ParticipantID) && h.broker != nil {
		h.publishEvict(sessionID, stale)
	}
	h.sendToRole(sessionID, stale.Role.Other(), peerLeft(sessionID, stale))
	logger.Session(sessionID.String()).Info("Replaced stale connection",
		zap.String("role", string(stale.Role)),
		zap.String("participant_id", stale.ParticipantID))
}

// dropStale closes the local socket of participantID without releasing its
// slot, which already belongs to the new connection
func (h *SignalingHub) dropStale(r *room, role domain.Role, participantID string) bool {
	old := r.clients[role]
	if old == nil || old.participant.ParticipantID != participantID {
		return false
	}
	old.joined = false
	delete(r.clients, role)
	old.conn.Close()
	h.metrics.RecordWebSocketError("replaced")
	return true
}

func (h *SignalingHub) publishEvict(sessionID uuid.UUID, stale domain.SignalingParticipant) {
	ctx, cancel := context.WithTimeout(h.ctx, hubIOTimeout)
	defer cancel()

	err := h.broker.Publish(ctx, &domain.RoutedSignal{
		Origin:  h.instanceID,
		Target:  stale.Role,
		Message: domain.SignalMessage{SessionID: sessionID},
		Evict:   stale.ParticipantID,
	})
	if err != nil {
		logger.Session(sessionID.String()).Warn("Failed to publish eviction", zap.Error(err))
	}
}

func peerLeft(sessionID uuid.UUID, p domain.SignalingParticipant) *domain.SignalMessage {
	return &domain.SignalMessage{
		Type:      domain.SignalPeerLeft,
		SessionID: sessionID,
		Role:      p.Role,
		Name:      p.DisplayName,
	}
}

// sendToRole delivers to the local socket of role, or publishes for the
// instance that holds it
func (h *SignalingHub) sendToRole(sessionID uuid.UUID, role domain.Role, msg *domain.SignalMessage) {
	if r := h.rooms[sessionID]; r != nil {
		if peer := r.clients[role]; peer != nil {
			h.deliver(peer, msg)
			return
		}
	}
	if h.broker != nil {
		h.publish(role, msg)
	}
}

func (h *SignalingHub) publish(target domain.Role, msg *domain.SignalMessage) {
	ctx, cancel := context.WithTimeout(h.ctx, hubIOTimeout)
	defer cancel()

	err := h.broker.Publish(ctx, &domain.RoutedSignal{
		Origin:  h.instanceID,
		Target:  target,
		Message: *msg,
	})
	if err != nil {
		h.metrics.RecordDroppedMessage(string(msg.Type))
		logger.Session(msg.SessionID.String()).Warn("Failed to publish signaling message",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

// openRoom returns the local room, creating it and its broker subscription
// if needed
func (h *SignalingHub) openRoom(sessionID uuid.UUID) (*room, bool, error) {
	if r := h.rooms[sessionID]; r != nil {
		return r, false, nil
	}

	r := &room{clients: make(map[domain.Role]*SignalingClient)}
	if h.broker != nil {
		subCtx, cancelSub := context.WithCancel(h.ctx)
		ctx, cancel := context.WithTimeout(subCtx, hubIOTimeout)
		ch, err := h.subscribe(ctx, subCtx, sessionID)
		cancel()
		if err != nil {
			cancelSub()
			return nil, false, err
		}
		r.cancelSub = cancelSub
		go h.forward(subCtx, ch)
	}

	h.rooms[sessionID] = r
	return r, true, nil
}

// subscribe confirms the subscription under confirmCtx; the returned channel
// lives until subCtx is cancelled
func (h *SignalingHub) subscribe(confirmCtx, subCtx context.Context, sessionID uuid.UUID) (<-chan *domain.RoutedSignal, error) {
	type result struct {
		ch  <-chan *domain.RoutedSignal
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := h.broker.Subscribe(subCtx, sessionID)
		res <- result{ch, err}
	}()

	select {
	case r := <-res:
		return r.ch, r.err
	case <-confirmCtx.Done():
		return nil, confirmCtx.Err()
	}
}

func (h *SignalingHub) closeRoom(sessionID uuid.UUID, r *room) {
	if r.cancelSub != nil {
		r.cancelSub()
	}
	delete(h.rooms, sessionID)
}

// forward feeds broker messages into the run loop
func (h *SignalingHub) forward(ctx context.Context, ch <-chan *domain.RoutedSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.inbound <- sig:
			case <-ctx.Done():
				return
			}
		}
	}
}

// deliver queues msg on the client's socket. A client that cannot keep up is
// disconnected.
func (h *SignalingHub) deliver(c *SignalingClient, msg *domain.SignalMessage) {
	if c.closed {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal signaling message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
		h.metrics.RecordWebSocketMessage(string(msg.Type), "out")
	default:
		logger.Session(c.sessionID.String()).Warn("Signaling client too slow, disconnecting",
			zap.String("role", string(c.role)))
		h.metrics.RecordWebSocketError("slow_consumer")
		c.conn.Close()
	}
}

func (h *SignalingHub) activate(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(h.ctx, hubIOTimeout)
	defer cancel()

	if err := h.activator.ActivateSession(ctx, sessionID); err != nil {
		logger.Session(sessionID.String()).Warn("Failed to activate session on patient join", zap.Error(err))
	}
}

func (h *SignalingHub) logAudit(eventType audit.AuditEventType, c *SignalingClient, success bool, code string) {
	if h.auditLog == nil {
		return
	}
	event := &audit.AuditEvent{
		UserID:    c.userID,
		SessionID: c.sessionID,
		EventType: eventType,
		Role:      string(c.role),
		Success:   success,
		ErrorCode: code,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hubIOTimeout)
		defer cancel()
		if err := h.auditLog.Log(ctx, event); err != nil {
			logger.Warn("Failed to write audit event", zap.Error(err))
		}
	}()
}

// shutdown releases every slot this instance holds and closes the sockets
func (h *SignalingHub) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), hubIOTimeout)
	defer cancel()

	for sessionID, r := range h.rooms {
		for _, c := range r.clients {
			if _, err := h.store.Release(ctx, c.participant); err != nil {
				logger.Session(sessionID.String()).Warn("Failed to release room slot on shutdown", zap.Error(err))
			}
		}
		if r.cancelSub != nil {
			r.cancelSub()
		}
	}
	h.rooms = make(map[uuid.UUID]*room)

	h.clientsMu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clientsMu.Unlock()
}

func (h *SignalingHub) track(c *SignalingClient) {
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()
	h.metrics.AddWebSocketConnections(1)
}

func (h *SignalingHub) untrack(c *SignalingClient) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()
	h.metrics.AddWebSocketConnections(-1)
}

func errorMessage(sessionID uuid.UUID, err error) *domain.SignalMessage {
	appErr := appErrors.GetAppError(err)
	return &domain.SignalMessage{
		Type:      domain.SignalError,
		SessionID: sessionID,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
	}
}
