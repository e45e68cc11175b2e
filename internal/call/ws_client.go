package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
)

const joinReplyTimeout = 10 * time.Second

// errNotJoined is returned by Relay without a live connection
var errNotJoined = errors.New("signaling channel not joined")

// WSSignalConfig locates and authenticates a signaling endpoint
type WSSignalConfig struct {
	// URL is the signaling endpoint, e.g. wss://host/v1/consultations/ws/signaling
	URL       string
	SessionID uuid.UUID
	Role      domain.Role
	Name      string
	// Token is the join-link token for patients
	Token string
	// AccessToken is the clinician JWT for doctors
	AccessToken string
	// PongWait is how long the server may stay silent before the connection
	// counts as lost. Pings go out at nine tenths of it.
	PongWait time.Duration
}

// WSSignalClient speaks the signaling protocol over gorilla/websocket. Each
// Join dials a fresh connection; after a lost connection the next Join
// resumes the previous slot.
type WSSignalClient struct {
	cfg    WSSignalConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *wsConn
	// participantID is the server's id for the last joined connection
	participantID string
}

// NewWSSignalClient creates a client; nothing is dialed until Join
func NewWSSignalClient(cfg WSSignalConfig) *WSSignalClient {
	if cfg.PongWait <= 0 {
		cfg.PongWait = constants.WebSocketClientPongWait
	}
	return &WSSignalClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// wsConn is one dialed connection with its writer goroutine
type wsConn struct {
	ws       *websocket.Conn
	out      chan []byte
	in       chan domain.SignalMessage
	quit     chan struct{}
	once     sync.Once
	pongWait time.Duration
}

func (c *wsConn) shutdown() {
	c.once.Do(func() {
		close(c.quit)
	})
}

func (c *WSSignalClient) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", c.cfg.SessionID.String())
	q.Set("role", string(c.cfg.Role))
	if c.cfg.Name != "" {
		q.Set("name", c.cfg.Name)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Join dials, sends join-session and waits for joined. Server refusals come
// back as AppErrors carrying the server's code, ROOM_FULL included.
func (c *WSSignalClient) Join(ctx context.Context) (*Subscription[domain.SignalMessage], error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.shutdown()
		c.conn = nil
	}
	resume := c.participantID
	c.mu.Unlock()

	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if appErr := decodeHandshakeError(resp); appErr != nil {
				return nil, appErr
			}
		}
		return nil, fmt.Errorf("failed to dial signaling: %w", err)
	}

	ws.SetReadLimit(constants.WebSocketMaxMessageSize)

	joined, err := handshake(ctx, ws, &domain.SignalMessage{
		Type:          domain.SignalJoin,
		SessionID:     c.cfg.SessionID,
		Role:          c.cfg.Role,
		Name:          c.cfg.Name,
		ParticipantID: resume,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	logger.Session(c.cfg.SessionID.String()).Info("Joined signaling room",
		zap.String("role", string(c.cfg.Role)),
		zap.String("name", joined.Name),
		zap.Bool("resumed", resume != ""))

	conn := &wsConn{
		ws:       ws,
		out:      make(chan []byte, 64),
		in:       make(chan domain.SignalMessage, 64),
		quit:     make(chan struct{}),
		pongWait: c.cfg.PongWait,
	}
	conn.extendDeadline()
	ws.SetPongHandler(func(string) error {
		conn.extendDeadline()
		return nil
	})
	go conn.writeLoop()
	go conn.readLoop()

	c.mu.Lock()
	c.conn = conn
	c.participantID = joined.ParticipantID
	c.mu.Unlock()

	return &Subscription[domain.SignalMessage]{C: conn.in, Cancel: conn.shutdown}, nil
}

// handshake writes the join request and waits for joined or error
func handshake(ctx context.Context, ws *websocket.Conn, join *domain.SignalMessage) (*domain.SignalMessage, error) {
	deadline := time.Now().Add(joinReplyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(join); err != nil {
		return nil, fmt.Errorf("failed to send join: %w", err)
	}

	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})
	for {
		var msg domain.SignalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("failed to read join reply: %w", err)
		}
		switch msg.Type {
		case domain.SignalJoined:
			return &msg, nil
		case domain.SignalError:
			return nil, signalError(&msg)
		}
	}
}

// signalError turns a server error message into an AppError
func signalError(msg *domain.SignalMessage) error {
	code := appErrors.ErrorCode(msg.Code)
	if code == appErrors.ErrCodeRoomFull {
		return appErrors.RoomFullError()
	}
	if code == "" {
		code = appErrors.ErrCodeInternal
	}
	return appErrors.New(code, msg.Message)
}

func decodeHandshakeError(resp *http.Response) *appErrors.AppError {
	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
		return nil
	}
	return appErrors.NewWithStatus(appErrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
}

// Relay sends an offer, answer or ICE candidate. Writes are queued to the
// connection's single writer in call order.
func (c *WSSignalClient) Relay(ctx context.Context, kind domain.SignalType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	data, err := json.Marshal(&domain.SignalMessage{
		Type:      kind,
		SessionID: c.cfg.SessionID,
		Role:      c.cfg.Role,
		Payload:   raw,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotJoined
	}
	select {
	case <-conn.quit:
		return errNotJoined
	default:
	}

	select {
	case conn.out <- data:
		return nil
	case <-conn.quit:
		return errNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the room and drops the connection. The slot is released, so
// a later Join starts fresh.
func (c *WSSignalClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.participantID = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	leave, _ := json.Marshal(&domain.SignalMessage{Type: domain.SignalLeave, SessionID: c.cfg.SessionID})
	select {
	case conn.out <- leave:
	default:
	}
	conn.shutdown()
	return nil
}

func (c *wsConn) extendDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
}

// writeLoop is the connection's only writer. It pings the server so a dead
// path surfaces as a read timeout. On quit it flushes what is already
// queued, then closes the socket.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	write := func(data []byte) bool {
		c.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
		return c.ws.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case data := <-c.out:
			if !write(data) {
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.quit:
			for {
				select {
				case data := <-c.out:
					if !write(data) {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readLoop delivers inbound messages until the socket fails or the server
// goes silent past pongWait, then closes in
func (c *wsConn) readLoop() {
	defer close(c.in)
	defer c.shutdown()

	for {
		var msg domain.SignalMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.quit:
			default:
				logger.Warn("Signaling connection lost", zap.Error(err))
			}
			return
		}
		c.extendDeadline()
		select {
		case c.in <- msg:
		case <-c.quit:
			return
		}
	}
}
