package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/repository/memory"
	"consultlink-backend/pkg/constants"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const patientToken = "patient-link-token"

type fakeAdmission struct {
	sessionID uuid.UUID
	doctorID  uuid.UUID
}

func (a *fakeAdmission) info() *domain.JoinInfo {
	return &domain.JoinInfo{
		SessionID:   a.sessionID,
		DoctorName:  "Dr. Ana Lima",
		PatientName: "João Silva",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func (a *fakeAdmission) Validate(_ context.Context, sessionID uuid.UUID, accessToken string) (*domain.JoinInfo, error) {
	if sessionID != a.sessionID {
		return nil, appErrors.NotFoundError("Session")
	}
	if accessToken != patientToken {
		return nil, appErrors.InvalidTokenError("Invalid access token")
	}
	return a.info(), nil
}

func (a *fakeAdmission) AdmitDoctor(_ context.Context, sessionID, doctorID uuid.UUID) (*domain.JoinInfo, error) {
	if sessionID != a.sessionID {
		return nil, appErrors.NotFoundError("Session")
	}
	if doctorID != a.doctorID {
		return nil, appErrors.ForbiddenError("Not your session")
	}
	return a.info(), nil
}

type fakeActivator struct {
	activated chan uuid.UUID
}

func (f *fakeActivator) ActivateSession(_ context.Context, sessionID uuid.UUID) error {
	f.activated <- sessionID
	return nil
}

// fakeBroker fans published messages out to every subscriber of a session
type fakeBroker struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]chan *domain.RoutedSignal
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[uuid.UUID][]chan *domain.RoutedSignal)}
}

func (b *fakeBroker) Publish(_ context.Context, msg *domain.RoutedSignal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[msg.Message.SessionID] {
		copied := *msg
		ch <- &copied
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan *domain.RoutedSignal, error) {
	ch := make(chan *domain.RoutedSignal, 64)
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[sessionID]
		for i, c := range list {
			if c == ch {
				b.subs[sessionID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

type hubEnv struct {
	admission *fakeAdmission
	activator *fakeActivator
	jwt       *jwt.JWTManager
	store     *memory.RoomStore
}

func newHubEnv() *hubEnv {
	return &hubEnv{
		admission: &fakeAdmission{sessionID: uuid.New(), doctorID: uuid.New()},
		activator: &fakeActivator{activated: make(chan uuid.UUID, 4)},
		jwt:       jwt.NewJWTManager("hub-secret", time.Hour),
		store:     memory.NewRoomStore(constants.RoomCapacity),
	}
}

func (e *hubEnv) serve(t *testing.T, broker SignalBroker) (*SignalingHub, *httptest.Server) {
	t.Helper()
	hub := NewSignalingHub(HubConfig{MaxConnections: 8, PingInterval: time.Minute},
		e.store, broker, e.admission, e.activator, e.jwt, nil, nil)

	r := gin.New()
	r.GET("/ws/signaling", hub.ServeWS)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return hub, srv
}

func (e *hubEnv) doctorToken(t *testing.T) string {
	t.Helper()
	tok, err := e.jwt.GenerateAccessToken(e.admission.doctorID, "ana@clinic.test", "Dr. Ana Lima", "Cardiology", jwt.RoleDoctor)
	require.NoError(t, err)
	return tok
}

func wsURL(srv *httptest.Server, q url.Values) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signaling?" + q.Encode()
}

func (e *hubEnv) dialPatient(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("session_id", e.admission.sessionID.String())
	q.Set("role", "patient")
	q.Set("token", patientToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, q), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *hubEnv) dialDoctor(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("session_id", e.admission.sessionID.String())
	q.Set("role", "doctor")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.doctorToken(t))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, q), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg domain.SignalMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) domain.SignalMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg domain.SignalMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func join(t *testing.T, conn *websocket.Conn, sessionID uuid.UUID) domain.SignalMessage {
	t.Helper()
	send(t, conn, domain.SignalMessage{Type: domain.SignalJoin, SessionID: sessionID})
	return read(t, conn)
}

func TestServeWS_RejectsBadAdmission(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	tests := []struct {
		name   string
		query  url.Values
		header http.Header
		status int
	}{
		{
			name:   "wrong patient token",
			query:  url.Values{"session_id": {env.admission.sessionID.String()}, "role": {"patient"}, "token": {"nope"}},
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown session",
			query:  url.Values{"session_id": {uuid.New().String()}, "role": {"patient"}, "token": {patientToken}},
			status: http.StatusNotFound,
		},
		{
			name:   "bad role",
			query:  url.Values{"session_id": {env.admission.sessionID.String()}, "role": {"nurse"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "doctor without token",
			query:  url.Values{"session_id": {env.admission.sessionID.String()}, "role": {"doctor"}},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.query), tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestServeWS_RejectsOtherDoctor(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	tok, err := env.jwt.GenerateAccessToken(uuid.New(), "x@clinic.test", "Dr. X", "", jwt.RoleDoctor)
	require.NoError(t, err)
	q := url.Values{"session_id": {env.admission.sessionID.String()}, "role": {"doctor"}, "access_token": {tok}}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, q), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJoin_NotifiesBothSidesAndActivates(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	joined := join(t, doctor, sessionID)
	assert.Equal(t, domain.SignalJoined, joined.Type)
	assert.Equal(t, domain.RoleDoctor, joined.Role)
	assert.Equal(t, "Dr. Ana Lima", joined.Name)

	patient := env.dialPatient(t, srv)
	joined = join(t, patient, sessionID)
	assert.Equal(t, domain.SignalJoined, joined.Type)

	peer := read(t, patient)
	assert.Equal(t, domain.SignalPeerJoined, peer.Type)
	assert.Equal(t, domain.RoleDoctor, peer.Role)

	peer = read(t, doctor)
	assert.Equal(t, domain.SignalPeerJoined, peer.Type)
	assert.Equal(t, domain.RolePatient, peer.Role)
	assert.Equal(t, "João Silva", peer.Name)

	select {
	case id := <-env.activator.activated:
		assert.Equal(t, sessionID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("patient join did not activate the session")
	}
}

func TestJoin_DuplicateRoleGetsRoomFull(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	first := env.dialPatient(t, srv)
	require.Equal(t, domain.SignalJoined, join(t, first, sessionID).Type)

	second := env.dialPatient(t, srv)
	reply := join(t, second, sessionID)
	assert.Equal(t, domain.SignalError, reply.Type)
	assert.Equal(t, "ROOM_FULL", reply.Code)

	// the occupant keeps its slot
	doctor := env.dialDoctor(t, srv)
	require.Equal(t, domain.SignalJoined, join(t, doctor, sessionID).Type)
	assert.Equal(t, domain.RolePatient, read(t, doctor).Role)
}

func TestJoin_Twice(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	doctor := env.dialDoctor(t, srv)
	require.Equal(t, domain.SignalJoined, join(t, doctor, env.admission.sessionID).Type)

	reply := join(t, doctor, env.admission.sessionID)
	assert.Equal(t, domain.SignalError, reply.Type)
	assert.Equal(t, "INVALID_STATE", reply.Code)
}

func TestJoin_WrongSession(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	doctor := env.dialDoctor(t, srv)
	reply := join(t, doctor, uuid.New())
	assert.Equal(t, domain.SignalError, reply.Type)
	assert.Equal(t, "FORBIDDEN", reply.Code)
}

func TestRelay_ForwardsPayloadVerbatim(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	join(t, doctor, sessionID)
	patient := env.dialPatient(t, srv)
	join(t, patient, sessionID)
	read(t, patient) // peer-joined
	read(t, doctor)  // peer-joined

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)
	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, SessionID: sessionID, Role: domain.RolePatient, Payload: offer})

	got := read(t, patient)
	assert.Equal(t, domain.SignalOffer, got.Type)
	assert.Equal(t, domain.RoleDoctor, got.Role, "role is stamped with the sender")
	assert.JSONEq(t, string(offer), string(got.Payload))

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	send(t, patient, domain.SignalMessage{Type: domain.SignalICECandidate, SessionID: sessionID, Payload: candidate})

	got = read(t, doctor)
	assert.Equal(t, domain.SignalICECandidate, got.Type)
	assert.JSONEq(t, string(candidate), string(got.Payload))
}

func TestRelay_BeforeJoin(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	doctor := env.dialDoctor(t, srv)
	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{}`)})

	reply := read(t, doctor)
	assert.Equal(t, domain.SignalError, reply.Type)
	assert.Equal(t, "INVALID_STATE", reply.Code)
}

func TestRelay_WithoutPeerIsDropped(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	join(t, doctor, sessionID)
	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"early"}`)})
	// the hub handles a socket's messages in order, so this reply proves the
	// offer was processed
	require.Equal(t, "INVALID_STATE", join(t, doctor, sessionID).Code)

	patient := env.dialPatient(t, srv)
	join(t, patient, sessionID)
	assert.Equal(t, domain.SignalPeerJoined, read(t, patient).Type)
	read(t, doctor)

	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"fresh"}`)})
	got := read(t, patient)
	assert.JSONEq(t, `{"sdp":"fresh"}`, string(got.Payload))
}

func TestLeave_NotifiesPeerAndFreesSlot(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	join(t, doctor, sessionID)
	patient := env.dialPatient(t, srv)
	join(t, patient, sessionID)
	read(t, patient)
	read(t, doctor)

	send(t, patient, domain.SignalMessage{Type: domain.SignalLeave, SessionID: sessionID})
	left := read(t, doctor)
	assert.Equal(t, domain.SignalPeerLeft, left.Type)
	assert.Equal(t, domain.RolePatient, left.Role)

	// the patient can rejoin on the same socket
	assert.Equal(t, domain.SignalJoined, join(t, patient, sessionID).Type)
	assert.Equal(t, domain.SignalPeerJoined, read(t, patient).Type)
}

func TestDisconnect_NotifiesPeer(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	join(t, doctor, sessionID)
	patient := env.dialPatient(t, srv)
	join(t, patient, sessionID)
	read(t, patient)
	read(t, doctor)

	require.NoError(t, patient.Close())

	left := read(t, doctor)
	assert.Equal(t, domain.SignalPeerLeft, left.Type)

	rejoined := env.dialPatient(t, srv)
	assert.Equal(t, domain.SignalJoined, join(t, rejoined, sessionID).Type)
}

func TestUnsupportedMessageType(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)

	doctor := env.dialDoctor(t, srv)
	send(t, doctor, domain.SignalMessage{Type: "mute_audio"})

	reply := read(t, doctor)
	assert.Equal(t, domain.SignalError, reply.Type)
	assert.Equal(t, "VALIDATION_ERROR", reply.Code)
}

func TestCrossInstanceRelay(t *testing.T) {
	env := newHubEnv()
	broker := newFakeBroker()
	_, srvA := env.serve(t, broker)
	_, srvB := env.serve(t, broker)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srvA)
	require.Equal(t, domain.SignalJoined, join(t, doctor, sessionID).Type)

	patient := env.dialPatient(t, srvB)
	require.Equal(t, domain.SignalJoined, join(t, patient, sessionID).Type)
	assert.Equal(t, domain.RoleDoctor, read(t, patient).Role)

	peer := read(t, doctor)
	assert.Equal(t, domain.SignalPeerJoined, peer.Type)
	assert.Equal(t, domain.RolePatient, peer.Role)

	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"a"}`)})
	got := read(t, patient)
	assert.Equal(t, domain.SignalOffer, got.Type)
	assert.JSONEq(t, `{"sdp":"a"}`, string(got.Payload))

	send(t, patient, domain.SignalMessage{Type: domain.SignalAnswer, Payload: json.RawMessage(`{"sdp":"b"}`)})
	got = read(t, doctor)
	assert.Equal(t, domain.SignalAnswer, got.Type)

	send(t, patient, domain.SignalMessage{Type: domain.SignalLeave})
	assert.Equal(t, domain.SignalPeerLeft, read(t, doctor).Type)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.consultlink.test/"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "native clients send no origin")

	req.Header.Set("Origin", "https://app.consultlink.test")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestJoin_ResumeReplacesStaleConnection(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	join(t, doctor, sessionID)
	stale := env.dialPatient(t, srv)
	first := join(t, stale, sessionID)
	require.NotEmpty(t, first.ParticipantID)
	read(t, stale)
	read(t, doctor)

	// a second tab with the same link cannot take the slot
	other := env.dialPatient(t, srv)
	reply := join(t, other, sessionID)
	assert.Equal(t, "ROOM_FULL", reply.Code)

	// the same client resuming can
	resumed := env.dialPatient(t, srv)
	send(t, resumed, domain.SignalMessage{Type: domain.SignalJoin, SessionID: sessionID, ParticipantID: first.ParticipantID})
	joined := read(t, resumed)
	require.Equal(t, domain.SignalJoined, joined.Type)
	assert.NotEqual(t, first.ParticipantID, joined.ParticipantID)
	assert.Equal(t, domain.RoleDoctor, read(t, resumed).Role)

	assert.Equal(t, domain.SignalPeerLeft, read(t, doctor).Type)
	assert.Equal(t, domain.SignalPeerJoined, read(t, doctor).Type)

	require.NoError(t, stale.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := stale.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 2, env.store.Count(sessionID))

	// relays reach the new connection
	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"again"}`)})
	assert.Equal(t, domain.SignalOffer, read(t, resumed).Type)
}

func TestJoin_ResumeRequiresSameIdentity(t *testing.T) {
	env := newHubEnv()
	_, srv := env.serve(t, nil)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srv)
	first := join(t, doctor, sessionID)

	// a patient cannot claim the doctor's connection id
	patient := env.dialPatient(t, srv)
	send(t, patient, domain.SignalMessage{Type: domain.SignalJoin, SessionID: sessionID, ParticipantID: first.ParticipantID})
	assert.Equal(t, domain.SignalJoined, read(t, patient).Type)
	assert.Equal(t, domain.RoleDoctor, read(t, patient).Role)

	// a wrong connection id is a plain duplicate
	again := env.dialDoctor(t, srv)
	send(t, again, domain.SignalMessage{Type: domain.SignalJoin, SessionID: sessionID, ParticipantID: uuid.NewString()})
	assert.Equal(t, "ROOM_FULL", read(t, again).Code)
}

func TestCrossInstanceResume(t *testing.T) {
	env := newHubEnv()
	broker := newFakeBroker()
	_, srvA := env.serve(t, broker)
	_, srvB := env.serve(t, broker)
	sessionID := env.admission.sessionID

	doctor := env.dialDoctor(t, srvA)
	join(t, doctor, sessionID)
	stale := env.dialPatient(t, srvA)
	first := join(t, stale, sessionID)
	read(t, stale)
	read(t, doctor)

	resumed := env.dialPatient(t, srvB)
	send(t, resumed, domain.SignalMessage{Type: domain.SignalJoin, SessionID: sessionID, ParticipantID: first.ParticipantID})
	require.Equal(t, domain.SignalJoined, read(t, resumed).Type)
	assert.Equal(t, domain.SignalPeerJoined, read(t, resumed).Type)

	assert.Equal(t, domain.SignalPeerLeft, read(t, doctor).Type)
	assert.Equal(t, domain.SignalPeerJoined, read(t, doctor).Type)

	// instance A drops its stale socket
	require.NoError(t, stale.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := stale.ReadMessage()
	require.Error(t, err)

	// and the doctor's relays go only to the resumed connection
	send(t, doctor, domain.SignalMessage{Type: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":"x"}`)})
	assert.Equal(t, domain.SignalOffer, read(t, resumed).Type)
}
