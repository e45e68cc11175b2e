package ws

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/middleware"
	"consultlink-backend/pkg/constants"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
	"consultlink-backend/pkg/sanitize"
	"consultlink-backend/pkg/token"
)

// ServeWS admits a participant and upgrades the request to a signaling socket.
//
// GET /v1/consultations/ws/signaling?session_id=&role=patient&token=&name=
// GET /v1/consultations/ws/signaling?session_id=&role=doctor (Authorization: Bearer, or access_token=)
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.FromError(c, appErrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}
	var once sync.Once
	release := func() { once.Do(func() { <-h.semaphore }) }

	client, err := h.admit(c)
	if err != nil {
		release()
		role := domain.Role(c.Query("role"))
		if !role.Valid() {
			role = "unknown"
		}
		h.metrics.RecordRoomJoin(string(role), "denied")
		response.FromError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", client.sessionID.String()),
			zap.Error(err))
		return
	}

	client.conn = conn
	client.release = release
	h.track(client)

	go client.writePump()
	go client.readPump()
}

// admit resolves who is connecting. Patients present the join-link token,
// doctors a clinician access token for a session they own.
func (h *SignalingHub) admit(c *gin.Context) (*SignalingClient, error) {
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		return nil, appErrors.ValidationError("session_id must be a valid UUID")
	}
	role := domain.Role(c.Query("role"))
	if !role.Valid() {
		return nil, appErrors.ValidationError("role must be doctor or patient")
	}

	ctx := c.Request.Context()
	var (
		info     *domain.JoinInfo
		userID   *uuid.UUID
		name     string
		identity string
	)

	switch role {
	case domain.RolePatient:
		info, err = h.admission.Validate(ctx, sessionID, c.Query("token"))
		if err != nil {
			return nil, err
		}
		name = info.PatientName
		identity = token.Hash(c.Query("token"))

	case domain.RoleDoctor:
		claims, err := h.doctorClaims(c)
		if err != nil {
			return nil, err
		}
		info, err = h.admission.AdmitDoctor(ctx, sessionID, claims.UserID)
		if err != nil {
			return nil, err
		}
		id := claims.UserID
		userID = &id
		name = info.DoctorName
		identity = id.String()
	}

	client := &SignalingClient{
		hub:       h,
		send:      make(chan []byte, 64),
		sessionID: sessionID,
		role:      role,
		userID:    userID,
		participant: domain.SignalingParticipant{
			ParticipantID: uuid.New().String(),
			SessionID:     sessionID,
			Role:          role,
			DisplayName:   cleanName(c.Query("name"), name),
			Identity:      identity,
		},
	}
	return client, nil
}

func (h *SignalingHub) doctorClaims(c *gin.Context) (*jwt.Claims, error) {
	raw := middleware.BearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		raw = c.Query("access_token")
	}
	if raw == "" || h.jwtManager == nil {
		return nil, appErrors.UnauthorizedError("Missing access token")
	}

	claims, err := h.jwtManager.ValidateToken(raw)
	if err != nil {
		return nil, appErrors.UnauthorizedError("Invalid or expired token")
	}
	if claims.Role != jwt.RoleDoctor {
		return nil, appErrors.ForbiddenError("Only clinicians may join as doctor")
	}
	return claims, nil
}

// originChecker accepts requests without an Origin header (native clients)
// and browser origins on the allow-list
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		if !ok {
			logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
		}
		return ok
	}
}

// cleanName sanitizes a client supplied display name, falling back when
// nothing printable is left
func cleanName(name, fallback string) string {
	if cleaned := sanitize.DisplayName(name, constants.MaxDisplayNameLength); cleaned != "" {
		return cleaned
	}
	return fallback
}
