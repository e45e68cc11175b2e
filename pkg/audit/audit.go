package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"consultlink-backend/pkg/constants"
	"consultlink-backend/pkg/logger"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Lifecycle events
	EventSessionCreate   AuditEventType = "consultation_create"
	EventSessionActivate AuditEventType = "consultation_activate"
	EventSessionCancel   AuditEventType = "consultation_cancel"
	EventSessionEnd      AuditEventType = "consultation_end"
	EventSessionExpire   AuditEventType = "consultation_expire"

	// Access events
	EventJoinAdmitted AuditEventType = "join_admitted"
	EventJoinDenied   AuditEventType = "join_denied"
	EventRoomFull     AuditEventType = "room_full"
)

// AuditEvent represents an audit log entry
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	SessionID uuid.UUID      `json:"session_id"`
	EventType AuditEventType `json:"event_type"`
	Role      string         `json:"role,omitempty"`
	Success   bool           `json:"success"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLogger appends events to a per-day Redis list. With no Redis client
// events are written to the structured log only.
type AuditLogger struct {
	redisClient *redis.Client
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(redisClient *redis.Client) *AuditLogger {
	return &AuditLogger{
		redisClient: redisClient,
	}
}

// Log logs an audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	event.Timestamp = time.Now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	logger.Info("Audit event",
		zap.String("event_type", string(event.EventType)),
		zap.String("session_id", event.SessionID.String()),
		zap.Bool("success", event.Success),
		zap.String("error_code", event.ErrorCode))

	if al.redisClient == nil {
		return nil
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := fmt.Sprintf("audit:consultations:%s", event.Timestamp.Format("2006-01-02"))

	pipe := al.redisClient.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, constants.AuditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	return nil
}

// LogLifecycle records a status transition performed by a clinician or the system
func (al *AuditLogger) LogLifecycle(ctx context.Context, eventType AuditEventType, sessionID uuid.UUID, userID *uuid.UUID) error {
	return al.Log(ctx, &AuditEvent{
		UserID:    userID,
		SessionID: sessionID,
		EventType: eventType,
		Success:   true,
	})
}

// LogJoinDenied records a rejected join attempt. tokenFingerprint must never be the raw token.
func (al *AuditLogger) LogJoinDenied(ctx context.Context, sessionID uuid.UUID, role, errorCode, tokenFingerprint string) error {
	return al.Log(ctx, &AuditEvent{
		SessionID: sessionID,
		EventType: EventJoinDenied,
		Role:      role,
		Success:   false,
		ErrorCode: errorCode,
		Details:   "token_fp=" + tokenFingerprint,
	})
}
