package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a consultation
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusCancelled SessionStatus = "cancelled"
)

var (
	// ErrSessionNotFound is returned by repositories when no row matches
	ErrSessionNotFound = errors.New("consultation session not found")
	// ErrStatusConflict is returned when a conditional transition finds a different status
	ErrStatusConflict = errors.New("consultation session status changed concurrently")
)

// transitions lists the statuses each status may move to.
var transitions = map[SessionStatus][]SessionStatus{
	StatusPending: {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:  {StatusCompleted},
}

// IsTerminal reports whether no further transition is possible
func (s SessionStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal move
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ConsultationSession is one scheduled consultation between a clinician and an external participant.
// Sessions are never deleted, only status-transitioned.
type ConsultationSession struct {
	SessionID       uuid.UUID     `json:"session_id"`
	Status          SessionStatus `json:"status"`
	PatientName     string        `json:"patient_name"`
	PatientEmail    string        `json:"patient_email,omitempty"`
	PatientRecordID string        `json:"patient_record_id,omitempty"`
	DoctorID        uuid.UUID     `json:"doctor_id"`
	DoctorName      string        `json:"doctor_name"`
	Specialty       string        `json:"specialty,omitempty"`
	AccessToken     string        `json:"-"`
	Notes           string        `json:"notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
}

// EffectiveStatus derives expiry at read time: a pending session past its
// expiry reads as expired whether or not the sweep has persisted it.
func (s *ConsultationSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == StatusPending && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// Joinable reports whether participants may still enter the call room
func (s *ConsultationSession) Joinable(now time.Time) bool {
	switch s.Status {
	case StatusPending, StatusActive:
		return now.Before(s.ExpiresAt)
	}
	return false
}

// Duration computes the elapsed call time at end, using StartedAt when known
func (s *ConsultationSession) Duration(endedAt time.Time) int {
	start := s.CreatedAt
	if s.StartedAt != nil {
		start = *s.StartedAt
	}
	d := int(endedAt.Sub(start).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// StatusChange describes a conditional status transition and the fields it stamps.
// Nil fields are left unchanged.
type StatusChange struct {
	From            SessionStatus
	To              SessionStatus
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	Notes           *string
}

// Apply writes the change onto s, for stores that mutate in place
func (c StatusChange) Apply(s *ConsultationSession) {
	s.Status = c.To
	if c.StartedAt != nil {
		s.StartedAt = c.StartedAt
	}
	if c.EndedAt != nil {
		s.EndedAt = c.EndedAt
	}
	if c.DurationSeconds != nil {
		s.DurationSeconds = c.DurationSeconds
	}
	if c.Notes != nil {
		s.Notes = *c.Notes
	}
}

// JoinLink builds the link handed to the external participant
func JoinLink(baseURL string, sessionID uuid.UUID, token string) string {
	return fmt.Sprintf("%s/join/%s?token=%s", strings.TrimRight(baseURL, "/"), sessionID, url.QueryEscape(token))
}

// SessionView is a session as returned to the owning clinician
type SessionView struct {
	*ConsultationSession
	Status      SessionStatus `json:"status"`
	SessionLink string        `json:"session_link"`
}

// NewSessionView pairs a session with its effective status and join link
func NewSessionView(s *ConsultationSession, baseURL string, now time.Time) *SessionView {
	return &SessionView{
		ConsultationSession: s,
		Status:              s.EffectiveStatus(now),
		SessionLink:         JoinLink(baseURL, s.SessionID, s.AccessToken),
	}
}

// JoinInfo is what the external participant sees after a successful validation
type JoinInfo struct {
	SessionID   uuid.UUID `json:"session_id"`
	DoctorName  string    `json:"doctor_name"`
	Specialty   string    `json:"specialty,omitempty"`
	PatientName string    `json:"patient_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionStats summarises a clinician's sessions for the dashboard
type SessionStats struct {
	Active         int `json:"active"`
	Pending        int `json:"pending"`
	CompletedToday int `json:"completed_today"`
	Total          int `json:"total"`
}
