package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"consultlink-backend/internal/domain"
)

// consultationSchema is applied by EnsureSchema at startup
const consultationSchema = `
	CREATE TABLE IF NOT EXISTS consultation_sessions (
		session_id        UUID PRIMARY KEY,
		status            STRING NOT NULL DEFAULT 'pending',
		patient_name      STRING NOT NULL,
		patient_email     STRING NOT NULL DEFAULT '',
		patient_record_id STRING NOT NULL DEFAULT '',
		doctor_id         UUID NOT NULL,
		doctor_name       STRING NOT NULL DEFAULT '',
		specialty         STRING NOT NULL DEFAULT '',
		access_token      STRING NOT NULL,
		notes             STRING NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		ended_at          TIMESTAMPTZ,
		duration_seconds  INT,
		INDEX idx_consultation_doctor (doctor_id, created_at DESC),
		INDEX idx_consultation_pending (status, expires_at)
	)
`

const consultationColumns = `
	session_id, status, patient_name, patient_email, patient_record_id,
	doctor_id, doctor_name, specialty, access_token, notes,
	created_at, expires_at, started_at, ended_at, duration_seconds
`

// ConsultationRepository persists consultation sessions in CockroachDB
type ConsultationRepository struct {
	pool *pgxpool.Pool
}

// NewConsultationRepository creates a new consultation repository
func NewConsultationRepository(pool *pgxpool.Pool) *ConsultationRepository {
	return &ConsultationRepository{pool: pool}
}

// EnsureSchema creates the sessions table when missing
func (r *ConsultationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, consultationSchema); err != nil {
		return fmt.Errorf("failed to ensure consultation schema: %w", err)
	}
	return nil
}

// Create inserts a new session
func (r *ConsultationRepository) Create(ctx context.Context, s *domain.ConsultationSession) error {
	query := `
		INSERT INTO consultation_sessions (
			session_id, status, patient_name, patient_email, patient_record_id,
			doctor_id, doctor_name, specialty, access_token, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		s.SessionID,
		string(s.Status),
		s.PatientName,
		s.PatientEmail,
		s.PatientRecordID,
		s.DoctorID,
		s.DoctorName,
		s.Specialty,
		s.AccessToken,
		s.CreatedAt,
		s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create consultation session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by ID
func (r *ConsultationRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.ConsultationSession, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultation_sessions WHERE session_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get consultation session: %w", err)
	}

	return s, nil
}

// ListByDoctor returns every session owned by a clinician, newest first
func (r *ConsultationRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*domain.ConsultationSession, error) {
	query := `SELECT ` + consultationColumns + `
		FROM consultation_sessions
		WHERE doctor_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, doctorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consultation sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.ConsultationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consultation session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate consultation sessions: %w", err)
	}

	return sessions, nil
}

// Transition moves a session from change.From to change.To. The update only
// applies while the stored status still equals change.From.
func (r *ConsultationRepository) Transition(ctx context.Context, sessionID uuid.UUID, change domain.StatusChange) error {
	query := `
		UPDATE consultation_sessions
		SET status = $3,
		    started_at = COALESCE($4::TIMESTAMPTZ, started_at),
		    ended_at = COALESCE($5::TIMESTAMPTZ, ended_at),
		    duration_seconds = COALESCE($6::INT, duration_seconds),
		    notes = COALESCE($7::STRING, notes)
		WHERE session_id = $1 AND status = $2
	`

	tag, err := r.pool.Exec(ctx, query,
		sessionID,
		string(change.From),
		string(change.To),
		change.StartedAt,
		change.EndedAt,
		change.DurationSeconds,
		change.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to transition consultation session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrStatusConflict
	}

	return nil
}

// ExpirePending persists the expired status for pending sessions past expiry
func (r *ConsultationRepository) ExpirePending(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE consultation_sessions
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING session_id
	`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire consultation sessions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanSession(row pgx.Row) (*domain.ConsultationSession, error) {
	s := &domain.ConsultationSession{}
	var status string
	err := row.Scan(
		&s.SessionID,
		&status,
		&s.PatientName,
		&s.PatientEmail,
		&s.PatientRecordID,
		&s.DoctorID,
		&s.DoctorName,
		&s.Specialty,
		&s.AccessToken,
		&s.Notes,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.StartedAt,
		&s.EndedAt,
		&s.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}
