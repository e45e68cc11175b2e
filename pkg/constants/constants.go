// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketClientPongWait is how long a signaling client tolerates server
	// silence before treating the connection as lost
	WebSocketClientPongWait = 30 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound signaling frames (SDP blobs included)
	WebSocketMaxMessageSize = 64 * 1024

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default clinician access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// TokenAudience is the audience clinician tokens must carry
	TokenAudience = "consultlink-api"

	// TokenIssuer is the issuer stamped on tokens minted locally
	TokenIssuer = "consultlink-auth"
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Audit log constants
const (
	// AuditLogRetention is the duration audit logs are retained
	AuditLogRetention = 90 * 24 * time.Hour // 90 days
)

// Consultation constants
const (
	// DefaultExpiresInHours applies when a create request leaves expiry unset
	DefaultExpiresInHours = 24

	// MaxExpiresInHours is the longest a join link may stay valid
	MaxExpiresInHours = 7 * 24

	// AccessTokenBytes is the entropy of a join-link access token
	AccessTokenBytes = 32

	// RoomCapacity is the number of participants a consultation room admits
	RoomCapacity = 2

	// RoomTTL bounds how long an abandoned room slot survives in Redis
	RoomTTL = 4 * time.Hour

	// JoinCacheTTL is how long a validation record stays cached
	JoinCacheTTL = 2 * time.Minute

	// ExpirySweepInterval is how often pending sessions past expiry are persisted as expired
	ExpirySweepInterval = 5 * time.Minute
)

// Validation constants
const (
	// MaxDisplayNameLength is the maximum allowed display name length
	MaxDisplayNameLength = 100

	// MaxEmailLength is the maximum allowed email length
	MaxEmailLength = 255

	// MaxNotesLength is the maximum length of consultation notes
	MaxNotesLength = 10000
)
