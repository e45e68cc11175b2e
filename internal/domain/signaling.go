package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is a participant's side of the consultation
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Other returns the opposite role
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// SignalType names a signaling message
type SignalType string

const (
	// client -> server
	SignalJoin  SignalType = "join-session"
	SignalLeave SignalType = "leave"

	// server -> client
	SignalJoined     SignalType = "joined"
	SignalPeerJoined SignalType = "peer-joined"
	SignalPeerLeft   SignalType = "peer-left"
	SignalError      SignalType = "error"

	// relayed both ways, payload forwarded verbatim
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// IsRelay reports whether t is forwarded verbatim to the other participant
func (t SignalType) IsRelay() bool {
	return t == SignalOffer || t == SignalAnswer || t == SignalICECandidate
}

// SignalingParticipant is a connected member of a consultation room
type SignalingParticipant struct {
	ParticipantID string    `json:"participant_id"`
	SessionID     uuid.UUID `json:"session_id"`
	Role          Role      `json:"role"`
	DisplayName   string    `json:"name"`
	// Identity names who holds the slot across reconnects: the clinician id
	// for doctors, the join-link token hash for patients
	Identity      string    `json:"identity,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
	// Replaces is the participant id of this identity's previous connection,
	// set when a client resumes after losing its transport
	Replaces      string    `json:"-"`
}

// SlotClaim is the outcome of admitting a participant into a room. Replaced
// is set when the participant took over a slot its own identity still held
// through an older connection.
type SlotClaim struct {
	Other    *SignalingParticipant
	Replaced *SignalingParticipant
}

// CanReplace reports whether p is cur's own client resuming: same role and
// identity, naming cur's connection as the one it replaces
func (p SignalingParticipant) CanReplace(cur SignalingParticipant) bool {
	return p.Identity != "" && p.Replaces != "" &&
		p.Role == cur.Role && p.Identity == cur.Identity && p.Replaces == cur.ParticipantID
}

// SignalMessage is the envelope exchanged over the signaling channel
type SignalMessage struct {
	Type          SignalType      `json:"type"`
	SessionID     uuid.UUID       `json:"session_id"`
	Role          Role            `json:"role,omitempty"`
	Name          string          `json:"name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Code          string          `json:"code,omitempty"`
	Message       string          `json:"message,omitempty"`
	// ParticipantID identifies the connection in joined replies; a resuming
	// client echoes it in its next join-session
	ParticipantID string          `json:"participant_id,omitempty"`
}

// RoutedSignal carries a message between service instances. Origin lets an
// instance skip its own publications; Target selects the receiving role.
//
// Evict, when set, asks the instance holding that participant's socket to
// drop it without notifying the peer; Message is not delivered.
type RoutedSignal struct {
	Origin  string        `json:"origin"`
	Target  Role          `json:"target"`
	Message SignalMessage `json:"message"`
	Evict   string        `json:"evict,omitempty"`
}

// SessionDescription is the payload of offer and answer messages
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the payload of ice-candidate messages
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
