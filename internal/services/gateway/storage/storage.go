// Package storage defines the narrow persistence façade the gateway depends
// on: participant and session lookups, location upserts, and chat inserts.
// Rows are owned by the relational store; the gateway reads and appends only.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Session is a running match instance that participants join.
type Session struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
}

// Participant is a user's membership record within a session.
//
// TeamID is empty when no team has been assigned yet.
type Participant struct {
	ID             string
	SessionID      string
	UserID         string
	TeamID         string
	LastLat        float64
	LastLng        float64
	LastLocationAt time.Time
}

// ChatMessage is a persisted team chat message. Immutable once created.
type ChatMessage struct {
	ID            string
	SessionID     string
	TeamID        string
	ParticipantID string
	Message       string
	CreatedAt     time.Time
}

// Store is the gateway's read/append view of the relational store.
type Store interface {
	// GetSession returns the session by id, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// GetParticipant returns the participant row for (session, user), or ErrNotFound.
	GetParticipant(ctx context.Context, sessionID, userID string) (Participant, error)
	// UpdateParticipantLocation records the last known location for a participant.
	UpdateParticipantLocation(ctx context.Context, participantID string, lat, lng float64, at time.Time) error
	// InsertChatMessage persists a chat message, assigning its id and creation time.
	InsertChatMessage(ctx context.Context, sessionID, teamID, participantID, text string) (ChatMessage, error)
}
