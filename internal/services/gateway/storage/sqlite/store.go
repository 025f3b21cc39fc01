// Package sqlite provides a SQLite-backed gateway storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/hexgame/gateway/internal/platform/storage/sqlitemigrate"
	"github.com/hexgame/gateway/internal/services/gateway/storage"
	"github.com/hexgame/gateway/internal/services/gateway/storage/sqlite/migrations"
)

// Store persists gateway state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite gateway store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetSession returns the session by id, or storage.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.Session{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, status, created_at
FROM sessions
WHERE id = ?`, sessionID)

	var session storage.Session
	var createdAt int64
	if err := row.Scan(&session.ID, &session.Name, &session.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("query session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	return session, nil
}

// GetParticipant returns the participant row for (session, user), or storage.ErrNotFound.
func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (storage.Participant, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Participant{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)
	if sessionID == "" || userID == "" {
		return storage.Participant{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, session_id, user_id, team_id, last_lat, last_lng, last_location_at
FROM participants
WHERE session_id = ? AND user_id = ?`, sessionID, userID)

	var participant storage.Participant
	var teamID sql.NullString
	var lat, lng sql.NullFloat64
	var locationAt sql.NullInt64
	err := row.Scan(
		&participant.ID,
		&participant.SessionID,
		&participant.UserID,
		&teamID,
		&lat,
		&lng,
		&locationAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Participant{}, storage.ErrNotFound
		}
		return storage.Participant{}, fmt.Errorf("query participant: %w", err)
	}
	if teamID.Valid {
		participant.TeamID = strings.TrimSpace(teamID.String)
	}
	if lat.Valid {
		participant.LastLat = lat.Float64
	}
	if lng.Valid {
		participant.LastLng = lng.Float64
	}
	if locationAt.Valid {
		participant.LastLocationAt = fromMillis(locationAt.Int64)
	}
	return participant, nil
}

// UpdateParticipantLocation records the last known location for a participant.
func (s *Store) UpdateParticipantLocation(ctx context.Context, participantID string, lat, lng float64, at time.Time) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return fmt.Errorf("participant id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE participants
SET last_lat = ?, last_lng = ?, last_location_at = ?
WHERE id = ?`, lat, lng, toMillis(at), participantID)
	if err != nil {
		return fmt.Errorf("update participant location: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update participant location rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// InsertChatMessage persists a chat message, assigning its id and creation time.
func (s *Store) InsertChatMessage(ctx context.Context, sessionID, teamID, participantID, text string) (storage.ChatMessage, error) {
	if s == nil || s.sqlDB == nil {
		return storage.ChatMessage{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	teamID = strings.TrimSpace(teamID)
	participantID = strings.TrimSpace(participantID)
	if sessionID == "" {
		return storage.ChatMessage{}, fmt.Errorf("session id is required")
	}
	if teamID == "" {
		return storage.ChatMessage{}, fmt.Errorf("team id is required")
	}
	if participantID == "" {
		return storage.ChatMessage{}, fmt.Errorf("participant id is required")
	}
	if strings.TrimSpace(text) == "" {
		return storage.ChatMessage{}, fmt.Errorf("message text is required")
	}

	message := storage.ChatMessage{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		TeamID:        teamID,
		ParticipantID: participantID,
		Message:       text,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_messages (id, session_id, team_id, participant_id, message, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		message.TeamID,
		message.ParticipantID,
		message.Message,
		toMillis(message.CreatedAt),
	)
	if err != nil {
		return storage.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return message, nil
}

// PutSession upserts a session row. Sessions are provisioned by the game
// backend; this exists for operational seeding and tests.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := strings.TrimSpace(session.Status)
	if status == "" {
		status = "active"
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, name, status, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, status = excluded.status`,
		sessionID,
		strings.TrimSpace(session.Name),
		status,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// PutParticipant upserts a participant row keyed by (session, user).
// Membership is provisioned out-of-band; this exists for seeding and tests.
func (s *Store) PutParticipant(ctx context.Context, participant storage.Participant) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	participantID := strings.TrimSpace(participant.ID)
	sessionID := strings.TrimSpace(participant.SessionID)
	userID := strings.TrimSpace(participant.UserID)
	if participantID == "" {
		participantID = uuid.NewString()
	}
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	var teamID any
	if trimmed := strings.TrimSpace(participant.TeamID); trimmed != "" {
		teamID = trimmed
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO participants (id, session_id, user_id, team_id)
VALUES (?, ?, ?, ?)
ON CONFLICT (session_id, user_id) DO UPDATE SET team_id = excluded.team_id`,
		participantID,
		sessionID,
		userID,
		teamID,
	)
	if err != nil {
		return fmt.Errorf("put participant: %w", err)
	}
	return nil
}
