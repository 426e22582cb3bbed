// Package storage persists one durable record per conversation in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/ocbridge/internal/session"
)

type Storage struct {
	db   *sql.DB
	path string
}

// Verify Storage implements session.SnapshotStore
var _ session.SnapshotStore = (*Storage)(nil)

func New(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ocbridge.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Storage{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		project_path TEXT NOT NULL,
		agent_session_id TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_activity_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Save writes or replaces the snapshot for its conversation.
func (s *Storage) Save(ctx context.Context, snap *session.Snapshot) error {
	var agentID sql.NullString
	if snap.AgentSessionID != "" {
		agentID = sql.NullString{String: snap.AgentSessionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, owner_user_id, project_path, agent_session_id, status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			project_path = excluded.project_path,
			agent_session_id = excluded.agent_session_id,
			status = excluded.status,
			created_at = excluded.created_at,
			last_activity_at = excluded.last_activity_at
	`, snap.ConversationID, snap.OwnerUserID, snap.ProjectPath, agentID, string(snap.Status), snap.CreatedAt, snap.LastActivityAt)
	return err
}

// Load reads one snapshot; session.ErrSnapshotNotFound when absent.
func (s *Storage) Load(ctx context.Context, conversationID string) (*session.Snapshot, error) {
	var snap session.Snapshot
	var agentID sql.NullString
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, owner_user_id, project_path, agent_session_id, status, created_at, last_activity_at
		FROM conversations WHERE conversation_id = ?
	`, conversationID).Scan(&snap.ConversationID, &snap.OwnerUserID, &snap.ProjectPath, &agentID, &status, &snap.CreatedAt, &snap.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, session.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	if agentID.Valid {
		snap.AgentSessionID = agentID.String
	}
	snap.Status = session.Status(status)
	return &snap, nil
}

// Delete removes a snapshot. Deleting a missing record is not an error.
func (s *Storage) Delete(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	return err
}

// List returns every persisted snapshot, most recently active first.
func (s *Storage) List(ctx context.Context) ([]*session.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, owner_user_id, project_path, agent_session_id, status, created_at, last_activity_at
		FROM conversations ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*session.Snapshot
	for rows.Next() {
		var snap session.Snapshot
		var agentID sql.NullString
		var status string
		if err := rows.Scan(&snap.ConversationID, &snap.OwnerUserID, &snap.ProjectPath, &agentID, &status, &snap.CreatedAt, &snap.LastActivityAt); err != nil {
			return nil, err
		}
		if agentID.Valid {
			snap.AgentSessionID = agentID.String
		}
		snap.Status = session.Status(status)
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}
