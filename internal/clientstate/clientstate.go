// Package clientstate is the laptop-side persisted document: a single
// JSON file holding the tunnel registration and session list,
// written atomically after each lifecycle event. An optional sqlite-backed
// auxiliary index, written by the relay-agent CLI's connect subcommand and
// read by its sessions subcommand, sits beside it without displacing the
// JSON document as the source of truth.
package clientstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TunnelInfo is the persisted tunnel registration.
type TunnelInfo struct {
	TunnelID   string    `json:"tunnelId"`
	APIKey     string    `json:"apiKey"`
	PublicURL  string    `json:"publicUrl"`
	WsURL      string    `json:"wsUrl"`
	CreatedAt  time.Time `json:"createdAt"`
	LaptopName string    `json:"laptopName"`
}

// SessionInfo is one entry of the persisted session list.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
}

// Document is the full persisted JSON document. Unknown fields read from
// disk are preserved on the next write.
type Document struct {
	Tunnel      TunnelInfo             `json:"tunnel"`
	Sessions    []SessionInfo          `json:"sessions"`
	LastUpdated time.Time              `json:"lastUpdated"`
	unknown     map[string]json.RawMessage
}

// MarshalJSON merges Document's known fields with any unknown fields
// carried over from the last Load, so round-tripping through a newer or
// older client never drops data.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.unknown)+3)
	for k, v := range d.unknown {
		out[k] = v
	}
	tunnel, err := json.Marshal(d.Tunnel)
	if err != nil {
		return nil, err
	}
	sessions, err := json.Marshal(d.Sessions)
	if err != nil {
		return nil, err
	}
	lastUpdated, err := json.Marshal(d.LastUpdated)
	if err != nil {
		return nil, err
	}
	out["tunnel"] = tunnel
	out["sessions"] = sessions
	out["lastUpdated"] = lastUpdated
	return json.Marshal(out)
}

// UnmarshalJSON populates Document's known fields and stashes everything
// else in unknown.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["tunnel"]; ok {
		if err := json.Unmarshal(v, &d.Tunnel); err != nil {
			return fmt.Errorf("unmarshal tunnel: %w", err)
		}
		delete(raw, "tunnel")
	}
	if v, ok := raw["sessions"]; ok {
		if err := json.Unmarshal(v, &d.Sessions); err != nil {
			return fmt.Errorf("unmarshal sessions: %w", err)
		}
		delete(raw, "sessions")
	}
	if v, ok := raw["lastUpdated"]; ok {
		if err := json.Unmarshal(v, &d.LastUpdated); err != nil {
			return fmt.Errorf("unmarshal lastUpdated: %w", err)
		}
		delete(raw, "lastUpdated")
	}
	d.unknown = raw
	return nil
}

// Store guards reads/writes of the persisted document at one path.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (without yet reading) the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the document from disk. A missing file yields a zero-value
// Document, not an error — the first lifecycle event creates it.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	return &doc, nil
}

// Mutate loads the document, applies fn, stamps lastUpdated, and writes
// it back atomically (temp file + rename) so a crash mid-write never
// leaves a truncated document on disk.
func (s *Store) Mutate(fn func(*Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(doc)
	doc.LastUpdated = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".clientstate-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// Index is the optional sqlite-backed local index written by the
// relay-agent CLI's connect subcommand and read by its sessions
// subcommand. It is not authoritative
// — Document/Store remains the source of truth — and is safe to delete
// and rebuild at any time.
type Index struct {
	db *sql.DB
}

// NewIndex opens (creating if absent) the sqlite index at dbPath.
func NewIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite index %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RecordSession upserts a session's last-seen timestamp.
func (idx *Index) RecordSession(sessionID, kind string, startedAt time.Time) error {
	_, err := idx.db.Exec(`
		INSERT INTO sessions (session_id, kind, started_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_seen = excluded.last_seen
	`, sessionID, kind, startedAt.UTC(), time.Now().UTC())
	return err
}

// RecentSessions returns the most recently seen sessions, newest first.
func (idx *Index) RecentSessions(limit int) ([]SessionInfo, error) {
	rows, err := idx.db.Query(`SELECT session_id, kind, started_at FROM sessions ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.SessionID, &si.Kind, &si.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}
