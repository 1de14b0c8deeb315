package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vici/internal/monitoring"
	"github.com/banshee-data/vici/internal/timeutil"
	"github.com/banshee-data/vici/internal/valve"
)

// Position kinds
const (
	KindSelect = "select"
	KindRead   = "read"
)

// Session is one driver connection.
type Session struct {
	SessionID string    `json:"session_id"`
	Port      string    `json:"port"`
	Model     string    `json:"model"`
	Baud      int       `json:"baud"`
	PortCount int       `json:"port_count"`
	StartedAt time.Time `json:"started_at"`
}

// Position is a move sent to the valve or a position read back from it.
type Position struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Port       int       `json:"port"`
	Label      string    `json:"label"`
	Command    string    `json:"command,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (p *Position) String() string {
	if p.Kind == KindSelect {
		return fmt.Sprintf("%s port %d (%s) via %s", p.Kind, p.Port, p.Label, p.Command)
	}
	return fmt.Sprintf("%s port %d (%s)", p.Kind, p.Port, p.Label)
}

// Journal records what one driver does. It implements valve.Observer; pass
// it as valve.Config.Observer. Write failures are logged, never returned to
// the driver.
type Journal struct {
	db *DB

	mu        sync.Mutex
	sessionID string
	clock     timeutil.Clock
}

var _ valve.Observer = (*Journal)(nil)

// NewJournal returns a Journal writing to db. The session row is created when
// the driver connects.
func (db *DB) NewJournal() *Journal {
	return &Journal{db: db, clock: timeutil.RealClock{}}
}

// SessionID returns the current session, or "" before the driver connected.
func (j *Journal) SessionID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

func (j *Journal) OnConnect(s valve.State) {
	id := uuid.New().String()
	if err := j.db.RecordSession(Session{
		SessionID: id,
		Port:      s.Port,
		Model:     s.Model.String(),
		Baud:      s.BaudRate,
		PortCount: s.PortCount,
		StartedAt: j.clock.Now(),
	}); err != nil {
		monitoring.Warnf("journal: failed to record session: %v", err)
		return
	}
	j.mu.Lock()
	j.sessionID = id
	j.mu.Unlock()
}

func (j *Journal) OnSelect(index int, label, command string) {
	j.record(KindSelect, index, label, command)
}

func (j *Journal) OnPosition(index int, label string) {
	j.record(KindRead, index, label, "")
}

func (j *Journal) record(kind string, index int, label, command string) {
	id := j.SessionID()
	if id == "" {
		monitoring.Debugf("journal: dropping %s of port %d outside a session", kind, index)
		return
	}
	err := j.db.RecordPosition(Position{
		SessionID:  id,
		Kind:       kind,
		Port:       index,
		Label:      label,
		Command:    command,
		RecordedAt: j.clock.Now(),
	})
	if err != nil {
		monitoring.Warnf("journal: failed to record %s: %v", kind, err)
	}
}

func (db *DB) RecordSession(s Session) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, port, model, baud, port_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Port, s.Model, s.Baud, s.PortCount, s.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (db *DB) RecordPosition(p Position) error {
	_, err := db.Exec(
		`INSERT INTO positions (session_id, kind, port, label, command, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Kind, p.Port, p.Label, p.Command, p.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// RecentPositions returns up to limit journal entries, newest first.
func (db *DB) RecentPositions(limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT session_id, kind, port, label, command, recorded_at
		FROM positions ORDER BY recorded_at DESC, position_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var recordedAt int64
		if err := rows.Scan(&p.SessionID, &p.Kind, &p.Port, &p.Label, &p.Command, &recordedAt); err != nil {
			return nil, err
		}
		p.RecordedAt = time.Unix(0, recordedAt)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// Sessions returns every recorded session, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(
		`SELECT session_id, port, model, baud, port_count, started_at
		FROM sessions ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var startedAt int64
		if err := rows.Scan(&s.SessionID, &s.Port, &s.Model, &s.Baud, &s.PortCount, &startedAt); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, startedAt)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
