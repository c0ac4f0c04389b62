package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists events in the events table of the SQLite database it
// is given; the storage backends keep their data elsewhere and do not use it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the events table on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init eventbus schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		project_id TEXT NOT NULL,
		task_id TEXT,
		agent_name TEXT,
		detail TEXT,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, delivered_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Save(event *Event) error {
	detailJSON, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO events (id, kind, project_id, task_id, agent_name, detail, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		event.ID, string(event.Kind), event.ProjectID, event.TaskID, event.AgentName, string(detailJSON), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPending(projectID string, kinds []Kind) ([]*Event, error) {
	query := `SELECT id, kind, project_id, task_id, agent_name, detail, created_at
		FROM events WHERE delivered_at IS NULL AND project_id = ?`
	args := []any{projectID}
	if len(kinds) > 0 {
		placeholders := ""
		for i, k := range kinds {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(k))
		}
		query += fmt.Sprintf(" AND kind IN (%s)", placeholders)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var detailJSON string
		var taskID, agentName sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.ProjectID, &taskID, &agentName, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.TaskID = taskID.String
		e.AgentName = agentName.String
		if detailJSON != "" {
			_ = json.Unmarshal([]byte(detailJSON), &e.Detail)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(eventID string) error {
	res, err := s.db.Exec(`UPDATE events SET delivered_at = ? WHERE id = ?`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("mark event delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event not found: %s", eventID)
	}
	return nil
}

// Cleanup deletes delivered events older than olderThan.
func (s *SQLiteStore) Cleanup(olderThan time.Duration) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE delivered_at IS NOT NULL AND created_at < ?`, time.Now().Add(-olderThan))
	return err
}
