// Package history keeps a sqlite journal of finished tasks.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"workshop/events"
	"workshop/fault"
	"workshop/task"
)

const createFinishedTable = `
CREATE TABLE IF NOT EXISTS finished_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	task_id INTEGER NOT NULL,
	task_key TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_finished_tasks_finished_at ON finished_tasks(finished_at);
`

const defaultListLimit = 100

// Record is one journal row.
type Record struct {
	ID         int64       `json:"id"`
	Kind       task.Kind   `json:"kind"`
	TaskID     int64       `json:"taskId"`
	Key        string      `json:"key"`
	Success    bool        `json:"success"`
	Status     task.Status `json:"status"`
	Message    string      `json:"message"`
	ErrorKind  fault.Kind  `json:"errorKind,omitempty"`
	FinishedAt time.Time   `json:"finishedAt"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path and ensures its schema.
// ":memory:" keeps it in memory.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "create history dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, err, "open history db %s", path)
	}
	// One connection: an in-memory database is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createFinishedTable); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "create history table")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add journals one finished event.
func (s *Store) Add(ctx context.Context, ev task.FinishedEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO finished_tasks (kind, task_id, task_key, success, status, message, error_kind, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.TaskID, ev.Key, ev.Success, string(ev.Status), ev.Message, string(ev.ErrorKind), s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert finished task: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first. kind filters when set.
func (s *Store) List(ctx context.Context, kind task.Kind, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, kind, task_id, task_key, success, status, message, error_kind, finished_at FROM finished_tasks`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                          Record
			kindStr, status, errorKind string
		)
		if err := rows.Scan(&r.ID, &kindStr, &r.TaskID, &r.Key, &r.Success, &status, &r.Message, &errorKind, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan finished task: %w", err)
		}
		r.Kind, r.Status, r.ErrorKind = task.Kind(kindStr), task.Status(status), fault.Kind(errorKind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished tasks: %w", err)
	}
	return out, nil
}

// Attach journals the finished events of every pipeline. The returned func
// detaches.
func Attach(bus *events.Bus, s *Store, logger *logrus.Logger) func() {
	var unsubs []func()
	for _, k := range task.Kinds {
		unsubs = append(unsubs, bus.Subscribe(task.FinishedTopic(k), func(ev events.Event) {
			fin, ok := ev.Payload.(task.FinishedEvent)
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Add(ctx, fin); err != nil {
				logger.WithFields(logrus.Fields{"kind": fin.Kind, "task_id": fin.TaskID}).Warnf("history not recorded: %v", err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
