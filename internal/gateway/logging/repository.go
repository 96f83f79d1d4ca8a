package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayout keeps a fixed-width fraction so stored strings compare
// correctly with SQL <.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Repository persists log entries into the logs table.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a Repository over an open gateway store.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one entry.
func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	var extra any
	if len(e.Extra) > 0 {
		b, err := json.Marshal(e.Extra)
		if err != nil {
			return fmt.Errorf("repository: encode extra: %w", err)
		}
		extra = string(b)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO logs (
			timestamp, level, subsystem, module, function_name,
			file_path, line_number, topic, message,
			user_uuid, session_id, trace_id, extra
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(timestampLayout), e.Level, e.Subsystem, e.Module,
		nullable(e.Function), nullable(e.File), zeroNull(e.Line), nullable(e.Topic),
		e.Message, nullable(e.UserUUID), nullable(e.SessionID), nullable(e.TraceID), extra)
	if err != nil {
		return fmt.Errorf("repository: insert log: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, level, subsystem, module,
			COALESCE(function_name, ''), COALESCE(file_path, ''), COALESCE(line_number, 0),
			COALESCE(topic, ''), message,
			COALESCE(user_uuid, ''), COALESCE(session_id, ''), COALESCE(trace_id, ''),
			COALESCE(extra, '')
		FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: query logs: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts, extra string
		if err := rows.Scan(&ts, &e.Level, &e.Subsystem, &e.Module,
			&e.Function, &e.File, &e.Line, &e.Topic, &e.Message,
			&e.UserUUID, &e.SessionID, &e.TraceID, &extra); err != nil {
			return nil, fmt.Errorf("repository: scan log: %w", err)
		}
		if t, err := time.Parse(timestampLayout, ts); err == nil {
			e.Timestamp = t
		}
		if extra != "" {
			_ = json.Unmarshal([]byte(extra), &e.Extra)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneBefore deletes entries older than the cutoff and reports how many.
func (r *Repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM logs WHERE timestamp < ?`, cutoff.UTC().Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("repository: prune logs: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func zeroNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
