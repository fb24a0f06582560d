package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is one recorded CLI command that mutated the workspace.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Operation  string
	Parameters string
	Status     string
}

// CreateOperation records the start of an operation and returns its id.
func (s *SQLiteDatabase) CreateOperation(operation, parameters string) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO operations (started_at, operation, parameters, status) VALUES (?, ?, ?, 'running')`,
		s.timestamp(), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return id, nil
}

// FinishOperation stamps the operation with its final status.
func (s *SQLiteDatabase) FinishOperation(id int64, status string) error {
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		s.timestamp(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns up to limit operations, newest first.
func (s *SQLiteDatabase) ListOperations(limit int) ([]*Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, started_at, finished_at, operation, parameters, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		var op Operation
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&op.ID, &startedAt, &finishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if op.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("parsing operation start: %w", err)
		}
		if finishedAt.Valid {
			t, err := time.Parse(timeFormat, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing operation finish: %w", err)
			}
			op.FinishedAt = &t
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}
