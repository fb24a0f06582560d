package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wsync/internal/vcs"
)

// Merge state operations. At most one merge is pending per workspace.

func (s *SQLiteDatabase) LoadMergeState(ctx context.Context) (*vcs.MergeState, error) {
	var tree, startedAt string
	state := &vcs.MergeState{Resolutions: map[string]*vcs.ResourceRef{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT branch, ours_id, theirs_id, base_id, tree, started_at FROM merge_state WHERE id = 1`).
		Scan(&state.Branch, &state.OursID, &state.TheirsID, &state.BaseID, &tree, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading merge state: %w", err)
	}
	if state.Tree, err = vcs.DecodeTree([]byte(tree)); err != nil {
		return nil, fmt.Errorf("merge state: %w", err)
	}
	if state.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parsing merge start time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, type, kind, base_blob, ours_blob, theirs_blob, resolved, result_type, result_blob
		 FROM merge_conflicts ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("loading merge conflicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c vcs.MergeConflict
		var kind string
		var resolved bool
		var resultType, resultBlob sql.NullString
		if err := rows.Scan(&c.ResourceID, &c.Type, &kind, &c.BaseBlobHash, &c.OursBlobHash,
			&c.TheirsBlobHash, &resolved, &resultType, &resultBlob); err != nil {
			return nil, fmt.Errorf("scanning merge conflict: %w", err)
		}
		c.Kind = vcs.ConflictKind(kind)
		state.Conflicts = append(state.Conflicts, c)

		if !resolved {
			continue
		}
		if resultBlob.Valid {
			state.Resolutions[c.ResourceID] = &vcs.ResourceRef{ID: c.ResourceID, Type: resultType.String, BlobHash: resultBlob.String}
		} else {
			state.Resolutions[c.ResourceID] = nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading merge conflicts: %w", err)
	}
	return state, nil
}

func (s *SQLiteDatabase) SaveMergeState(ctx context.Context, state *vcs.MergeState) error {
	tree, err := vcs.EncodeTree(state.Tree)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_conflicts`); err != nil {
		return fmt.Errorf("clearing merge conflicts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_state (id, branch, ours_id, theirs_id, base_id, tree, started_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET branch = excluded.branch, ours_id = excluded.ours_id,
		   theirs_id = excluded.theirs_id, base_id = excluded.base_id, tree = excluded.tree,
		   started_at = excluded.started_at`,
		state.Branch, state.OursID, state.TheirsID, state.BaseID, string(tree),
		state.StartedAt.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("saving merge state: %w", err)
	}

	for _, c := range state.Conflicts {
		var resolved bool
		var resultType, resultBlob sql.NullString
		if ref, ok := state.Resolutions[c.ResourceID]; ok {
			resolved = true
			if ref != nil {
				resultType = sql.NullString{String: ref.Type, Valid: true}
				resultBlob = sql.NullString{String: ref.BlobHash, Valid: true}
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO merge_conflicts
			   (resource_id, type, kind, base_blob, ours_blob, theirs_blob, resolved, result_type, result_blob)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ResourceID, c.Type, string(c.Kind), c.BaseBlobHash, c.OursBlobHash, c.TheirsBlobHash,
			resolved, resultType, resultBlob); err != nil {
			return fmt.Errorf("saving conflict %s: %w", c.ResourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ResolveMergeConflict(ctx context.Context, resourceID string, ref *vcs.ResourceRef) error {
	var resultType, resultBlob sql.NullString
	if ref != nil {
		resultType = sql.NullString{String: ref.Type, Valid: true}
		resultBlob = sql.NullString{String: ref.BlobHash, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_conflicts SET resolved = 1, result_type = ?, result_blob = ? WHERE resource_id = ?`,
		resultType, resultBlob, resourceID)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", resourceID, vcs.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) ClearMergeState(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_conflicts`); err != nil {
		return fmt.Errorf("clearing merge conflicts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_state`); err != nil {
		return fmt.Errorf("clearing merge state: %w", err)
	}
	return tx.Commit()
}
