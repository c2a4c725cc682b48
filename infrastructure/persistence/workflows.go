package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

const isoFormat = time.RFC3339Nano

// CreateWorkflow inserts the initial workflow row in PENDING status and
// persists the spec verbatim.
func (s *Store) CreateWorkflow(ctx context.Context, workflowID, name, version, owner, specYAML string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, version, owner, status, spec_yaml, created_at, updated_at, partial_rollback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, workflowID, name, version, owner, string(workflowtypes.WorkflowPending), specYAML, now.Format(isoFormat), now.Format(isoFormat))
	if err != nil {
		return svcerrors.Persistence("create_workflow", err)
	}
	return nil
}

// UpdateWorkflowStatus transitions a workflow's status, always advancing
// updated_at, and optionally recording a terminal error_message/completed_at
// and the partial_rollback flag.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, workflowID string, status workflowtypes.WorkflowStatus, errorMessage string, completedAt *time.Time, partialRollback bool) error {
	now := time.Now().UTC()

	var completedAtStr sql.NullString
	if completedAt != nil {
		completedAtStr = sql.NullString{String: completedAt.UTC().Format(isoFormat), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, error_message = ?, completed_at = COALESCE(?, completed_at), updated_at = ?, partial_rollback = ?
		WHERE id = ?
	`, string(status), errorMessage, completedAtStr, now.Format(isoFormat), boolToInt(partialRollback), workflowID)
	if err != nil {
		return svcerrors.Persistence("update_workflow_status", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return svcerrors.NotFound("workflow", workflowID)
	}
	return nil
}

// LoadWorkflow returns a workflow's row, its step checkpoints (ordered by
// id, i.e. insertion order), and its compensation log entries (also
// insertion order, the order CompensationStack reconstruction in §4.5
// depends on).
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*workflowtypes.WorkflowRecord, []workflowtypes.StepRecord, []workflowtypes.CompensationEntry, error) {
	record, err := s.getWorkflowRecord(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}

	steps, err := s.loadSteps(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}

	comps, err := s.loadCompensations(ctx, workflowID)
	if err != nil {
		return nil, nil, nil, err
	}

	return record, steps, comps, nil
}

func (s *Store) getWorkflowRecord(ctx context.Context, workflowID string) (*workflowtypes.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, owner, status, spec_yaml, created_at, updated_at, completed_at, error_message, partial_rollback
		FROM workflows WHERE id = ?
	`, workflowID)

	var (
		rec             workflowtypes.WorkflowRecord
		createdAt       string
		updatedAt       string
		completedAt     sql.NullString
		errorMessage    sql.NullString
		partialRollback int
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Owner, &rec.Status, &rec.SpecYAML, &createdAt, &updatedAt, &completedAt, &errorMessage, &partialRollback); err != nil {
		if err == sql.ErrNoRows {
			return nil, svcerrors.NotFound("workflow", workflowID)
		}
		return nil, svcerrors.Persistence("load_workflow", err)
	}

	rec.CreatedAt, _ = time.Parse(isoFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(isoFormat, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(isoFormat, completedAt.String)
		rec.CompletedAt = &t
	}
	rec.ErrorMessage = errorMessage.String
	rec.PartialRollback = partialRollback != 0

	return &rec, nil
}

// ListByStatus returns every workflow row whose status is in statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...workflowtypes.WorkflowStatus) ([]workflowtypes.WorkflowRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]any, len(statuses))
	query := "SELECT id, name, version, owner, status, spec_yaml, created_at, updated_at, completed_at, error_message, partial_rollback FROM workflows WHERE status IN ("
	for i, st := range statuses {
		placeholders[i] = string(st)
		if i > 0 {
			query += ","
		}
		query += "?"
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, svcerrors.Persistence("list_by_status", err)
	}
	defer rows.Close()

	var out []workflowtypes.WorkflowRecord
	for rows.Next() {
		var (
			rec             workflowtypes.WorkflowRecord
			createdAt       string
			updatedAt       string
			completedAt     sql.NullString
			errorMessage    sql.NullString
			partialRollback int
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Owner, &rec.Status, &rec.SpecYAML, &createdAt, &updatedAt, &completedAt, &errorMessage, &partialRollback); err != nil {
			return nil, svcerrors.Persistence("list_by_status_scan", err)
		}
		rec.CreatedAt, _ = time.Parse(isoFormat, createdAt)
		rec.UpdatedAt, _ = time.Parse(isoFormat, updatedAt)
		if completedAt.Valid {
			t, _ := time.Parse(isoFormat, completedAt.String)
			rec.CompletedAt = &t
		}
		rec.ErrorMessage = errorMessage.String
		rec.PartialRollback = partialRollback != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalJSON(v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
