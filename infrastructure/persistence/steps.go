package persistence

import (
	"context"
	"database/sql"
	"time"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

// CheckpointStep inserts one step checkpoint row and, in the same
// transaction, advances the owning workflow's updated_at. It does not
// change the workflow's status; that is written by UpdateWorkflowStatus in
// a separate transaction. This is the atomic pair the "Atomic Checkpoint" property (SPEC_FULL.md
// §8) depends on.
func (s *Store) CheckpointStep(ctx context.Context, workflowID, stepName string, status workflowtypes.StepStatus, inputs, outputs map[string]any, startedAt time.Time, completedAt *time.Time, errorMessage string) error {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return svcerrors.Internal("marshal step inputs", err)
	}
	outputsJSON, err := marshalJSON(outputs)
	if err != nil {
		return svcerrors.Internal("marshal step outputs", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return svcerrors.Persistence("checkpoint_step_begin", err)
	}
	defer tx.Rollback()

	var completedAtStr sql.NullString
	if completedAt != nil {
		completedAtStr = sql.NullString{String: completedAt.UTC().Format(isoFormat), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_name, status, inputs_json, outputs_json, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, workflowID, stepName, string(status), inputsJSON, outputsJSON, startedAt.UTC().Format(isoFormat), completedAtStr, errorMessage); err != nil {
		return svcerrors.Persistence("checkpoint_step_insert", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflows SET updated_at = ? WHERE id = ?
	`, time.Now().UTC().Format(isoFormat), workflowID); err != nil {
		return svcerrors.Persistence("checkpoint_step_touch_workflow", err)
	}

	if err := tx.Commit(); err != nil {
		return svcerrors.Persistence("checkpoint_step_commit", err)
	}
	return nil
}

func (s *Store) loadSteps(ctx context.Context, workflowID string) ([]workflowtypes.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_name, status, inputs_json, outputs_json, started_at, completed_at, error_message
		FROM workflow_steps WHERE workflow_id = ? ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, svcerrors.Persistence("load_steps", err)
	}
	defer rows.Close()

	var out []workflowtypes.StepRecord
	for rows.Next() {
		var (
			rec          workflowtypes.StepRecord
			inputsJSON   sql.NullString
			outputsJSON  sql.NullString
			startedAt    string
			completedAt  sql.NullString
			errorMessage sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.StepName, &rec.Status, &inputsJSON, &outputsJSON, &startedAt, &completedAt, &errorMessage); err != nil {
			return nil, svcerrors.Persistence("load_steps_scan", err)
		}

		rec.Inputs, err = unmarshalJSON(inputsJSON)
		if err != nil {
			return nil, svcerrors.Internal("unmarshal step inputs", err)
		}
		rec.Outputs, err = unmarshalJSON(outputsJSON)
		if err != nil {
			return nil, svcerrors.Internal("unmarshal step outputs", err)
		}
		rec.StartedAt, _ = time.Parse(isoFormat, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(isoFormat, completedAt.String)
			rec.CompletedAt = &t
		}
		rec.ErrorMessage = errorMessage.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
