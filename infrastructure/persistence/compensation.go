package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
	"github.com/governedrun/workflowcore/domain/workflowtypes"
)

// LogCompensation inserts one compensation_log row. A nil executedAt marks
// it as a pending-undo placeholder (the form captured at step-completion
// time, per §4.5.h); a non-nil executedAt/success records a replayed
// outcome during rollback.
func (s *Store) LogCompensation(ctx context.Context, workflowID, stepName, compensationAction string, inputs map[string]any, executedAt *time.Time, success *bool, errorMessage string) (int64, error) {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return 0, svcerrors.Internal("marshal compensation inputs", err)
	}

	var executedAtStr sql.NullString
	if executedAt != nil {
		executedAtStr = sql.NullString{String: executedAt.UTC().Format(isoFormat), Valid: true}
	}
	var successVal sql.NullInt64
	if success != nil {
		successVal = sql.NullInt64{Int64: int64(boolToInt(*success)), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO compensation_log (workflow_id, step_name, compensation_action, inputs_json, executed_at, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, workflowID, stepName, compensationAction, inputsJSON, executedAtStr, successVal, errorMessage)
	if err != nil {
		return 0, svcerrors.Persistence("log_compensation", err)
	}
	return result.LastInsertId()
}

// MarkCompensationExecuted updates a pending compensation_log row (id
// from LogCompensation's return value) with its replay outcome.
func (s *Store) MarkCompensationExecuted(ctx context.Context, compensationLogID int64, executedAt time.Time, success bool, errorMessage string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE compensation_log SET executed_at = ?, success = ?, error_message = ? WHERE id = ?
	`, executedAt.UTC().Format(isoFormat), boolToInt(success), errorMessage, compensationLogID)
	if err != nil {
		return svcerrors.Persistence("mark_compensation_executed", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return svcerrors.NotFound("compensation_log", fmt.Sprint(compensationLogID))
	}
	return nil
}

func (s *Store) loadCompensations(ctx context.Context, workflowID string) ([]workflowtypes.CompensationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_name, compensation_action, inputs_json, executed_at, success, error_message
		FROM compensation_log WHERE workflow_id = ? ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, svcerrors.Persistence("load_compensations", err)
	}
	defer rows.Close()

	var out []workflowtypes.CompensationEntry
	for rows.Next() {
		var (
			entry               workflowtypes.CompensationEntry
			compensationAction  string
			inputsJSON          sql.NullString
			executedAt          sql.NullString
			success             sql.NullInt64
			errorMessage        sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &entry.StepName, &compensationAction, &inputsJSON, &executedAt, &success, &errorMessage); err != nil {
			return nil, svcerrors.Persistence("load_compensations_scan", err)
		}

		inputs, err := unmarshalJSON(inputsJSON)
		if err != nil {
			return nil, svcerrors.Internal("unmarshal compensation inputs", err)
		}
		entry.Descriptor = workflowtypes.CompensationDescriptor{CapabilityID: compensationAction, Inputs: inputs}

		if executedAt.Valid {
			t, _ := time.Parse(isoFormat, executedAt.String)
			entry.ExecutedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			entry.Success = &b
		}
		entry.ErrorMessage = errorMessage.String

		out = append(out, entry)
	}
	return out, rows.Err()
}
