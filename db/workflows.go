package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// WorkflowStore persists workflow definitions and their execution history.
type WorkflowStore struct {
	PG *sql.DB
}

func NewWorkflowStore(pg *sql.DB) *WorkflowStore {
	return &WorkflowStore{PG: pg}
}

// GetWorkflow returns the workflow definition, or nil when it does not exist.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT id, name, COALESCE(group_id, '') as group_id,
		       webhook_url, is_active, created_at, updated_at
		FROM workflows WHERE id = $1`

	var w Workflow
	err := s.PG.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.Name, &w.GroupID, &w.WebhookURL, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return &w, nil
}

// RecordExecution writes one execution outcome row. The execution ID is the
// primary key, so a redelivered job overwrites its own row instead of
// duplicating history.
func (s *WorkflowStore) RecordExecution(ctx context.Context, exec WorkflowExecution, status, errMsg string) error {
	inputJSON := exec.Input
	if len(inputJSON) == 0 {
		inputJSON = []byte("{}")
	}
	if !json.Valid(inputJSON) {
		inputJSON = []byte("{}")
	}

	query := `
		INSERT INTO workflow_executions (
			execution_id, workflow_id, incident_id, triggered_by,
			execution_chain, input, status, error_message, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), NOW(), NOW())
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()`

	_, err := s.PG.ExecContext(ctx, query,
		exec.ExecutionID, exec.WorkflowID, exec.IncidentID, exec.TriggeredBy,
		pq.Array(exec.ExecutionChain), inputJSON, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record workflow execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}
