package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
)

// WorkflowDefinitionStore is the persistence slice the executor needs.
type WorkflowDefinitionStore interface {
	GetWorkflow(ctx context.Context, id string) (*db.Workflow, error)
	RecordExecution(ctx context.Context, exec db.WorkflowExecution, status, errMsg string) error
}

// WorkflowExecutor runs one scheduled workflow execution: it invokes the
// workflow's webhook with the execution input. The queue gives executions a
// single attempt, so any retrying is the webhook receiver's business; the
// outcome is always recorded, success or not.
type WorkflowExecutor struct {
	Workflows WorkflowDefinitionStore
	Audit     AuditSink
	Logger    *logrus.Logger

	httpClient *http.Client
}

func NewWorkflowExecutor(workflows WorkflowDefinitionStore, audit AuditSink, logger *logrus.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{
		Workflows:  workflows,
		Audit:      audit,
		Logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute runs one workflow execution. A missing or deactivated workflow is
// a logged no-op: the definition changed between scheduling and firing, same
// rule as stale escalation jobs.
func (e *WorkflowExecutor) Execute(ctx context.Context, exec db.WorkflowExecution) error {
	log := e.Logger.WithFields(logrus.Fields{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
	})

	workflow, err := e.Workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", exec.WorkflowID, err)
	}
	if workflow == nil || !workflow.IsActive {
		log.Info("workflow missing or inactive, skipping execution")
		return e.Workflows.RecordExecution(ctx, exec, "skipped", "workflow missing or inactive")
	}

	if err := e.invoke(ctx, workflow, exec); err != nil {
		log.WithError(err).Warn("workflow execution failed")
		if rerr := e.Workflows.RecordExecution(ctx, exec, "failed", err.Error()); rerr != nil {
			log.WithError(rerr).Warn("failed to record execution outcome")
		}
		e.Audit.Record(ctx, db.AuditEvent{
			Action:       "workflow.execution_failed",
			ResourceType: "workflow",
			ResourceID:   exec.WorkflowID,
			Severity:     db.AuditSeverityWarning,
			Metadata:     map[string]interface{}{"execution_id": exec.ExecutionID, "error": err.Error()},
		})
		return err
	}

	log.Info("workflow execution completed")
	e.Audit.Record(ctx, db.AuditEvent{
		Action:       "workflow.executed",
		ResourceType: "workflow",
		ResourceID:   exec.WorkflowID,
		Metadata:     map[string]interface{}{"execution_id": exec.ExecutionID, "incident_id": exec.IncidentID},
	})
	return e.Workflows.RecordExecution(ctx, exec, "completed", "")
}

func (e *WorkflowExecutor) invoke(ctx context.Context, workflow *db.Workflow, exec db.WorkflowExecution) error {
	body := exec.Input
	if len(body) == 0 {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workflow.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execution-ID", exec.ExecutionID)
	req.Header.Set("X-Incident-ID", exec.IncidentID)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
