package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/jobstore"
)

// WorkflowQueue is the job store queue workflow executions run on.
const WorkflowQueue = "workflow"

// JobTypeWorkflow is the job type for workflow execution jobs.
const JobTypeWorkflow = "workflow.execute"

// ErrWorkflowCycle is returned when a workflow would trigger itself through
// its own execution chain. It is terminal: the caller must not retry.
var ErrWorkflowCycle = errors.New("workflow execution cycle detected")

// WorkflowScheduler enqueues automation runs triggered by incident events or
// by other workflows. The execution ID is the job identity, so re-triggering
// the same logical execution is idempotent, and the execution chain carried
// on each run breaks trigger cycles before they enter the queue.
type WorkflowScheduler struct {
	Jobs   jobstore.Store
	Audit  AuditSink
	Logger *logrus.Logger
}

func NewWorkflowScheduler(jobs jobstore.Store, audit AuditSink, logger *logrus.Logger) *WorkflowScheduler {
	return &WorkflowScheduler{Jobs: jobs, Audit: audit, Logger: logger}
}

// ScheduleExecution enqueues one workflow run. The chain is checked before
// anything touches the queue; a rejected cycle is audited and returned as
// ErrWorkflowCycle. Workflow jobs get a single attempt: workflow actions are
// not assumed idempotent, so the queue never re-runs a failed one.
func (s *WorkflowScheduler) ScheduleExecution(ctx context.Context, exec db.WorkflowExecution, delay time.Duration) (*db.WorkflowExecution, error) {
	for _, ancestor := range exec.ExecutionChain {
		if ancestor == exec.WorkflowID {
			s.Audit.Record(ctx, db.AuditEvent{
				Action:       "workflow.cycle_rejected",
				ResourceType: "workflow",
				ResourceID:   exec.WorkflowID,
				Severity:     db.AuditSeverityWarning,
				Metadata:     map[string]interface{}{"chain": exec.ExecutionChain, "incident_id": exec.IncidentID},
			})
			return nil, fmt.Errorf("workflow %s already in chain %v: %w", exec.WorkflowID, exec.ExecutionChain, ErrWorkflowCycle)
		}
	}

	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.New().String()
	}
	if exec.TriggeredBy == "" {
		exec.TriggeredBy = db.WorkflowTriggerEvent
	}
	exec.ExecutionChain = append(exec.ExecutionChain, exec.WorkflowID)
	exec.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow execution: %w", err)
	}

	_, err = s.Jobs.Enqueue(ctx, WorkflowQueue, JobTypeWorkflow, payload, jobstore.Options{
		ID:       exec.ExecutionID,
		Delay:    delay,
		Attempts: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue workflow execution %s: %w", exec.ExecutionID, err)
	}

	s.Logger.WithFields(logrus.Fields{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
		"chain_depth":  len(exec.ExecutionChain),
	}).Info("workflow execution scheduled")
	return &exec, nil
}

// Stats returns the workflow queue health snapshot.
func (s *WorkflowScheduler) Stats(ctx context.Context) (jobstore.Stats, error) {
	return s.Jobs.Stats(ctx, WorkflowQueue)
}
