package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/jobstore"
)

// WorkflowExecutor runs one workflow execution to completion.
type WorkflowExecutor interface {
	Execute(ctx context.Context, exec db.WorkflowExecution) error
}

// NewWorkflowHandler adapts the workflow executor to the pool's handler
// shape. Workflow jobs carry a single attempt, so a returned error parks the
// job in the failed set immediately.
func NewWorkflowHandler(executor WorkflowExecutor) Handler {
	return func(ctx context.Context, job *jobstore.Job) error {
		var exec db.WorkflowExecution
		if err := json.Unmarshal(job.Payload, &exec); err != nil {
			return fmt.Errorf("undecodable workflow payload for job %s: %w", job.ID, err)
		}
		return executor.Execute(ctx, exec)
	}
}
