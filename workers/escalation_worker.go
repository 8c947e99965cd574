package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pagemesh/pagemesh/internal/jobstore"
	"github.com/pagemesh/pagemesh/services"
)

// NewEscalationHandler adapts the escalation engine's timeout logic to the
// pool's handler shape. Decoding failures are terminal: a payload that never
// parses will never parse, so retrying it only burns attempts.
func NewEscalationHandler(engine *services.EscalationEngine) Handler {
	return func(ctx context.Context, job *jobstore.Job) error {
		var payload services.EscalationJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("undecodable escalation payload for job %s: %w", job.ID, err)
		}
		return engine.HandleTimeout(ctx, payload)
	}
}
