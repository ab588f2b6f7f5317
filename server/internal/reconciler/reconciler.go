// Package reconciler implements the post-reconnect convergence routine of
// spec §4.6: given an agent's authoritative live job set, it aligns the
// Store's belief with what the agent actually knows, covering the case
// where a status transition was missed entirely because the Broker was
// disconnected when it happened.
package reconciler

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// Reconciler implements broker.Reconciler.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a Reconciler bound to the given Store.
func New(st *store.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger.Named("reconciler")}
}

// Reconcile runs the three-step procedure of spec §4.6 for one agent. Steps
// run as independent Store operations, not one transaction — they may race
// with concurrent Broker updates but converge on the next reconnect.
func (r *Reconciler) Reconcile(ctx context.Context, agentGuid uuid.UUID, jobs []rpc.JobInfo) error {
	live := make(map[uuid.UUID]rpc.JobInfo, len(jobs))
	for _, j := range jobs {
		guid, err := uuid.Parse(j.Guid)
		if err != nil {
			r.logger.Warn("reconciler: agent reported unparseable job guid", zap.String("guid", j.Guid), zap.Error(err))
			continue
		}
		live[guid] = j
	}

	// Step 1: every Store sub-job the server still believes active but that
	// the agent no longer knows about is assumed cleanly completed — the
	// agent's report is authoritative for what it is currently running.
	active, err := r.store.ListActiveJobsByAgent(ctx, agentGuid)
	if err != nil {
		return err
	}
	for _, job := range active {
		if _, ok := live[job.Guid]; ok {
			continue
		}
		if _, err := r.store.CompleteJob(ctx, job.AgentGuid, job.CollectionGuid, "unknown", "completed"); err != nil {
			r.logger.Error("reconciler: complete_job failed for missing job",
				zap.String("job_guid", job.Guid.String()), zap.Error(err))
		}
	}

	// Steps 2 & 3: apply every job the agent does know about.
	for guid, info := range live {
		job, err := r.store.GetJobByGuid(ctx, guid)
		if err != nil {
			r.logger.Warn("reconciler: agent reports unknown job guid", zap.String("job_guid", guid.String()), zap.Error(err))
			continue
		}

		if info.Status == "completed" || info.Status == "error" {
			if _, err := r.store.CompleteJob(ctx, job.AgentGuid, job.CollectionGuid, info.LastMsg, info.Status); err != nil {
				r.logger.Error("reconciler: complete_job failed", zap.String("job_guid", guid.String()), zap.Error(err))
			}
			continue
		}

		lastMsg := info.LastMsg
		if err := r.store.SetJobStatus(ctx, job.AgentGuid, job.CollectionGuid, job.Idx, info.Status, &lastMsg); err != nil {
			r.logger.Error("reconciler: set_job_status failed", zap.String("job_guid", guid.String()), zap.Error(err))
		}
	}

	return nil
}
