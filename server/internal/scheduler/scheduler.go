// Package scheduler implements schedule_job (spec §4.1): it wraps
// Store.ScheduleCollection's bin-packing transaction and, on success, emits
// one AgentRequest{JobCreate} Event per scheduled sub-job through the
// Dispatcher so each assigned agent's Broker picks it up on its next inbox
// read.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/server/internal/dispatcher"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// Scheduler implements api.CollectionScheduler.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// New creates a Scheduler bound to the given Store and Dispatcher.
func New(st *store.Store, d *dispatcher.Dispatcher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		dispatcher: d,
		logger:     logger.Named("scheduler"),
	}
}

// Submit schedules spec across eligible agents and dispatches one
// AgentRequest{JobCreate} per resulting sub-job. Scheduling itself is a
// single Store transaction (see Store.ScheduleCollection); the dispatch
// fan-out happens after it commits, so a Dispatcher that drops a request
// (e.g. the target agent disconnected in the interim) never leaves an
// inconsistent Store — the Reconciler recovers the row on the agent's next
// reconnect (spec §4.6).
func (s *Scheduler) Submit(ctx context.Context, spec store.CollectionSpec) ([]store.ScheduledSubJob, error) {
	scheduled, err := s.store.ScheduleCollection(ctx, spec)
	if err != nil {
		return nil, err
	}

	for _, sj := range scheduled {
		s.dispatcher.SubmitRequest(sj.AgentGuid, &dispatcher.AgentRequest{
			Kind: dispatcher.RequestJobCreate,
			JobCreate: &rpc.JobCreateRequest{
				JobGuid:          sj.Guid.String(),
				Image:            spec.Image,
				Idx:              sj.Idx,
				Cpus:             sj.Cpus,
				Ram:              sj.Ram,
				Timeout:          time.Duration(spec.Timeout) * time.Second,
				Target:           spec.Target,
				Corpus:           spec.Corpus,
				CrashAutoAnalyze: spec.CrashAutoAnalyze,
			},
		})
		s.logger.Info("dispatched sub-job",
			zap.String("collection_guid", spec.Guid.String()),
			zap.String("agent_guid", sj.AgentGuid.String()),
			zap.Int("idx", sj.Idx),
		)
	}

	return scheduled, nil
}
