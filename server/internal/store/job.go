package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduledSubJob is one sub-job ScheduleCollection has assigned to an
// agent — the shape the caller turns into an AgentRequest{JobCreate} Event
// per spec §4.1's "Emit one AgentRequest{JobCreate} Event per scheduled
// sub-job". Idx is assigned from agent enumeration order, not supplied by
// the caller — idx 0 is always the first (most-free-capacity) eligible
// agent, the sole master per spec §4.4/§4.7.
type ScheduledSubJob struct {
	Guid      uuid.UUID
	AgentGuid uuid.UUID
	Idx       int
	Cpus      int64
	Ram       int64
}

// CollectionSpec describes a new fuzzing submission before scheduling: one
// total CPU/RAM requirement, not a pre-split list — splitting across
// agents and assigning idx is ScheduleCollection's job (spec §4.1's
// schedule_job(JobInfo) takes a single need_c/need_r).
type CollectionSpec struct {
	Guid        uuid.UUID
	Name        string
	Description string
	AgentType   string
	Cpus        int64
	Ram         int64
	Timeout     int64
	Target      string
	Corpus      string
	Image       string
	// CrashAutoAnalyze is carried through unchanged into every scheduled
	// sub-job's JobRequest (spec §3); it is not itself persisted on
	// JobCollection, only forwarded to the agent at create time.
	CrashAutoAnalyze bool
}

// ScheduleCollection is the Scheduler's schedule_job operation (spec §4.1).
// It reads agents with status='up', matching AgentType and FreeCpus>0 and
// FreeRam>0, ordered by FreeCpus descending. It fails with
// ErrInsufficientResources if total free CPU across eligible agents is less
// than the collection's requested CPU. Otherwise it walks the agents in
// order, giving agent i sub-job idx=i and taking
// take_c=min(need_c, a.free_cpus), take_r=min(need_r, a.free_ram) from it,
// stopping as soon as both the remaining CPU and RAM need are satisfied. A
// RAM shortfall on the last agent assigned is permitted (Open Question #1,
// resolved: matches observed reference behavior rather than widening the
// error).
//
// The whole operation is one transaction: agent free_cpus/free_ram are
// decremented, the job_collection row and every sub-job row are inserted,
// all atomically. On success it returns the sub-jobs with their assigned
// agent, for the caller to turn into per-sub-job AgentRequest events.
func (s *Store) ScheduleCollection(ctx context.Context, spec CollectionSpec) ([]ScheduledSubJob, error) {
	var scheduled []ScheduledSubJob

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agents []db.Agent
		if err := tx.
			Where("status = ? AND agent_type = ? AND free_cpus > 0 AND free_ram > 0", "up", spec.AgentType).
			Order("free_cpus DESC").
			Find(&agents).Error; err != nil {
			return fmt.Errorf("store: schedule: list eligible agents: %w", err)
		}

		var available int64
		for _, a := range agents {
			available += a.FreeCpus
		}
		if available < spec.Cpus {
			return ErrInsufficientResources
		}

		now := time.Now()
		collection := &db.JobCollection{
			Guid:         spec.Guid,
			Name:         spec.Name,
			Description:  spec.Description,
			AgentType:    spec.AgentType,
			Cpus:         spec.Cpus,
			Ram:          spec.Ram,
			Timeout:      spec.Timeout,
			Target:       spec.Target,
			Corpus:       spec.Corpus,
			Image:        spec.Image,
			Status:       "init",
			CreationDate: now,
		}
		if err := tx.Create(collection).Error; err != nil {
			return fmt.Errorf("store: schedule: create collection: %w", err)
		}

		needC, needR := spec.Cpus, spec.Ram
		for i := range agents {
			if needC <= 0 && needR <= 0 {
				break
			}
			a := &agents[i]
			takeC := min64(needC, a.FreeCpus)
			takeR := min64(needR, a.FreeRam)

			jobGuid, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("store: schedule: generate job guid: %w", err)
			}
			job := &db.Job{
				Guid:           jobGuid,
				AgentGuid:      a.Guid,
				CollectionGuid: spec.Guid,
				Idx:            i,
				Cpus:           takeC,
				Ram:            takeR,
				Status:         "init",
				Freed:          false,
			}
			if err := tx.Create(job).Error; err != nil {
				return fmt.Errorf("store: schedule: create sub-job: %w", err)
			}

			if err := tx.Model(&db.Agent{}).Where("guid = ?", a.Guid).
				Updates(map[string]any{
					"free_cpus": gorm.Expr("free_cpus - ?", takeC),
					"free_ram":  gorm.Expr("free_ram - ?", takeR),
				}).Error; err != nil {
				return fmt.Errorf("store: schedule: decrement agent capacity: %w", err)
			}

			scheduled = append(scheduled, ScheduledSubJob{
				Guid:      jobGuid,
				AgentGuid: a.Guid,
				Idx:       i,
				Cpus:      takeC,
				Ram:       takeR,
			})

			needC -= takeC
			needR -= takeR
			// needR > 0 after the loop ends is permitted (Open Question #1).
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// GetCollectionByGuid returns ErrNotFound if no collection with guid exists.
func (s *Store) GetCollectionByGuid(ctx context.Context, guid uuid.UUID) (*db.JobCollection, error) {
	var c db.JobCollection
	err := s.db.WithContext(ctx).First(&c, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get collection: %w", err)
	}
	return &c, nil
}

// ListCollections returns every collection, newest first.
func (s *Store) ListCollections(ctx context.Context) ([]db.JobCollection, error) {
	var cs []db.JobCollection
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&cs).Error; err != nil {
		return nil, fmt.Errorf("store: list collections: %w", err)
	}
	return cs, nil
}

// ListSubJobs returns every sub-job row of a collection, ordered by idx.
func (s *Store) ListSubJobs(ctx context.Context, collectionGuid uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).Where("collection_guid = ?", collectionGuid).Order("idx ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list sub-jobs: %w", err)
	}
	return jobs, nil
}

// ListActiveJobsByAgent returns every sub-job row owned by agentGuid whose
// status is init or alive — the server's belief of what should still be
// running on that agent, used by the Reconciler's divergence check
// (spec §4.6 step 1).
func (s *Store) ListActiveJobsByAgent(ctx context.Context, agentGuid uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := s.db.WithContext(ctx).
		Where("agent_guid = ? AND status IN ?", agentGuid, []string{"init", "alive"}).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list active jobs by agent: %w", err)
	}
	return jobs, nil
}

// GetJobByGuid resolves the wire guid a Broker receives in a JobMsg/CrashMsg
// update back to its owning (agent_guid, collection_guid, idx) triple. The
// Broker and the Reconciler, which both receive wire guids from the agent,
// are its callers; every other Store method addresses a sub-job by that
// triple directly.
func (s *Store) GetJobByGuid(ctx context.Context, guid uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := s.db.WithContext(ctx).First(&job, "guid = ?", guid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get job by guid: %w", err)
	}
	return &job, nil
}

// SetJobStatus updates a sub-job's status and then propagates the owning
// collection's roll-up status (spec §4.5). lastMsg, when non-nil, is
// written in the same update.
func (s *Store) SetJobStatus(ctx context.Context, agentGuid, collectionGuid uuid.UUID, idx int, status string, lastMsg *string) error {
	updates := map[string]any{"status": status}
	if lastMsg != nil {
		updates["last_msg"] = *lastMsg
	}
	result := s.db.WithContext(ctx).Model(&db.Job{}).
		Where("agent_guid = ? AND collection_guid = ? AND idx = ?", agentGuid, collectionGuid, idx).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: set job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	_, err := s.Propagate(ctx, collectionGuid)
	return err
}

// SetJobLastMsg updates only the message field of a sub-job (spec §4.3:
// "else if only last_msg is present, set_job_last_msg").
func (s *Store) SetJobLastMsg(ctx context.Context, agentGuid, collectionGuid uuid.UUID, idx int, lastMsg string) error {
	result := s.db.WithContext(ctx).Model(&db.Job{}).
		Where("agent_guid = ? AND collection_guid = ? AND idx = ?", agentGuid, collectionGuid, idx).
		Update("last_msg", lastMsg)
	if result.Error != nil {
		return fmt.Errorf("store: set job last msg: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob is complete_job (spec §4.5): it frees the first not-yet-freed
// sub-job row owned by agentGuid in collectionGuid, returning its CPU/RAM to
// the agent, inside one transaction. Idempotent — if every row is already
// freed, it is a no-op and returns nil. Propagate runs after the
// transaction commits, never inside it.
func (s *Store) CompleteJob(ctx context.Context, agentGuid, collectionGuid uuid.UUID, lastMsg, status string) (string, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job db.Job
		err := tx.
			Where("agent_guid = ? AND collection_guid = ? AND freed = ?", agentGuid, collectionGuid, false).
			Order("idx ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: complete job: select sub-job: %w", err)
		}

		if err := tx.Model(&job).Updates(map[string]any{
			"freed":    true,
			"last_msg": lastMsg,
			"status":   status,
		}).Error; err != nil {
			return fmt.Errorf("store: complete job: update sub-job: %w", err)
		}

		if err := tx.Model(&db.Agent{}).Where("guid = ?", agentGuid).
			Updates(map[string]any{
				"free_cpus": gorm.Expr("free_cpus + ?", job.Cpus),
				"free_ram":  gorm.Expr("free_ram + ?", job.Ram),
			}).Error; err != nil {
			return fmt.Errorf("store: complete job: credit agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.Propagate(ctx, collectionGuid)
}

// Propagate recomputes a collection's status as a roll-up of its sub-job
// statuses (spec §4.5): any error wins, else any init, else any alive, else
// completed. Run outside the caller's transaction, as a separate query plus
// update. Returns the collection's new status so callers can detect the
// init/alive -> completed/error transition without a second read.
func (s *Store) Propagate(ctx context.Context, collectionGuid uuid.UUID) (string, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := s.db.WithContext(ctx).Model(&db.Job{}).
		Select("status, count(*) as count").
		Where("collection_guid = ?", collectionGuid).
		Group("status").
		Scan(&counts).Error; err != nil {
		return "", fmt.Errorf("store: propagate: count statuses: %w", err)
	}

	var errors_, alive, init int64
	for _, c := range counts {
		switch c.Status {
		case "error":
			errors_ = c.Count
		case "alive":
			alive = c.Count
		case "init":
			init = c.Count
		}
	}

	status := "completed"
	switch {
	case errors_ > 0:
		status = "error"
	case init > 0:
		status = "init"
	case alive > 0:
		status = "alive"
	}

	if err := s.db.WithContext(ctx).Model(&db.JobCollection{}).
		Where("guid = ?", collectionGuid).
		Update("status", status).Error; err != nil {
		return "", fmt.Errorf("store: propagate: update collection status: %w", err)
	}
	return status, nil
}
