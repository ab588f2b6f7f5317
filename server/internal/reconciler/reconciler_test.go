package reconciler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file::memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return store.New(gdb, zap.NewNop())
}

// TestReconcileCompletesJobMissingFromAgent covers scenario 5 of the
// concrete test scenarios: the server believes a sub-job is alive but the
// agent's live set no longer contains it.
func TestReconcileCompletesJobMissingFromAgent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	agent, err := st.CreateAgent(ctx, uuid.Must(uuid.NewV7()), "a1", "linux", "127.0.0.1:1")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.SetAgentSysInfo(ctx, agent.Guid, 8, 8192); err != nil {
		t.Fatalf("set sys info: %v", err)
	}
	if err := st.SetAgentStatus(ctx, agent.Guid, "up"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	collectionGuid := uuid.Must(uuid.NewV7())
	scheduled, err := st.ScheduleCollection(ctx, store.CollectionSpec{
		Guid:      collectionGuid,
		Name:      "c1",
		AgentType: "linux",
		Timeout:   60,
		Image:     "img",
		Cpus:      8,
		Ram:       8192,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("len(scheduled) = %d, want 1", len(scheduled))
	}
	sj := scheduled[0]

	lastMsg := "starting"
	if err := st.SetJobStatus(ctx, sj.AgentGuid, collectionGuid, sj.Idx, "alive", &lastMsg); err != nil {
		t.Fatalf("set job status: %v", err)
	}

	before, err := st.GetAgentByGuid(ctx, agent.Guid)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if before.FreeCpus != 0 {
		t.Fatalf("FreeCpus before reconcile = %d, want 0", before.FreeCpus)
	}

	r := New(st, zap.NewNop())
	if err := r.Reconcile(ctx, agent.Guid, []rpc.JobInfo{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	job, err := st.GetJobByGuid(ctx, sj.Guid)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "completed" {
		t.Fatalf("Status = %s, want completed", job.Status)
	}
	if job.LastMsg != "unknown" {
		t.Fatalf("LastMsg = %s, want unknown", job.LastMsg)
	}
	if !job.Freed {
		t.Fatal("Freed = false, want true")
	}

	after, err := st.GetAgentByGuid(ctx, agent.Guid)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if after.FreeCpus != 8 {
		t.Fatalf("FreeCpus after reconcile = %d, want 8", after.FreeCpus)
	}
}
