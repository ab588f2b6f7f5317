package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
)

func newTestStore(t *testing.T) *Store {
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
	return New(gdb, zap.NewNop())
}

func seedUpAgent(t *testing.T, s *Store, freeCpus, freeRam int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	agent, err := s.CreateAgent(ctx, uuid.Must(uuid.NewV7()), "test agent", "linux", "127.0.0.1:9000")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := s.SetAgentSysInfo(ctx, agent.Guid, freeCpus, freeRam); err != nil {
		t.Fatalf("set agent sys info: %v", err)
	}
	if err := s.SetAgentStatus(ctx, agent.Guid, "up"); err != nil {
		t.Fatalf("mark agent up: %v", err)
	}
	return agent.Guid
}

// TestScheduleCollectionSplitsAcrossTwoAgents reproduces spec.md's literal
// scenario 1: A1(free=8,8GB), A2(free=4,4GB), submit cpus=10,ram=5GB.
// Expected: A1{idx=0,cpus=8,ram=4GB}, A2{idx=1,cpus=2,ram=1GB}; afterwards
// A1.free_cpus=0, A2.free_cpus=2. Idx is assigned from free_cpus-DESC
// enumeration order, never by the caller.
func TestScheduleCollectionSplitsAcrossTwoAgents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := seedUpAgent(t, s, 8, 8192) // 8 cpus, 8GB
	a2 := seedUpAgent(t, s, 4, 4096) // 4 cpus, 4GB

	spec := CollectionSpec{
		Guid:      uuid.Must(uuid.NewV7()),
		Name:      "split",
		AgentType: "linux",
		Cpus:      10,
		Ram:       5120, // 5GB
		Image:     "fuzzctl/afl:latest",
	}

	scheduled, err := s.ScheduleCollection(ctx, spec)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("len(scheduled) = %d, want 2", len(scheduled))
	}

	first, second := scheduled[0], scheduled[1]
	if first.AgentGuid != a1 || first.Idx != 0 || first.Cpus != 8 || first.Ram != 4096 {
		t.Fatalf("first sub-job = %+v, want agent %s idx=0 cpus=8 ram=4096", first, a1)
	}
	if second.AgentGuid != a2 || second.Idx != 1 || second.Cpus != 2 || second.Ram != 1024 {
		t.Fatalf("second sub-job = %+v, want agent %s idx=1 cpus=2 ram=1024", second, a2)
	}

	got1, err := s.GetAgentByGuid(ctx, a1)
	if err != nil {
		t.Fatalf("get a1: %v", err)
	}
	if got1.FreeCpus != 0 {
		t.Fatalf("a1.free_cpus = %d, want 0", got1.FreeCpus)
	}
	got2, err := s.GetAgentByGuid(ctx, a2)
	if err != nil {
		t.Fatalf("get a2: %v", err)
	}
	if got2.FreeCpus != 2 {
		t.Fatalf("a2.free_cpus = %d, want 2", got2.FreeCpus)
	}
}

// TestScheduleCollectionStopsOnceSatisfied covers the single-agent
// bin-packing case: a second, otherwise-eligible agent is left completely
// untouched once the first agent alone satisfies need_c/need_r.
func TestScheduleCollectionStopsOnceSatisfied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	onlyAgent := seedUpAgent(t, s, 8, 8192)
	untouched := seedUpAgent(t, s, 8, 8192)

	spec := CollectionSpec{
		Guid:      uuid.Must(uuid.NewV7()),
		Name:      "single",
		AgentType: "linux",
		Cpus:      2,
		Ram:       2048,
		Image:     "fuzzctl/afl:latest",
	}

	scheduled, err := s.ScheduleCollection(ctx, spec)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("len(scheduled) = %d, want 1", len(scheduled))
	}
	if scheduled[0].Idx != 0 {
		t.Fatalf("idx = %d, want 0", scheduled[0].Idx)
	}

	a, err := s.GetAgentByGuid(ctx, untouched)
	if err != nil {
		t.Fatalf("get untouched agent: %v", err)
	}
	if a.FreeCpus != 8 || a.FreeRam != 8192 {
		t.Fatalf("untouched agent capacity changed: free_cpus=%d free_ram=%d", a.FreeCpus, a.FreeRam)
	}
	_ = onlyAgent
}

// TestScheduleCollectionInsufficientResources reproduces spec.md scenario
// 2: the same A1(free=8,8GB)/A2(free=4,4GB) fleet, submit cpus=20.
// Expected: InsufficientResources, no rows inserted, both agents unchanged.
func TestScheduleCollectionInsufficientResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := seedUpAgent(t, s, 8, 8192)
	a2 := seedUpAgent(t, s, 4, 4096)

	spec := CollectionSpec{
		Guid:      uuid.Must(uuid.NewV7()),
		Name:      "too big",
		AgentType: "linux",
		Cpus:      20,
		Ram:       1024,
		Image:     "fuzzctl/afl:latest",
	}

	if _, err := s.ScheduleCollection(ctx, spec); err != ErrInsufficientResources {
		t.Fatalf("err = %v, want ErrInsufficientResources", err)
	}

	if _, err := s.GetCollectionByGuid(ctx, spec.Guid); err != ErrNotFound {
		t.Fatalf("collection row should not have been created, got err = %v", err)
	}

	got1, err := s.GetAgentByGuid(ctx, a1)
	if err != nil {
		t.Fatalf("get a1: %v", err)
	}
	if got1.FreeCpus != 8 || got1.FreeRam != 8192 {
		t.Fatalf("a1 changed: free_cpus=%d free_ram=%d", got1.FreeCpus, got1.FreeRam)
	}
	got2, err := s.GetAgentByGuid(ctx, a2)
	if err != nil {
		t.Fatalf("get a2: %v", err)
	}
	if got2.FreeCpus != 4 || got2.FreeRam != 4096 {
		t.Fatalf("a2 changed: free_cpus=%d free_ram=%d", got2.FreeCpus, got2.FreeRam)
	}
}

// TestCompleteJobIsIdempotent exercises complete_job's "already freed is a
// no-op" guarantee (spec §4.5): calling it twice for the same agent/
// collection only credits the agent's capacity once.
func TestCompleteJobIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentGuid := seedUpAgent(t, s, 4, 4096)
	spec := CollectionSpec{
		Guid:      uuid.Must(uuid.NewV7()),
		Name:      "coll",
		AgentType: "linux",
		Cpus:      4,
		Ram:       4096,
		Image:     "fuzzctl/afl:latest",
	}
	if _, err := s.ScheduleCollection(ctx, spec); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	status, err := s.CompleteJob(ctx, agentGuid, spec.Guid, "", "completed")
	if err != nil {
		t.Fatalf("complete job (first): %v", err)
	}
	if status != "completed" {
		t.Fatalf("collection status = %s, want completed", status)
	}

	agentAfterFirst, err := s.GetAgentByGuid(ctx, agentGuid)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agentAfterFirst.FreeCpus != 4 || agentAfterFirst.FreeRam != 4096 {
		t.Fatalf("agent not credited: free_cpus=%d free_ram=%d", agentAfterFirst.FreeCpus, agentAfterFirst.FreeRam)
	}

	// Second call: no remaining unfreed sub-job row, so it's a no-op —
	// the agent must not be credited a second time.
	status, err = s.CompleteJob(ctx, agentGuid, spec.Guid, "", "completed")
	if err != nil {
		t.Fatalf("complete job (second): %v", err)
	}
	if status != "completed" {
		t.Fatalf("collection status after no-op = %s, want completed", status)
	}

	agentAfterSecond, err := s.GetAgentByGuid(ctx, agentGuid)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agentAfterSecond.FreeCpus != 4 || agentAfterSecond.FreeRam != 4096 {
		t.Fatalf("agent double-credited: free_cpus=%d free_ram=%d", agentAfterSecond.FreeCpus, agentAfterSecond.FreeRam)
	}
}

// TestNewCrashDedupesOnCollectionGuidAndName covers the crash sync dedup
// invariant (spec §4.7 scenario 6): a duplicate (collection_guid, name)
// insert is a silent no-op, never a second row or an error.
func TestNewCrashDedupesOnCollectionGuidAndName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	collGuid := uuid.Must(uuid.NewV7())

	in := NewCrashInput{
		Name:           "foo",
		CollectionGuid: collGuid,
		Hash:           "deadbeef",
		Size:           42,
	}
	if err := s.NewCrash(ctx, in); err != nil {
		t.Fatalf("first new crash: %v", err)
	}
	// A second tick with a different hash/size (e.g. a racing duplicate
	// sync) must still be a no-op, not overwrite the first row.
	in2 := in
	in2.Hash = "not-the-same-hash"
	in2.Size = 999
	if err := s.NewCrash(ctx, in2); err != nil {
		t.Fatalf("duplicate new crash: %v", err)
	}

	crashes, err := s.ListCrashes(ctx, collGuid)
	if err != nil {
		t.Fatalf("list crashes: %v", err)
	}
	if len(crashes) != 1 {
		t.Fatalf("len(crashes) = %d, want 1", len(crashes))
	}
	if crashes[0].Hash != "deadbeef" {
		t.Fatalf("hash = %s, want deadbeef (first insert wins, never overwritten)", crashes[0].Hash)
	}
}

// TestPropagateRollUpPriority is a table test for Propagate's roll-up rule
// (spec §4.5): any error wins, else any init, else any alive, else
// completed.
func TestPropagateRollUpPriority(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all completed", []string{"completed", "completed"}, "completed"},
		{"one alive", []string{"completed", "alive"}, "alive"},
		{"one init beats alive", []string{"alive", "init"}, "init"},
		{"one error beats everything", []string{"init", "alive", "error", "completed"}, "error"},
		{"single error", []string{"error"}, "error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			collGuid := uuid.Must(uuid.NewV7())

			if err := s.db.Create(&db.JobCollection{
				Guid:      collGuid,
				Name:      "coll",
				AgentType: "linux",
				Status:    "init",
			}).Error; err != nil {
				t.Fatalf("seed collection: %v", err)
			}

			for i, status := range tc.statuses {
				agentGuid := seedUpAgent(t, s, 1, 1024)
				if err := s.db.Create(&db.Job{
					Guid:           uuid.Must(uuid.NewV7()),
					AgentGuid:      agentGuid,
					CollectionGuid: collGuid,
					Idx:            i,
					Status:         status,
				}).Error; err != nil {
					t.Fatalf("seed sub-job %d: %v", i, err)
				}
			}

			got, err := s.Propagate(ctx, collGuid)
			if err != nil {
				t.Fatalf("propagate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("rolled-up status = %s, want %s", got, tc.want)
			}

			coll, err := s.GetCollectionByGuid(ctx, collGuid)
			if err != nil {
				t.Fatalf("get collection: %v", err)
			}
			if coll.Status != tc.want {
				t.Fatalf("persisted collection status = %s, want %s", coll.Status, tc.want)
			}
		})
	}
}
