package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/dispatcher"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
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

func seedUpAgent(t *testing.T, st *store.Store, freeCpus, freeRam int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	agent, err := st.CreateAgent(ctx, uuid.Must(uuid.NewV7()), "test agent", "linux", "127.0.0.1:9000")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.SetAgentSysInfo(ctx, agent.Guid, freeCpus, freeRam); err != nil {
		t.Fatalf("set agent sys info: %v", err)
	}
	if err := st.SetAgentStatus(ctx, agent.Guid, "up"); err != nil {
		t.Fatalf("mark agent up: %v", err)
	}
	return agent.Guid
}

func TestSchedulerDispatchesOneRequestPerSubJob(t *testing.T) {
	st := newTestStore(t)
	agentGuid := seedUpAgent(t, st, 4, 4096)

	received := make(chan *dispatcher.AgentRequest, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatcher.New(func(_ context.Context, _ uuid.UUID, inbox <-chan *dispatcher.AgentRequest) {
		for req := range inbox {
			received <- req
		}
	}, zap.NewNop())
	go d.Run(ctx)
	d.NewAgent(agentGuid)

	s := New(st, d, zap.NewNop())

	spec := store.CollectionSpec{
		Guid:             uuid.Must(uuid.NewV7()),
		Name:             "smoke",
		AgentType:        "linux",
		Cpus:             2,
		Ram:              2048,
		Timeout:          60,
		Target:           "fuzz_target",
		Corpus:           "seed.tar",
		Image:            "fuzzctl/afl:latest",
		CrashAutoAnalyze: true,
	}

	scheduled, err := s.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("len(scheduled) = %d, want 1", len(scheduled))
	}

	select {
	case req := <-received:
		if req.Kind != dispatcher.RequestJobCreate {
			t.Fatalf("Kind = %v, want RequestJobCreate", req.Kind)
		}
		if req.JobCreate.JobGuid != scheduled[0].Guid.String() {
			t.Fatalf("JobGuid = %s, want %s", req.JobCreate.JobGuid, scheduled[0].Guid.String())
		}
		if !req.JobCreate.CrashAutoAnalyze {
			t.Fatal("CrashAutoAnalyze = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received the scheduled sub-job's AgentRequest")
	}
}

func TestSchedulerReturnsInsufficientResourcesWithoutDispatch(t *testing.T) {
	st := newTestStore(t)
	agentGuid := seedUpAgent(t, st, 1, 1024)

	received := make(chan *dispatcher.AgentRequest, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := dispatcher.New(func(_ context.Context, _ uuid.UUID, inbox <-chan *dispatcher.AgentRequest) {
		for req := range inbox {
			received <- req
		}
	}, zap.NewNop())
	go d.Run(ctx)
	d.NewAgent(agentGuid)
	s := New(st, d, zap.NewNop())

	spec := store.CollectionSpec{
		Guid:      uuid.Must(uuid.NewV7()),
		Name:      "too big",
		AgentType: "linux",
		Cpus:      8,
		Ram:       1024,
		Timeout:   60,
		Image:     "fuzzctl/afl:latest",
	}

	if _, err := s.Submit(context.Background(), spec); err != store.ErrInsufficientResources {
		t.Fatalf("err = %v, want ErrInsufficientResources", err)
	}

	select {
	case req := <-received:
		t.Fatalf("dispatcher received %+v after a rejected submit", req)
	case <-time.After(100 * time.Millisecond):
	}
}
