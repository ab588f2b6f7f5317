package broker

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"google.golang.org/grpc"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fuzzctl/fuzzctl/server/internal/db"
	"github.com/fuzzctl/fuzzctl/server/internal/dispatcher"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/server/internal/websocket"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// fakeAgent implements rpc.JobServer, rpc.SystemInfoServer, and
// rpc.UpdatesServer backed by a single update channel the test controls.
type fakeAgent struct {
	createErr error
	created   chan *rpc.JobCreateRequest
	updates   chan *rpc.Update
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		created: make(chan *rpc.JobCreateRequest, 4),
		updates: make(chan *rpc.Update, 4),
	}
}

func (a *fakeAgent) Create(_ context.Context, in *rpc.JobCreateRequest) (*rpc.Empty, error) {
	a.created <- in
	if a.createErr != nil {
		return nil, a.createErr
	}
	return &rpc.Empty{}, nil
}
func (a *fakeAgent) Destroy(context.Context, *rpc.JobGuid) (*rpc.Empty, error) { return &rpc.Empty{}, nil }
func (a *fakeAgent) List(context.Context, *rpc.Empty) (*rpc.JobsList, error)   { return &rpc.JobsList{}, nil }
func (a *fakeAgent) GetAll(context.Context, *rpc.Empty) (*rpc.JobInfoContainerList, error) {
	return &rpc.JobInfoContainerList{}, nil
}
func (a *fakeAgent) Stop(context.Context, *rpc.JobGuid) (*rpc.Empty, error) { return &rpc.Empty{}, nil }
func (a *fakeAgent) AnalyzeCrash(context.Context, *rpc.AnalyzeRequest) (*rpc.AnalyzeResponse, error) {
	return &rpc.AnalyzeResponse{}, nil
}

func (a *fakeAgent) Get(context.Context, *rpc.Empty) (*rpc.SysInfo, error) {
	return &rpc.SysInfo{Cpus: 4, Ram: 4096}, nil
}

func (a *fakeAgent) Get2(_ *rpc.Empty, stream rpc.UpdatesGetServer) error {
	for upd := range a.updates {
		if err := stream.Send(upd); err != nil {
			return err
		}
	}
	return nil
}

// updatesAdapter satisfies rpc.UpdatesServer by delegating to Get2, since
// UpdatesServer.Get already has the name "Get" taken by SystemInfoServer in
// this single fakeAgent type.
type updatesAdapter struct{ a *fakeAgent }

func (u updatesAdapter) Get(in *rpc.Empty, stream rpc.UpdatesGetServer) error {
	return u.a.Get2(in, stream)
}

func startFakeAgent(t *testing.T, a *fakeAgent) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	rpc.RegisterJobServer(srv, a)
	rpc.RegisterSystemInfoServer(srv, a)
	rpc.RegisterUpdatesServer(srv, updatesAdapter{a: a})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

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

func TestBrokerAttachMarksAgentUpAndRunsReconciler(t *testing.T) {
	st := newTestStore(t)
	agent := newFakeAgent()
	endpoint := startFakeAgent(t, agent)

	ctx := context.Background()
	row, err := st.CreateAgent(ctx, uuid.Must(uuid.NewV7()), "fake", "linux", endpoint)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	reconciled := make(chan uuid.UUID, 1)
	fakeReconciler := reconcilerFunc(func(_ context.Context, guid uuid.UUID, _ []rpc.JobInfo) error {
		reconciled <- guid
		return nil
	})

	hub := websocket.NewHub()
	sessCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(sessCtx)

	d := dispatcher.New(nil, zap.NewNop())
	factory := NewFactory(st, hub, d, fakeReconciler, nil, t.TempDir(), zap.NewNop())

	inbox := make(chan *dispatcher.AgentRequest)
	done := make(chan struct{})
	go func() {
		factory.Spawn(sessCtx, row.Guid, inbox)
		close(done)
	}()

	select {
	case got := <-reconciled:
		if got != row.Guid {
			t.Fatalf("reconciled guid = %s, want %s", got, row.Guid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler was never called")
	}

	deadline := time.After(2 * time.Second)
	for {
		a, err := st.GetAgentByGuid(context.Background(), row.Guid)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.Status == "up" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("agent status = %s, want up", a.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(agent.updates)
	cancel()
	<-done
}

type reconcilerFunc func(ctx context.Context, guid uuid.UUID, jobs []rpc.JobInfo) error

func (f reconcilerFunc) Reconcile(ctx context.Context, guid uuid.UUID, jobs []rpc.JobInfo) error {
	return f(ctx, guid, jobs)
}

// TestHandleCrashMsgHashesFileServerSide verifies new_crash computes its own
// SHA3-256/size from the shared NFS mount rather than trusting anything
// carried on the wire — CrashMsg has no hash/size fields to trust in the
// first place (spec §4.7).
func TestHandleCrashMsgHashesFileServerSide(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agentGuid := uuid.Must(uuid.NewV7())
	agent, err := st.CreateAgent(ctx, agentGuid, "fake", "linux", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.SetAgentSysInfo(ctx, agent.Guid, 4, 4096); err != nil {
		t.Fatalf("set agent sys info: %v", err)
	}
	if err := st.SetAgentStatus(ctx, agent.Guid, "up"); err != nil {
		t.Fatalf("mark agent up: %v", err)
	}

	collGuid := uuid.Must(uuid.NewV7())
	scheduled, err := st.ScheduleCollection(ctx, store.CollectionSpec{
		Guid:      collGuid,
		Name:      "coll",
		AgentType: "linux",
		Cpus:      2,
		Ram:       2048,
		Image:     "fuzzctl/afl:latest",
	})
	if err != nil {
		t.Fatalf("schedule collection: %v", err)
	}
	if len(scheduled) != 1 {
		t.Fatalf("len(scheduled) = %d, want 1", len(scheduled))
	}
	jobGuid := scheduled[0].Guid

	nfsDir := t.TempDir()
	crashDir := filepath.Join(nfsDir, "jobs", jobGuid.String(), "crashes")
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		t.Fatalf("mkdir crash dir: %v", err)
	}
	content := []byte("crash-reproducer-bytes")
	if err := os.WriteFile(filepath.Join(crashDir, "poc"), content, 0o644); err != nil {
		t.Fatalf("write crash file: %v", err)
	}
	sum := sha3.Sum256(content)
	wantHash := hex.EncodeToString(sum[:])

	hub := websocket.NewHub()
	sessCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(sessCtx)

	s := &session{
		agentGuid: agentGuid,
		store:     st,
		hub:       hub,
		nfsDir:    nfsDir,
		logger:    zap.NewNop(),
	}

	// An agent reporting a bogus hash/size is impossible on the wire (CrashMsg
	// carries neither field) — handleCrashMsg only ever sees job_guid/name.
	s.handleCrashMsg(ctx, &rpc.CrashMsg{JobGuid: jobGuid.String(), Name: "poc"})

	crashes, err := st.ListCrashes(ctx, collGuid)
	if err != nil {
		t.Fatalf("list crashes: %v", err)
	}
	if len(crashes) != 1 {
		t.Fatalf("len(crashes) = %d, want 1", len(crashes))
	}
	if crashes[0].Hash != wantHash {
		t.Fatalf("hash = %s, want %s", crashes[0].Hash, wantHash)
	}
	if crashes[0].Size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", crashes[0].Size, len(content))
	}
}
