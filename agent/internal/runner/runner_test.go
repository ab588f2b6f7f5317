package runner

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

type fakeSink struct {
	jobMsgs   []*rpc.JobMsg
	crashMsgs []*rpc.CrashMsg
}

func (f *fakeSink) PublishJobMsg(m *rpc.JobMsg)     { f.jobMsgs = append(f.jobMsgs, m) }
func (f *fakeSink) PublishCrashMsg(m *rpc.CrashMsg) { f.crashMsgs = append(f.crashMsgs, m) }

func newTestRunner() *Runner {
	return New(nil, "/nfs", &fakeSink{}, nil, zap.NewNop())
}

func registerTask(r *Runner, guid, status string) *Task {
	_, cancel := context.WithCancel(context.Background())
	task := &Task{guid: guid, status: status, cancel: cancel}
	r.mu.Lock()
	r.tasks[guid] = task
	r.mu.Unlock()
	return task
}

func TestListAndGetAllReflectRegisteredTasks(t *testing.T) {
	r := newTestRunner()
	registerTask(r, "job-1", "alive")
	registerTask(r, "job-2", "init")

	list, err := r.List(context.Background(), &rpc.Empty{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list.Jobs))
	}

	all, err := r.GetAll(context.Background(), &rpc.Empty{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all.Jobs) != 2 {
		t.Fatalf("expected 2 jobs from GetAll, got %d", len(all.Jobs))
	}
}

func TestStopRejectsTerminalJobs(t *testing.T) {
	r := newTestRunner()
	registerTask(r, "job-1", "completed")

	_, err := r.Stop(context.Background(), &rpc.JobGuid{Guid: "job-1"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestStopAllowsInitOrAlive(t *testing.T) {
	r := newTestRunner()
	registerTask(r, "job-1", "alive")

	if _, err := r.Stop(context.Background(), &rpc.JobGuid{Guid: "job-1"}); err != nil {
		t.Fatalf("Stop on alive job should succeed: %v", err)
	}

	registerTask(r, "job-2", "init")
	if _, err := r.Stop(context.Background(), &rpc.JobGuid{Guid: "job-2"}); err != nil {
		t.Fatalf("Stop on init job should succeed: %v", err)
	}
}

func TestStopUnknownJobNotFound(t *testing.T) {
	r := newTestRunner()
	_, err := r.Stop(context.Background(), &rpc.JobGuid{Guid: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDestroyRemovesTaskAndRejectsSecondCall(t *testing.T) {
	r := newTestRunner()
	registerTask(r, "job-1", "completed")

	if _, err := r.Destroy(context.Background(), &rpc.JobGuid{Guid: "job-1"}); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	_, err := r.Destroy(context.Background(), &rpc.JobGuid{Guid: "job-1"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound on second Destroy, got %v", err)
	}
}

func TestAnalyzeCrashUnimplemented(t *testing.T) {
	r := newTestRunner()
	_, err := r.AnalyzeCrash(context.Background(), &rpc.AnalyzeRequest{})
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("expected Unimplemented, got %v", err)
	}
}

func TestCreateRejectsDuplicateJobGuid(t *testing.T) {
	r := newTestRunner()
	registerTask(r, "job-1", "init")

	_, err := r.Create(context.Background(), &rpc.JobCreateRequest{JobGuid: "job-1"})
	if status.Code(err) != codes.AlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}
