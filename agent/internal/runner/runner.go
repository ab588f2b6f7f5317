// Package runner implements the agent-side Job RPC service (spec §4.4): one
// task per live sub-job, each driving a Docker container through the strict
// pull_image → create_container → start_container → establish_connection
// (master only) → wait_container + periodic sync_crashes → remove_container
// sequence.
//
// Generalized from the teacher's internal/executor.Executor, which runs a
// single restic subprocess at a time off one shared queue; here each sub-job
// gets its own goroutine and context so multiple containers can run
// concurrently, matching spec §5 ("the agent uses one task per live
// sub-job").
package runner

import (
	"context"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fuzzctl/fuzzctl/agent/internal/crashsync"
	"github.com/fuzzctl/fuzzctl/agent/internal/docker"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// UpdatesSink is the narrow interface the Runner publishes job transitions
// and crash discoveries through. Implemented by *updates.Fanout.
type UpdatesSink interface {
	PublishJobMsg(*rpc.JobMsg)
	PublishCrashMsg(*rpc.CrashMsg)
}

// Task is the in-memory record of one live sub-job.
type Task struct {
	mu          sync.Mutex
	guid        string
	idx         int
	status      string // "init" | "alive" | "completed" | "error"
	lastMsg     string
	containerID string
	cancel      context.CancelFunc
}

func (t *Task) snapshot() rpc.JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return rpc.JobInfo{Guid: t.guid, Status: t.status, LastMsg: t.lastMsg}
}

func (t *Task) setStatus(status string) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

func (t *Task) setLastMsg(msg string) {
	t.mu.Lock()
	t.lastMsg = msg
	t.mu.Unlock()
}

func (t *Task) getStatus() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Runner implements rpc.JobServer.
type Runner struct {
	docker  *docker.Client
	nfsDir  string
	sink    UpdatesSink
	crashes *crashsync.Syncer
	logger  *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates a Runner. nfsDir is the shared filesystem root whose
// <nfsDir>/jobs/<job_guid> subdirectory is bind-mounted into each
// container as /work.
func New(dockerClient *docker.Client, nfsDir string, sink UpdatesSink, crashes *crashsync.Syncer, logger *zap.Logger) *Runner {
	return &Runner{
		docker:  dockerClient,
		nfsDir:  nfsDir,
		sink:    sink,
		crashes: crashes,
		logger:  logger.Named("runner"),
		tasks:   make(map[string]*Task),
	}
}

// jobDir returns the shared filesystem directory for jobGuid.
func (r *Runner) jobDir(jobGuid string) string {
	return filepath.Join(r.nfsDir, "jobs", jobGuid)
}

// Create implements rpc.JobServer.Create. It registers the sub-job and
// spawns its lifecycle task immediately, returning before the container is
// necessarily running — progress is reported asynchronously via JobMsg
// updates.
func (r *Runner) Create(ctx context.Context, req *rpc.JobCreateRequest) (*rpc.Empty, error) {
	r.mu.Lock()
	if _, exists := r.tasks[req.JobGuid]; exists {
		r.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "runner: job %s already exists", req.JobGuid)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &Task{guid: req.JobGuid, idx: req.Idx, status: "init", cancel: cancel}
	r.tasks[req.JobGuid] = task
	r.mu.Unlock()

	go r.run(taskCtx, task, req)

	return &rpc.Empty{}, nil
}

// Destroy implements rpc.JobServer.Destroy: removes the in-memory record and
// cancels the task, so a still-running container is stopped and removed by
// the task's own failure path.
func (r *Runner) Destroy(ctx context.Context, guid *rpc.JobGuid) (*rpc.Empty, error) {
	r.mu.Lock()
	task, exists := r.tasks[guid.Guid]
	if exists {
		delete(r.tasks, guid.Guid)
	}
	r.mu.Unlock()

	if !exists {
		return nil, status.Errorf(codes.NotFound, "runner: job %s not found", guid.Guid)
	}
	task.cancel()
	return &rpc.Empty{}, nil
}

// List implements rpc.JobServer.List.
func (r *Runner) List(ctx context.Context, _ *rpc.Empty) (*rpc.JobsList, error) {
	return &rpc.JobsList{Jobs: r.snapshotAll()}, nil
}

// GetAll implements rpc.JobServer.GetAll — the authoritative job set used
// by the server's Reconciler (spec §4.6). Same data as List; a separate
// method because the wire contract and the server-side caller are distinct.
func (r *Runner) GetAll(ctx context.Context, _ *rpc.Empty) (*rpc.JobInfoContainerList, error) {
	return &rpc.JobInfoContainerList{Jobs: r.snapshotAll()}, nil
}

func (r *Runner) snapshotAll() []rpc.JobInfo {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	infos := make([]rpc.JobInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.snapshot())
	}
	return infos
}

// Stop implements rpc.JobServer.Stop. Only valid while the sub-job is
// init or alive; any other status rejects with an invariant error.
func (r *Runner) Stop(ctx context.Context, guid *rpc.JobGuid) (*rpc.Empty, error) {
	r.mu.Lock()
	task, exists := r.tasks[guid.Guid]
	r.mu.Unlock()

	if !exists {
		return nil, status.Errorf(codes.NotFound, "runner: job %s not found", guid.Guid)
	}

	st := task.getStatus()
	if st != "init" && st != "alive" {
		return nil, status.Errorf(codes.FailedPrecondition, "runner: job %s is %s, cannot stop", guid.Guid, st)
	}

	task.cancel()
	return &rpc.Empty{}, nil
}

// AnalyzeCrash implements rpc.JobServer.AnalyzeCrash. The RPC shape is
// reused for the agent-as-client link to the in-container analyzer (spec
// §4.4 step 4); the server never calls it on the agent directly.
func (r *Runner) AnalyzeCrash(ctx context.Context, _ *rpc.AnalyzeRequest) (*rpc.AnalyzeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "runner: analyze_crash is only served in-container")
}

// reportStatus emits a JobMsg carrying a status transition and updates the
// task's own record.
func (r *Runner) reportStatus(task *Task, newStatus, lastMsg string) {
	task.setStatus(newStatus)
	if lastMsg != "" {
		task.setLastMsg(lastMsg)
	}
	s := newStatus
	msg := lastMsg
	update := &rpc.JobMsg{Guid: task.guid, Status: &s}
	if lastMsg != "" {
		update.LastMsg = &msg
	}
	r.sink.PublishJobMsg(update)
}

// reportLastMsg emits a JobMsg carrying only a message update (e.g. image
// pull progress).
func (r *Runner) reportLastMsg(task *Task, msg string) {
	task.setLastMsg(msg)
	r.sink.PublishJobMsg(&rpc.JobMsg{Guid: task.guid, LastMsg: &msg})
}

// reportTerminal emits a terminal JobMsg carrying an attached log (container
// stderr on error).
func (r *Runner) reportTerminal(task *Task, newStatus, lastMsg, log string) {
	task.setStatus(newStatus)
	task.setLastMsg(lastMsg)
	s, m, l := newStatus, lastMsg, log
	r.sink.PublishJobMsg(&rpc.JobMsg{Guid: task.guid, Status: &s, LastMsg: &m, Log: &l})
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
