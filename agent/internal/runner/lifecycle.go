package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/mount"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fuzzctl/fuzzctl/agent/internal/crashsync"
	"github.com/fuzzctl/fuzzctl/agent/internal/docker"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// analyzerPort is the fixed port the in-container analyzer service listens
// on (spec §4.4 step 4).
const analyzerPort = 50051

// analyzerGrace is how long run waits after start_container before dialing
// the in-container analyzer, to allow its service to bind.
const analyzerGrace = 5 * time.Second

// analyzerClient implements crashsync.Analyzer against the master sub-job's
// in-container analyzer RPC endpoint.
type analyzerClient struct {
	jobGuid string
	client  rpc.JobClient
	conn    *grpc.ClientConn
}

func (a *analyzerClient) Analyze(ctx context.Context, name string) (string, error) {
	resp, err := a.client.AnalyzeCrash(ctx, &rpc.AnalyzeRequest{JobGuid: a.jobGuid, Name: name}, rpc.CallOptions()...)
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

func (a *analyzerClient) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

// run drives task through the strict container lifecycle described in
// spec §4.4. It never returns an error directly — every failure is reported
// as a terminal JobMsg and the task is left in the tasks map for a
// subsequent Destroy to clean up.
func (r *Runner) run(ctx context.Context, task *Task, req *rpc.JobCreateRequest) {
	jobDir := r.jobDir(req.JobGuid)

	fail := func(stage string, err error) {
		r.logger.Error("job lifecycle failed", zap.String("stage", stage), zap.Error(err))
		r.forceStop(context.Background(), task, "")
		r.reportTerminal(task, "error", fmt.Sprintf("%s: %s", stage, errMsg(err)), "")
	}

	// --- 1. pull_image ---
	if !r.docker.ImageExists(ctx, req.Image) {
		err := r.docker.PullImage(ctx, req.Image, func(p docker.PullProgress) {
			r.reportLastMsg(task, fmt.Sprintf("%s %s", p.Status, p.ID))
		})
		if err != nil {
			fail("pull_image", err)
			return
		}
	}

	// --- 2. create_container ---
	containerID, err := r.docker.CreateContainer(ctx, docker.ContainerSpec{
		Name:  req.JobGuid,
		Image: req.Image,
		Env: []string{
			fmt.Sprintf("ID=%d", req.Idx),
			fmt.Sprintf("CPUS=%d", req.Cpus),
			"FUZZ_DIR=/root/fuzz",
		},
		NanoCPUs: req.Cpus * 1_000_000_000,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: jobDir, Target: "/work"},
		},
	})
	if err != nil {
		fail("create_container", err)
		return
	}
	task.mu.Lock()
	task.containerID = containerID
	task.mu.Unlock()

	// --- 3. start_container ---
	if err := r.docker.StartContainer(ctx, containerID); err != nil {
		fail("start_container", err)
		return
	}
	r.reportStatus(task, "alive", "")

	// --- 4. establish_connection (master only) ---
	if req.Idx == 0 {
		var syncAnalyzer crashsync.Analyzer
		analyzer, err := r.connectAnalyzer(ctx, req.JobGuid, containerID)
		if err != nil {
			// Non-fatal: crash sync still runs, just without auto-analysis.
			r.logger.Warn("failed to establish analyzer connection", zap.Error(err))
		} else {
			defer analyzer.Close()
			syncAnalyzer = analyzer
		}

		if err := r.crashes.Start(req.JobGuid, jobDir, req.CrashAutoAnalyze, syncAnalyzer); err != nil {
			r.logger.Warn("failed to start crash sync", zap.Error(err))
		}
		defer r.crashes.Stop(req.JobGuid)
	}

	// --- 5. wait_container ---
	exitCode, waitErr := r.docker.WaitContainer(ctx, containerID)

	if req.Idx == 0 {
		if err := r.crashes.Sync(context.Background(), req.JobGuid); err != nil {
			r.logger.Warn("final sync_crashes failed", zap.Error(err))
		}
	}

	if waitErr != nil {
		fail("wait_container", waitErr)
		return
	}

	if exitCode != 0 {
		logs, _ := r.docker.ContainerLogs(context.Background(), containerID, 200)
		r.forceStop(context.Background(), task, containerID)
		r.reportTerminal(task, "error", fmt.Sprintf("container exited with code %d", exitCode), logs)
		return
	}

	// --- 6. remove_container ---
	if err := r.docker.RemoveContainer(context.Background(), containerID); err != nil {
		r.logger.Warn("failed to remove container after successful exit", zap.Error(err))
	}
	r.reportStatus(task, "completed", "")
}

// connectAnalyzer inspects containerID for its IP and dials the in-container
// analyzer RPC endpoint after a short grace period for it to bind.
func (r *Runner) connectAnalyzer(ctx context.Context, jobGuid, containerID string) (*analyzerClient, error) {
	select {
	case <-time.After(analyzerGrace):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ip, err := r.docker.InspectContainerIP(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container ip: %w", err)
	}

	conn, err := grpc.NewClient(
		fmt.Sprintf("%s:%d", ip, analyzerPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOptions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("dial analyzer: %w", err)
	}

	return &analyzerClient{jobGuid: jobGuid, client: rpc.NewJobClient(conn), conn: conn}, nil
}

// forceStop stops then removes containerID (force_stop per spec §4.4 step
// 6). containerID may be empty if the failure happened before create.
func (r *Runner) forceStop(ctx context.Context, task *Task, containerID string) {
	if containerID == "" {
		task.mu.Lock()
		containerID = task.containerID
		task.mu.Unlock()
	}
	if containerID == "" {
		return
	}
	_ = r.docker.StopContainer(ctx, containerID, 10)
	_ = r.docker.RemoveContainer(ctx, containerID)
}
