// Package broker implements the per-agent session described in spec §4.3:
// one long-lived task per registered agent that dials out to the agent's
// gRPC endpoint, multiplexes its control/update-stream/sys-info clients,
// applies incoming updates to the Store, and forwards outgoing commands
// pulled from its Dispatcher inbox.
//
// Dial direction is the inverse of the teacher's connection.Manager (agents
// dial in, server holds the stream) — here the server dials out to the
// agent's endpoint, so the gob-codec dial options and insecure-credentials
// pattern are kept from connection.Manager.connect but the reconnect loop
// itself belongs to the Dispatcher (NewAgent/disconnect), not to this
// package: a Broker session runs once per attach and exits on any terminal
// error, same as connection.Manager's single connect() attempt.
package broker

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fuzzctl/fuzzctl/server/internal/dispatcher"
	"github.com/fuzzctl/fuzzctl/server/internal/metrics"
	"github.com/fuzzctl/fuzzctl/server/internal/notification"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/server/internal/websocket"
	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// dialTimeout bounds the initial connect + sys-info round trip attempted in
// init; the update stream and main loop are otherwise unbounded, kept open
// for the Broker's whole lifetime.
const dialTimeout = 10 * time.Second

// Reconciler is called once per session, after sync_jobs, with the agent's
// authoritative job set (spec §4.6). Implemented by the reconciler package;
// declared narrowly here so this package does not depend on it directly.
type Reconciler interface {
	Reconcile(ctx context.Context, agentGuid uuid.UUID, jobs []rpc.JobInfo) error
}

// Factory holds the dependencies every Broker session needs and exposes
// Spawn as a dispatcher.SpawnFunc.
type Factory struct {
	store      *store.Store
	hub        *websocket.Hub
	dispatcher *dispatcher.Dispatcher
	reconciler Reconciler
	notifier   notification.Service
	nfsDir     string
	logger     *zap.Logger
}

// NewFactory creates a Factory. Pass Factory.Spawn to dispatcher.New. nfsDir
// is the shared filesystem root the Broker reads crash files from — the
// same mount the agent writes them to (spec §7).
func NewFactory(st *store.Store, hub *websocket.Hub, d *dispatcher.Dispatcher, r Reconciler, notifier notification.Service, nfsDir string, logger *zap.Logger) *Factory {
	return &Factory{
		store:      st,
		hub:        hub,
		dispatcher: d,
		reconciler: r,
		notifier:   notifier,
		nfsDir:     nfsDir,
		logger:     logger.Named("broker"),
	}
}

// Spawn runs one Broker session for guid to completion. It matches
// dispatcher.SpawnFunc and is meant to be run in its own goroutine by the
// Dispatcher — it blocks until the session ends.
func (f *Factory) Spawn(ctx context.Context, guid uuid.UUID, inbox <-chan *dispatcher.AgentRequest) {
	s := &session{
		agentGuid:  guid,
		store:      f.store,
		hub:        f.hub,
		dispatcher: f.dispatcher,
		reconciler: f.reconciler,
		notifier:   f.notifier,
		nfsDir:     f.nfsDir,
		logger:     f.logger.With(zap.String("agent_guid", guid.String())),
	}
	s.run(ctx, inbox)
}

type session struct {
	agentGuid  uuid.UUID
	store      *store.Store
	hub        *websocket.Hub
	dispatcher *dispatcher.Dispatcher
	reconciler Reconciler
	notifier   notification.Service
	nfsDir     string

	conn   *grpc.ClientConn
	job    rpc.JobClient
	sysinf rpc.SystemInfoClient

	attached bool
	logger   *zap.Logger
}

// run executes the full session lifecycle — init, sync_jobs, attach, main
// loop — and always tears down through the Dispatcher's disconnect channel
// on exit (spec §4.3 teardown), regardless of which stage failed.
func (s *session) run(ctx context.Context, inbox <-chan *dispatcher.AgentRequest) {
	defer s.teardown()

	if err := s.init(ctx); err != nil {
		s.logger.Warn("broker init failed", zap.Error(err))
		return
	}
	defer s.conn.Close()

	jobs, err := s.syncJobs(ctx)
	if err != nil {
		s.logger.Warn("broker sync_jobs failed", zap.Error(err))
		return
	}
	if s.reconciler != nil {
		metrics.ReconcilerRunsTotal.Inc()
		if err := s.reconciler.Reconcile(ctx, s.agentGuid, jobs); err != nil {
			s.logger.Warn("reconciler failed", zap.Error(err), zap.String("agent_guid", s.agentGuid.String()))
		}
	}

	stream, err := s.attach(ctx)
	if err != nil {
		s.logger.Warn("broker attach failed", zap.Error(err))
		return
	}

	s.mainLoop(ctx, inbox, stream)
}

// init loads the Agent row, dials its endpoint, and probes liveness via the
// sys-info RPC (spec §4.3 init).
func (s *session) init(ctx context.Context) error {
	agent, err := s.store.GetAgentByGuid(ctx, s.agentGuid)
	if err != nil {
		return fmt.Errorf("broker: load agent: %w", err)
	}

	conn, err := grpc.NewClient(
		agent.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(rpc.CallOptions()...),
	)
	if err != nil {
		s.markDownIfUp(ctx, agent.Status)
		return fmt.Errorf("broker: dial %s: %w", agent.Endpoint, err)
	}
	s.conn = conn
	s.job = rpc.NewJobClient(conn)
	s.sysinf = rpc.NewSystemInfoClient(conn)

	probeCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	info, err := s.sysinf.Get(probeCtx, &rpc.Empty{})
	if err != nil {
		s.markDownIfUp(ctx, agent.Status)
		conn.Close()
		return fmt.Errorf("broker: sys-info probe: %w", err)
	}

	if agent.Status == "init" {
		if err := s.store.SetAgentSysInfo(ctx, s.agentGuid, int64(info.Cpus), int64(info.Ram)); err != nil {
			return fmt.Errorf("broker: record sys-info: %w", err)
		}
		if err := s.store.SetAgentStatus(ctx, s.agentGuid, "down"); err != nil {
			return fmt.Errorf("broker: set status down: %w", err)
		}
	}
	return nil
}

func (s *session) markDownIfUp(ctx context.Context, currentStatus string) {
	if currentStatus != "up" {
		return
	}
	if err := s.store.SetAgentStatus(ctx, s.agentGuid, "down"); err != nil {
		s.logger.Warn("failed to mark agent down after connect failure", zap.Error(err))
	}
}

// syncJobs fetches the agent's authoritative job set for the Reconciler
// (spec §4.3 sync_jobs).
func (s *session) syncJobs(ctx context.Context) ([]rpc.JobInfo, error) {
	list, err := s.job.GetAll(ctx, &rpc.Empty{})
	if err != nil {
		return nil, fmt.Errorf("broker: get_all: %w", err)
	}
	return list.Jobs, nil
}

// attach opens the update stream and marks the agent up (spec §4.3 attach).
func (s *session) attach(ctx context.Context) (rpc.UpdatesGetClient, error) {
	updates := rpc.NewUpdatesClient(s.conn)
	stream, err := updates.Get(ctx, &rpc.Empty{})
	if err != nil {
		return nil, fmt.Errorf("broker: open update stream: %w", err)
	}
	if err := s.store.SetAgentStatus(ctx, s.agentGuid, "up"); err != nil {
		return nil, fmt.Errorf("broker: set status up: %w", err)
	}
	s.publishAgentStatus("up")
	s.attached = true
	metrics.AgentsConnected.Inc()
	return stream, nil
}

// mainLoop multiplexes the Dispatcher inbox and the agent's update stream
// with fair selection until either source terminates (spec §4.3 main loop).
func (s *session) mainLoop(ctx context.Context, inbox <-chan *dispatcher.AgentRequest, stream rpc.UpdatesGetClient) {
	updates := make(chan *rpc.Update)
	streamErr := make(chan error, 1)
	go func() {
		for {
			upd, err := stream.Recv()
			if err != nil {
				streamErr <- err
				return
			}
			updates <- upd
		}
	}()

	for {
		select {
		case req, ok := <-inbox:
			if !ok {
				// Dispatcher removed our entry (DelAgent) — exit cleanly.
				return
			}
			s.handleRequest(ctx, req)

		case upd := <-updates:
			s.handleUpdate(ctx, upd)

		case err := <-streamErr:
			s.logger.Info("update stream closed", zap.Error(err))
			if setErr := s.store.SetAgentStatus(ctx, s.agentGuid, "down"); setErr != nil {
				s.logger.Warn("failed to mark agent down on stream error", zap.Error(setErr))
			}
			s.publishAgentStatus("down")
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *session) handleRequest(ctx context.Context, req *dispatcher.AgentRequest) {
	switch req.Kind {
	case dispatcher.RequestJobCreate:
		if _, err := s.job.Create(ctx, req.JobCreate); err != nil {
			s.logger.Warn("job create failed", zap.String("job_guid", req.JobCreate.JobGuid), zap.Error(err))
			s.failJob(ctx, req.JobCreate.JobGuid, err)
		}

	case dispatcher.RequestJobStop:
		if _, err := s.job.Stop(ctx, req.JobStop); err != nil {
			// The agent remains authoritative for sub-job state — a failed
			// stop is logged only, never mutates Store (spec §4.3).
			s.logger.Warn("job stop failed", zap.String("job_guid", req.JobStop.Guid), zap.Error(err))
		}
	}
}

// failJob marks a sub-job complete(error) when its create RPC fails
// outright, per spec §4.3's "If it fails, mark the sub-job
// complete(last_msg=err, status=error)".
func (s *session) failJob(ctx context.Context, jobGuidStr string, cause error) {
	jobGuid, err := uuid.Parse(jobGuidStr)
	if err != nil {
		s.logger.Error("job create failure carries unparseable job guid", zap.String("job_guid", jobGuidStr), zap.Error(err))
		return
	}
	job, err := s.store.GetJobByGuid(ctx, jobGuid)
	if err != nil {
		s.logger.Error("failed to resolve job guid after create failure", zap.String("job_guid", jobGuidStr), zap.Error(err))
		return
	}
	collectionStatus, err := s.store.CompleteJob(ctx, job.AgentGuid, job.CollectionGuid, cause.Error(), "error")
	if err != nil {
		s.logger.Error("failed to mark sub-job error after create failure", zap.String("job_guid", jobGuidStr), zap.Error(err))
		return
	}
	s.notifyCollectionTerminal(ctx, job.CollectionGuid, collectionStatus, cause.Error())
}

func (s *session) handleUpdate(ctx context.Context, upd *rpc.Update) {
	switch upd.Kind {
	case rpc.UpdateKindJobMsg:
		s.handleJobMsg(ctx, upd.JobMsg)
	case rpc.UpdateKindCrashMsg:
		s.handleCrashMsg(ctx, upd.CrashMsg)
	}
}

func (s *session) handleJobMsg(ctx context.Context, jm *rpc.JobMsg) {
	guid, err := uuid.Parse(jm.Guid)
	if err != nil {
		s.logger.Error("job msg carries unparseable guid", zap.String("guid", jm.Guid), zap.Error(err))
		return
	}
	job, err := s.store.GetJobByGuid(ctx, guid)
	if err != nil {
		s.logger.Error("failed to resolve job msg guid", zap.String("guid", jm.Guid), zap.Error(err))
		return
	}

	var collectionStatus string
	switch {
	case jm.Status != nil && (*jm.Status == "completed" || *jm.Status == "error"):
		lastMsg := ""
		if jm.LastMsg != nil {
			lastMsg = *jm.LastMsg
		}
		collectionStatus, err = s.store.CompleteJob(ctx, job.AgentGuid, job.CollectionGuid, lastMsg, *jm.Status)
		if err == nil {
			metrics.JobsCompletedTotal.WithLabelValues(*jm.Status).Inc()
		}
	case jm.Status != nil:
		err = s.store.SetJobStatus(ctx, job.AgentGuid, job.CollectionGuid, job.Idx, *jm.Status, jm.LastMsg)
	case jm.LastMsg != nil:
		err = s.store.SetJobLastMsg(ctx, job.AgentGuid, job.CollectionGuid, job.Idx, *jm.LastMsg)
	}
	if err != nil {
		s.logger.Error("failed to apply job msg", zap.String("guid", jm.Guid), zap.Error(err))
		return
	}
	if collectionStatus != "" {
		lastMsg := ""
		if jm.LastMsg != nil {
			lastMsg = *jm.LastMsg
		}
		s.notifyCollectionTerminal(ctx, job.CollectionGuid, collectionStatus, lastMsg)
	}

	s.hub.Publish("collection:"+job.CollectionGuid.String(), websocket.Message{
		Type:  websocket.MsgJobStatus,
		Topic: "collection:" + job.CollectionGuid.String(),
		Payload: map[string]any{
			"agent_guid": job.AgentGuid.String(),
			"idx":        job.Idx,
			"status":     jm.Status,
			"last_msg":   jm.LastMsg,
		},
	})
}

func (s *session) handleCrashMsg(ctx context.Context, cm *rpc.CrashMsg) {
	guid, err := uuid.Parse(cm.JobGuid)
	if err != nil {
		s.logger.Error("crash msg carries unparseable job guid", zap.String("job_guid", cm.JobGuid), zap.Error(err))
		return
	}
	job, err := s.store.GetJobByGuid(ctx, guid)
	if err != nil {
		s.logger.Error("failed to resolve crash msg job guid", zap.String("job_guid", cm.JobGuid), zap.Error(err))
		return
	}

	hash, size, err := s.hashCrashFile(cm.JobGuid, cm.Name)
	if err != nil {
		s.logger.Error("failed to hash crash file", zap.String("name", cm.Name), zap.Error(err))
		return
	}

	if err := s.store.NewCrash(ctx, store.NewCrashInput{
		Name:           cm.Name,
		CollectionGuid: job.CollectionGuid,
		Hash:           hash,
		Size:           size,
		Analyzed:       cm.Analyzed,
	}); err != nil {
		s.logger.Error("failed to record crash", zap.String("name", cm.Name), zap.Error(err))
		return
	}
	metrics.CrashesFoundTotal.Inc()

	if s.notifier != nil {
		if coll, err := s.store.GetCollectionByGuid(ctx, job.CollectionGuid); err != nil {
			s.logger.Warn("failed to load collection for crash notification", zap.Error(err))
		} else if err := s.notifier.NotifyCrashFound(ctx, job.CollectionGuid, coll.Name, cm.Name); err != nil {
			s.logger.Warn("notify crash found failed", zap.Error(err))
		}
	}

	s.hub.Publish("collection:"+job.CollectionGuid.String(), websocket.Message{
		Type:  websocket.MsgCrashFound,
		Topic: "collection:" + job.CollectionGuid.String(),
		Payload: map[string]any{
			"name":     cm.Name,
			"size":     size,
			"analyzed": cm.Analyzed,
		},
	})
}

// hashCrashFile computes the SHA3-256 and size of the crash file a CrashMsg
// announces, reading it from the shared NFS mount at
// <nfs_dir>/jobs/<job_guid>/crashes/<name> (spec §4.7 new_crash) rather than
// trusting whatever the agent reported — the agent only ever tells us a
// name, never a digest.
func (s *session) hashCrashFile(jobGuid, name string) (string, int64, error) {
	path := filepath.Join(s.nfsDir, "jobs", jobGuid, "crashes", name)

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open crash file: %w", err)
	}
	defer f.Close()

	hasher := sha3.New256()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("read crash file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// notifyCollectionTerminal fires the collection-level notification once
// Propagate reports the roll-up has reached a terminal status ("completed"
// or "error"); any other roll-up ("init", "alive") is not yet terminal and
// is ignored. Best-effort: notifier errors are logged, never propagated.
func (s *session) notifyCollectionTerminal(ctx context.Context, collectionGuid uuid.UUID, collectionStatus, lastMsg string) {
	if s.notifier == nil {
		return
	}
	coll, err := s.store.GetCollectionByGuid(ctx, collectionGuid)
	if err != nil {
		s.logger.Warn("failed to load collection for notification", zap.Error(err))
		return
	}

	switch collectionStatus {
	case "completed":
		if err := s.notifier.NotifyCollectionCompleted(ctx, collectionGuid, coll.Name); err != nil {
			s.logger.Warn("notify collection completed failed", zap.Error(err))
		}
	case "error":
		if err := s.notifier.NotifyCollectionErrored(ctx, collectionGuid, coll.Name, lastMsg); err != nil {
			s.logger.Warn("notify collection errored failed", zap.Error(err))
		}
	}
}

func (s *session) publishAgentStatus(status string) {
	topic := "agent:" + s.agentGuid.String()
	s.hub.Publish(topic, websocket.Message{
		Type:  websocket.MsgAgentStatus,
		Topic: topic,
		Payload: map[string]string{
			"status": status,
		},
	})
}

// teardown always runs on session exit: mark the agent down (idempotent if
// already down from a prior branch) and signal the Dispatcher so a future
// NewAgent event can respawn this session (spec §4.3 teardown).
func (s *session) teardown() {
	ctx := context.Background()
	if err := s.store.SetAgentStatus(ctx, s.agentGuid, "down"); err != nil {
		s.logger.Warn("failed to mark agent down on teardown", zap.Error(err))
	}
	s.publishAgentStatus("down")
	if s.attached {
		metrics.AgentsConnected.Dec()
		if s.notifier != nil {
			if agent, err := s.store.GetAgentByGuid(ctx, s.agentGuid); err != nil {
				s.logger.Warn("failed to load agent for down notification", zap.Error(err))
			} else if err := s.notifier.NotifyAgentDown(ctx, s.agentGuid, agent.Description); err != nil {
				s.logger.Warn("notify agent down failed", zap.Error(err))
			}
		}
	}
	s.dispatcher.Disconnect(s.agentGuid)
}
