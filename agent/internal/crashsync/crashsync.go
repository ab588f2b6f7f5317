// Package crashsync implements sync_crashes (spec §4.4, §4.7): periodically
// copying newly discovered crash files out of a running fuzz-target
// container's result directory onto the shared NFS mount and publishing a
// CrashMsg for each one. Hashing happens server-side, against the same NFS
// path, once the Broker receives the CrashMsg (spec §4.7's new_crash) — the
// agent only ever reports the file's name.
//
// The periodic tick is driven by gocron the same way the teacher's server
// once drove its backup schedules — one gocron job per master sub-job
// (idx==0), tagged by job guid so it can be torn down independently when
// that sub-job's container exits.
package crashsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// tickInterval is the periodic sync_crashes cadence (spec §4.4 step 5).
const tickInterval = 5 * time.Minute

// Sink receives one CrashMsg per newly discovered crash file.
type Sink interface {
	PublishCrashMsg(*rpc.CrashMsg)
}

// Analyzer invokes the in-container analyzer RPC for a single crash file
// name, returning its verdict. Only called when a sub-job's
// crash_auto_analyze flag is set. Implemented by the runner's secondary RPC
// client to the master sub-job's container (spec §4.4 step 4).
type Analyzer interface {
	Analyze(ctx context.Context, name string) (string, error)
}

// jobState holds the per-job configuration needed on every tick.
type jobState struct {
	jobDir           string
	crashAutoAnalyze bool
	analyzer         Analyzer
}

// Syncer owns a single shared gocron scheduler ticking sync_crashes for
// every live master sub-job.
type Syncer struct {
	cron   gocron.Scheduler
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]jobState
}

// New creates a Syncer and starts its internal scheduler. Call Shutdown
// when the agent process exits.
func New(sink Sink, logger *zap.Logger) (*Syncer, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("crashsync: failed to create gocron scheduler: %w", err)
	}
	syncer := &Syncer{cron: s, sink: sink, logger: logger.Named("crashsync"), states: make(map[string]jobState)}
	s.Start()
	return syncer, nil
}

// Start registers the periodic sync_crashes tick for jobGuid, scanning
// jobDir every five minutes until Stop is called. analyzer may be nil when
// crashAutoAnalyze is false.
func (s *Syncer) Start(jobGuid, jobDir string, crashAutoAnalyze bool, analyzer Analyzer) error {
	s.mu.Lock()
	s.states[jobGuid] = jobState{jobDir: jobDir, crashAutoAnalyze: crashAutoAnalyze, analyzer: analyzer}
	s.mu.Unlock()

	_, err := s.cron.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Sync(ctx, jobGuid); err != nil {
				s.logger.Warn("sync_crashes tick failed", zap.String("job_guid", jobGuid), zap.Error(err))
			}
		}),
		gocron.WithTags(jobGuid),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("crashsync: gocron.NewJob failed for job %s: %w", jobGuid, err)
	}
	return nil
}

// Stop removes the periodic tick for jobGuid and forgets its state. Safe to
// call even if no tick was ever registered for it.
func (s *Syncer) Stop(jobGuid string) {
	_ = s.cron.RemoveByTags(jobGuid)
	s.mu.Lock()
	delete(s.states, jobGuid)
	s.mu.Unlock()
}

// Shutdown stops the underlying scheduler. Call once at process exit.
func (s *Syncer) Shutdown() error {
	return s.cron.Shutdown()
}

// Sync performs one sync_crashes pass for jobGuid using the state
// registered by Start, looked up by jobGuid. Exported so the periodic
// gocron tick and the runner's final post-wait flush share one code path.
// Returns nil if jobGuid was never started (or was already stopped) —
// callers that need a final flush must call Sync before Stop.
func (s *Syncer) Sync(ctx context.Context, jobGuid string) error {
	s.mu.Lock()
	state, ok := s.states[jobGuid]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	destDir := filepath.Join(state.jobDir, "crashes")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("crashsync: create crash dir: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(state.jobDir, "res", "*", "crashes", "*"))
	if err != nil {
		return fmt.Errorf("crashsync: glob crash sources: %w", err)
	}

	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}

		name := filepath.Base(src)
		dest := filepath.Join(destDir, name)
		if _, err := os.Stat(dest); err == nil {
			continue // already synced
		}

		if err := copyFile(src, dest); err != nil {
			s.logger.Warn("failed to copy crash file", zap.String("name", name), zap.Error(err))
			continue
		}

		var analyzed *string
		if state.crashAutoAnalyze && state.analyzer != nil {
			if result, err := state.analyzer.Analyze(ctx, name); err != nil {
				s.logger.Warn("crash analysis failed", zap.String("name", name), zap.Error(err))
			} else {
				analyzed = &result
			}
		}

		s.sink.PublishCrashMsg(&rpc.CrashMsg{
			JobGuid:  jobGuid,
			Name:     name,
			Analyzed: analyzed,
		})
	}

	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
