package crashsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

type fakeSink struct {
	msgs []string
}

func (f *fakeSink) PublishCrashMsg(m *rpc.CrashMsg) {
	f.msgs = append(f.msgs, m.Name)
}

func TestSyncCopiesNewCrashesOnce(t *testing.T) {
	jobDir := t.TempDir()
	crashSrc := filepath.Join(jobDir, "res", "0", "crashes")
	if err := os.MkdirAll(crashSrc, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(crashSrc, "crash-1"), []byte("poc"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{}
	logger := zap.NewNop()
	s, err := New(sink, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	if err := s.Start("job-1", jobDir, false, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop("job-1")

	if err := s.Sync(context.Background(), "job-1"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(sink.msgs) != 1 || sink.msgs[0] != "crash-1" {
		t.Fatalf("expected one crash-1 publish, got %v", sink.msgs)
	}

	dest := filepath.Join(jobDir, "crashes", "crash-1")
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected crash copied to %s: %v", dest, err)
	}

	// Second sync must not re-publish the already-copied file.
	if err := s.Sync(context.Background(), "job-1"); err != nil {
		t.Fatalf("Sync (second pass): %v", err)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("expected idempotent sync to skip already-copied file, got %v", sink.msgs)
	}
}

func TestSyncUnknownJobIsNoop(t *testing.T) {
	sink := &fakeSink{}
	s, err := New(sink, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Shutdown()

	if err := s.Sync(context.Background(), "never-started"); err != nil {
		t.Fatalf("Sync on unknown job should be a no-op, got: %v", err)
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("expected no publishes, got %v", sink.msgs)
	}
}
