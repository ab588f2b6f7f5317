package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

func newTestDispatcher(t *testing.T, spawned chan<- uuid.UUID) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(func(_ context.Context, guid uuid.UUID, inbox <-chan *AgentRequest) {
		spawned <- guid
		<-inbox // block until the inbox is closed (DelAgent) or a value arrives
	}, zap.NewNop())
	go d.Run(ctx)
	return d, cancel
}

func TestDispatcherSpawnsOneBrokerPerNewAgent(t *testing.T) {
	spawned := make(chan uuid.UUID, 4)
	d, cancel := newTestDispatcher(t, spawned)
	defer cancel()

	guid := uuid.Must(uuid.NewV7())
	d.NewAgent(guid)
	d.NewAgent(guid) // duplicate — must be a no-op per spec §4.2

	select {
	case got := <-spawned:
		if got != guid {
			t.Fatalf("spawned guid = %s, want %s", got, guid)
		}
	case <-time.After(time.Second):
		t.Fatal("broker was never spawned")
	}

	select {
	case got := <-spawned:
		t.Fatalf("duplicate NewAgent respawned a broker for %s", got)
	case <-time.After(50 * time.Millisecond):
		// expected: no second spawn
	}
}

func TestDispatcherRoutesRequestToKnownAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *AgentRequest, 1)
	d := New(func(_ context.Context, _ uuid.UUID, inbox <-chan *AgentRequest) {
		received <- <-inbox
	}, zap.NewNop())
	go d.Run(ctx)

	guid := uuid.Must(uuid.NewV7())
	d.NewAgent(guid)

	req := &AgentRequest{Kind: RequestJobCreate, JobCreate: &rpc.JobCreateRequest{JobGuid: "job-1"}}
	d.SubmitRequest(guid, req)

	select {
	case got := <-received:
		if got.JobCreate.JobGuid != "job-1" {
			t.Fatalf("JobCreate.JobGuid = %s, want job-1", got.JobCreate.JobGuid)
		}
	case <-time.After(time.Second):
		t.Fatal("request never reached the broker's inbox")
	}
}

func TestDispatcherDropsRequestForUnknownAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(func(context.Context, uuid.UUID, <-chan *AgentRequest) {
		t.Fatal("no broker should be spawned for a request without a prior NewAgent")
	}, zap.NewNop())
	go d.Run(ctx)

	// SubmitRequest for a guid that was never registered must be dropped
	// silently rather than spawning a broker or blocking (spec §4.2).
	d.SubmitRequest(uuid.Must(uuid.NewV7()), &AgentRequest{Kind: RequestJobStop})

	// Give the event loop a chance to process and confirm nothing happened.
	time.Sleep(50 * time.Millisecond)
}

func TestDispatcherDisconnectAllowsRespawn(t *testing.T) {
	spawned := make(chan uuid.UUID, 4)
	d, cancel := newTestDispatcher(t, spawned)
	defer cancel()

	guid := uuid.Must(uuid.NewV7())
	d.NewAgent(guid)
	<-spawned

	// Simulate the broker's own teardown signal (spec §4.3).
	d.Disconnect(guid)
	time.Sleep(50 * time.Millisecond)

	d.NewAgent(guid)
	select {
	case got := <-spawned:
		if got != guid {
			t.Fatalf("respawned guid = %s, want %s", got, guid)
		}
	case <-time.After(time.Second):
		t.Fatal("broker was not respawned after Disconnect")
	}
}
