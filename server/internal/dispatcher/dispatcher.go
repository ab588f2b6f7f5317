// Package dispatcher owns the guid → inbox mapping described in spec §4.2:
// it creates and removes per-agent Broker tasks in response to Events and
// routes per-agent requests to their inbox. It is single-writer by design,
// grounded on the same register/unregister event-loop shape as
// internal/websocket.Hub, generalized from a pub/sub topic registry to a
// guid-keyed request-routing registry.
package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// inboxBuffer is the bounded buffer size for each agent's inbox channel
// (spec §4.2: "a bounded buffer, e.g., 100").
const inboxBuffer = 100

// RequestKind identifies which control RPC an AgentRequest carries.
type RequestKind int

const (
	// RequestJobCreate asks the Broker to call the agent's control-client create.
	RequestJobCreate RequestKind = iota
	// RequestJobStop asks the Broker to call the agent's control-client stop.
	RequestJobStop
)

// AgentRequest is a single message routed through an agent's inbox — the
// JobRequest of spec §3 plus the JobStop variant named in §4.3's main loop.
type AgentRequest struct {
	Kind      RequestKind
	JobCreate *rpc.JobCreateRequest
	JobStop   *rpc.JobGuid
}

// eventKind identifies which of the three queued Dispatcher input events an
// event carries (spec §4.2); the fourth input, a Broker disconnect, arrives
// on its own channel.
type eventKind int

const (
	eventNewAgent eventKind = iota
	eventDelAgent
	eventAgentRequest
)

type event struct {
	kind    eventKind
	guid    uuid.UUID
	request *AgentRequest
}

// SpawnFunc starts a Broker task bound to (guid, inbox). It is supplied by
// the caller (cmd/server/main.go) so this package stays independent of the
// concrete Broker/Store/gRPC wiring — Dispatcher only needs to know how to
// start and stop the per-agent task, not what it does.
//
// The Broker is responsible for calling Dispatcher.Disconnect(guid) on its
// own teardown (spec §4.3). The Dispatcher runs each SpawnFunc call in its
// own goroutine, so the function may block for the whole Broker session
// without stalling the event loop.
type SpawnFunc func(ctx context.Context, guid uuid.UUID, inbox <-chan *AgentRequest)

// Dispatcher routes JobCreate/JobStop requests to per-agent Broker inboxes
// and spawns/reaps Broker tasks as agents connect and disconnect.
type Dispatcher struct {
	events     chan event
	disconnect chan uuid.UUID
	inboxes    map[uuid.UUID]chan *AgentRequest
	spawn      SpawnFunc
	logger     *zap.Logger
}

// New creates an idle Dispatcher. Call Run in its own goroutine to start it.
func New(spawn SpawnFunc, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		events:     make(chan event, 64),
		disconnect: make(chan uuid.UUID, 64),
		inboxes:    make(map[uuid.UUID]chan *AgentRequest),
		spawn:      spawn,
		logger:     logger.Named("dispatcher"),
	}
}

// Run is the Dispatcher's single-threaded event loop. It processes events in
// FIFO order and never blocks on Broker work beyond an inbox enqueue (spec
// §4.2). It returns when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ctx, ev)

		case guid := <-d.disconnect:
			// A Broker signals its own termination (spec §4.3 teardown); remove
			// its entry so a future NewAgent event can respawn it.
			if _, exists := d.inboxes[guid]; exists {
				delete(d.inboxes, guid)
				d.logger.Info("broker disconnected", zap.String("guid", guid.String()))
			}

		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventNewAgent:
		if _, exists := d.inboxes[ev.guid]; exists {
			return
		}
		inbox := make(chan *AgentRequest, inboxBuffer)
		d.inboxes[ev.guid] = inbox
		d.logger.Info("spawning broker", zap.String("guid", ev.guid.String()))
		go d.spawn(ctx, ev.guid, inbox)

	case eventDelAgent:
		inbox, exists := d.inboxes[ev.guid]
		if !exists {
			return
		}
		delete(d.inboxes, ev.guid)
		close(inbox)

	case eventAgentRequest:
		inbox, exists := d.inboxes[ev.guid]
		if !exists {
			// The request was targeted at a removed agent — drop silently
			// (spec §4.2).
			return
		}
		inbox <- ev.request
	}
}

// NewAgent enqueues a NewAgent event (spec §4.2). Called once per Agent row
// at server startup (see Preload). Registering an agent via the REST API
// does not call it, so an agent created after startup gets no Broker until
// the next server start.
func (d *Dispatcher) NewAgent(guid uuid.UUID) {
	d.events <- event{kind: eventNewAgent, guid: guid}
}

// DelAgent enqueues a DelAgent event, causing the bound Broker to observe
// inbox closure and exit.
func (d *Dispatcher) DelAgent(guid uuid.UUID) {
	d.events <- event{kind: eventDelAgent, guid: guid}
}

// SubmitRequest enqueues an AgentRequest event bound for guid's inbox.
func (d *Dispatcher) SubmitRequest(guid uuid.UUID, req *AgentRequest) {
	d.events <- event{kind: eventAgentRequest, guid: guid, request: req}
}

// Disconnect is called by a Broker task on its own teardown (spec §4.3).
func (d *Dispatcher) Disconnect(guid uuid.UUID) {
	d.disconnect <- guid
}

// Preload emits a NewAgent event for every guid, used at server startup to
// rebuild every Broker from the persisted Agent rows (spec §3: "brokers are
// transient and rebuilt on startup from get_all(agents)").
func (d *Dispatcher) Preload(guids []uuid.UUID) {
	for _, guid := range guids {
		d.NewAgent(guid)
	}
}
