// Package updates implements the agent's Updates RPC service: a single
// outbound stream of JobMsg/CrashMsg events consumed by the server's Broker.
//
// At most one subscriber may be attached at a time: while a stream is open,
// a second Get is rejected with Unavailable rather than replacing it. The
// runner and crashsync packages publish into the Fanout; they never see the
// underlying gRPC stream.
package updates

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fuzzctl/fuzzctl/shared/rpc"
)

// bufferSize is the per-subscriber channel depth. A slow Broker stalls the
// stream handler, not the publishers — Publish never blocks on a full
// channel, it drops the oldest queued update to make room.
const bufferSize = 256

// Fanout is the agent-side implementation of rpc.UpdatesServer. It holds at
// most one live subscriber and accepts publishes from any goroutine.
type Fanout struct {
	mu     sync.Mutex
	sub    chan *rpc.Update
	logger *zap.Logger
}

// New creates an empty Fanout.
func New(logger *zap.Logger) *Fanout {
	return &Fanout{logger: logger.Named("updates")}
}

// PublishJobMsg enqueues a job status/message/log transition.
func (f *Fanout) PublishJobMsg(m *rpc.JobMsg) {
	f.publish(&rpc.Update{Kind: rpc.UpdateKindJobMsg, JobMsg: m})
}

// PublishCrashMsg enqueues a newly synced crash file notification.
func (f *Fanout) PublishCrashMsg(m *rpc.CrashMsg) {
	f.publish(&rpc.Update{Kind: rpc.UpdateKindCrashMsg, CrashMsg: m})
}

func (f *Fanout) publish(u *rpc.Update) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()

	if sub == nil {
		return
	}

	select {
	case sub <- u:
	default:
		// Subscriber channel full — drop the oldest entry to make room
		// rather than block the publisher indefinitely.
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- u:
		default:
		}
		f.logger.Warn("updates subscriber channel full, dropped oldest entry")
	}
}

// Get implements rpc.UpdatesServer. It attaches stream as the sole
// subscriber for its lifetime and blocks until the stream's context is
// cancelled or Send fails. A second concurrent attach attempt is rejected
// with codes.Unavailable.
func (f *Fanout) Get(_ *rpc.Empty, stream rpc.UpdatesGetServer) error {
	f.mu.Lock()
	if f.sub != nil {
		f.mu.Unlock()
		return status.Error(codes.Unavailable, "updates: a subscriber is already attached")
	}
	ch := make(chan *rpc.Update, bufferSize)
	f.sub = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.sub == ch {
			f.sub = nil
		}
		f.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-ch:
			if err := stream.Send(u); err != nil {
				return err
			}
		}
	}
}
