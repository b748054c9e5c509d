// Package heartbeat implements the failure detector of SPEC_FULL.md §4.F:
// a one-shot ping/pong liveness probe per live peer, with timeout-based
// eviction. Grounded on the original Python star_project's heartbeat intent
// (never fully implemented there beyond stubs) and on the teacher's
// session-cleanup ticker in source/server/server.go.
package heartbeat

import (
	"context"
	"time"

	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/router"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/logger"
	"github.com/ahijaouy/starnet/pkg/wire"
)

const (
	// PingInterval is how often a ping is sent to every live peer.
	PingInterval = 3 * time.Second
	// TimeoutScanInterval is how often the timeout loop scans for stale peers.
	TimeoutScanInterval = 2 * time.Second
	// Timeout is how long since a peer's last heartbeat before it is evicted.
	// Chosen as more than two ping intervals so one lost ping does not cause
	// a false eviction.
	Timeout = 7 * time.Second
)

// Detector owns the ping loop, the timeout-eviction loop, and the
// Heartbeat-queue consumer.
type Detector struct {
	directory *peer.Directory
	transport *transport.Transport
	router    *router.Router
	nextUUID  func() uint32

	onEviction func(name string)
}

// New builds a Detector.
func New(dir *peer.Directory, t *transport.Transport, r *router.Router, nextUUID func() uint32) *Detector {
	return &Detector{directory: dir, transport: t, router: r, nextUUID: nextUUID}
}

// OnEviction registers the callback invoked whenever a peer is marked dead
// by the timeout loop, so the election engine can schedule a re-election.
func (d *Detector) OnEviction(fn func(name string)) {
	d.onEviction = fn
}

// Run starts the ping loop, the timeout loop, and the Heartbeat-queue
// consumer, all tied to ctx.
func (d *Detector) Run(ctx context.Context) {
	go d.pingLoop(ctx)
	go d.timeoutLoop(ctx)
	go d.consumeLoop(ctx)
}

func (d *Detector) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range d.directory.SnapshotLive() {
				if p.Name == d.directory.SelfName() {
					continue
				}
				d.transport.Send(p.Addr, d.nextUUID(), wire.NewPing())
			}
		}
	}
}

func (d *Detector) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(TimeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-Timeout)
			for _, name := range d.directory.StaleSince(cutoff) {
				d.directory.Remove(name)
				logger.Warn(logger.Fields{"peer": name}, "heartbeat timeout, evicting peer")
				if d.onEviction != nil {
					d.onEviction(name)
				}
			}
		}
	}
}

func (d *Detector) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.router.Heartbeat:
			d.handle(delivery)
		}
	}
}

func (d *Detector) handle(delivery router.Delivery) {
	msg := delivery.Msg
	hb, ok := msg.Payload.(*wire.HeartbeatPayload)
	if !ok {
		logger.Warn(logger.Fields{"from": msg.Sender}, "heartbeat: unexpected payload type")
		return
	}

	switch hb.Direction {
	case wire.HeartbeatPing:
		d.transport.Send(delivery.From, d.nextUUID(), wire.NewPong())
	case wire.HeartbeatPong:
		d.directory.UpdateHeartbeat(msg.Sender)
	}
}
