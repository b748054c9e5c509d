// Package discovery implements the membership / peer-discovery protocol of
// SPEC_FULL.md §4.E: PoC bootstrap, directory gossip on contact, and
// graceful-disconnect handling. It is the Go analogue of the original
// Python DiscoveryModule, generalized onto the Directory/Transport/Router
// types the rest of this module already builds on.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/router"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/logger"
	"github.com/ahijaouy/starnet/pkg/wire"
)

// BootstrapInterval is how often the PoC bootstrap goroutine re-sends a
// discovery request while it has not yet heard back.
const BootstrapInterval = 2 * time.Second

// Engine owns PoC bootstrap and the Discovery-queue consumer.
type Engine struct {
	directory *peer.Directory
	transport *transport.Transport
	router    *router.Router
	nextUUID  func() uint32

	// scheduleElection is called whenever membership may have changed, so
	// the election engine can re-run a round soon. Set via OnMembershipChange.
	scheduleElection func()

	poc *net.UDPAddr
}

// New builds a discovery Engine. poc may be nil when this node is the
// bootstrap (no point-of-contact configured).
func New(dir *peer.Directory, t *transport.Transport, r *router.Router, poc *net.UDPAddr, nextUUID func() uint32) *Engine {
	return &Engine{
		directory: dir,
		transport: t,
		router:    r,
		nextUUID:  nextUUID,
		poc:       poc,
	}
}

// OnMembershipChange registers the callback invoked whenever discovery
// learns of a joined or departed peer, so the election engine can schedule
// a re-election. Must be called before Run.
func (e *Engine) OnMembershipChange(fn func()) {
	e.scheduleElection = fn
}

func (e *Engine) notifyMembershipChange() {
	if e.scheduleElection != nil {
		e.scheduleElection()
	}
}

// Run starts the PoC bootstrap loop (if configured) and the Discovery-queue
// consumer, both as goroutines tied to ctx.
func (e *Engine) Run(ctx context.Context) {
	if e.poc != nil {
		go e.bootstrapLoop(ctx)
	}
	go e.consumeLoop(ctx)
}

// bootstrapLoop sends a stage-0 Discovery request to the PoC every
// BootstrapInterval until the directory contains a peer whose address
// matches the PoC, per SPEC_FULL.md §4.E.
func (e *Engine) bootstrapLoop(ctx context.Context) {
	ticker := time.NewTicker(BootstrapInterval)
	defer ticker.Stop()

	e.sendRequest(e.poc)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.hasContactedPoC() {
				return
			}
			e.sendRequest(e.poc)
		}
	}
}

func (e *Engine) hasContactedPoC() bool {
	for _, p := range e.directory.SnapshotLive() {
		if p.Addr != nil && p.Addr.String() == e.poc.String() {
			return true
		}
	}
	return false
}

func (e *Engine) sendRequest(to *net.UDPAddr) {
	e.transport.Send(to, e.nextUUID(), wire.NewDiscoveryRequest())
}

func (e *Engine) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.router.Discovery:
			e.handle(d)
		}
	}
}

func (e *Engine) handle(d router.Delivery) {
	msg := d.Msg
	payload, ok := msg.Payload.(*wire.DiscoveryPayload)
	if !ok {
		logger.Warn(logger.Fields{"from": msg.Sender}, "discovery: unexpected payload type")
		return
	}

	if payload.Disconnect == '1' {
		e.directory.Remove(msg.Sender)
		logger.Info(logger.Fields{"peer": msg.Sender}, "peer disconnected gracefully")
		e.notifyMembershipChange()
		return
	}

	switch payload.Direction {
	case wire.DirRequest:
		e.respond(msg.Sender, d.From)
	case wire.DirReply:
		records, err := decodeRecords(payload.Body)
		if err != nil {
			logger.Warn(logger.Fields{"from": msg.Sender, "err": err}, "discovery: malformed directory payload")
			return
		}
		e.directory.Merge(records)
		e.notifyMembershipChange()
		logger.Debug(logger.Fields{"size": e.directory.Size()}, "directory merged")
	}
}

// respond answers a stage-0 request with this node's live directory, sent
// to the UDP address the request actually arrived from (so a never-seen
// joining node can be replied to before it has a directory entry), and
// additionally sends our own stage-0 request back if the sender was
// previously unknown to us (the handshake-completion step of §4.E).
func (e *Engine) respond(sender string, from *net.UDPAddr) {
	wasKnown := e.directory.Exists(sender)

	body, err := encodeRecords(e.directory.SerializeLive())
	if err != nil {
		logger.Error(logger.Fields{"err": err}, "discovery: failed to serialize directory")
		return
	}
	e.transport.Send(from, e.nextUUID(), wire.NewDiscoveryReply(body))

	if !wasKnown {
		e.sendRequest(from)
	}
}

func encodeRecords(records []peer.Record) ([]byte, error) {
	out := make([]wire.PeerRecord, 0, len(records))
	for _, r := range records {
		if r.Addr == nil {
			continue
		}
		out = append(out, wire.PeerRecord{Name: r.Name, IP: r.Addr.IP.String(), Port: r.Addr.Port})
	}
	return json.Marshal(out)
}

func decodeRecords(body []byte) ([]peer.Record, error) {
	var in []wire.PeerRecord
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, errors.Wrap(err, "decode directory payload")
	}
	out := make([]peer.Record, 0, len(in))
	for _, r := range in {
		ip := net.ParseIP(r.IP)
		if ip == nil {
			continue
		}
		out = append(out, peer.Record{Name: r.Name, Addr: &net.UDPAddr{IP: ip, Port: r.Port}})
	}
	return out, nil
}
