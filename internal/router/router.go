// Package router fans decoded packets out to per-type channels, the Go
// equivalent of the original SocketManager's per-type queue dictionary, and
// performs the re-stamp/ack/enqueue/watchdog sequence of SPEC_FULL.md §4.D.
package router

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/logger"
	"github.com/ahijaouy/starnet/pkg/wire"
)

const queueSize = 64

// Delivery pairs a decoded message with the UDP address it actually arrived
// from, so a consumer can learn a never-seen sender's address even before
// the directory holds an entry for it (e.g. a discovery request from a
// joining node).
type Delivery struct {
	Msg  wire.Message
	From *net.UDPAddr
}

// Router is the single consumer of a Transport's inbound channel. It never
// drops from the app queue and blocks on it when it is full (app payloads
// are rare and must not be lost); discovery/rtt drop-newest and heartbeat drops-oldest under backpressure,
// per the concurrency model in SPEC_FULL.md §5.
type Router struct {
	transport *transport.Transport
	directory *peer.Directory

	Discovery chan Delivery
	Heartbeat chan Delivery
	RTT       chan Delivery
	App       chan Delivery

	lastContactMu sync.Mutex
	lastContact   time.Time
}

// New builds a Router reading from t and re-stamping addresses into dir.
func New(t *transport.Transport, dir *peer.Directory) *Router {
	return &Router{
		transport:   t,
		directory:   dir,
		Discovery:   make(chan Delivery, queueSize),
		Heartbeat:   make(chan Delivery, queueSize),
		RTT:         make(chan Delivery, queueSize),
		App:         make(chan Delivery, 256),
		lastContact: time.Now(),
	}
}

// LastContact returns the wall-clock time of the most recently processed
// inbound packet of any type, for the inactivity watchdog.
func (r *Router) LastContact() time.Time {
	r.lastContactMu.Lock()
	defer r.lastContactMu.Unlock()
	return r.lastContact
}

// Run drains the transport's inbound channel until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-r.transport.Inbound():
			r.dispatch(in.Msg, in.From)
		}
	}
}

func (r *Router) dispatch(msg *wire.Message, from *net.UDPAddr) {
	r.restamp(msg.Sender, from)

	if msg.Type != wire.TypeAck {
		r.transport.Send(from, msg.UUID, wire.NewAck(msg.MessageID()))
	} else {
		ack := msg.Payload.(*wire.AckPayload)
		r.transport.Ack(ack.MessageID)
	}

	r.lastContactMu.Lock()
	r.lastContact = time.Now()
	r.lastContactMu.Unlock()

	d := Delivery{Msg: *msg, From: from}
	switch msg.Type {
	case wire.TypeDiscovery:
		r.enqueueDropNewest(r.Discovery, d)
	case wire.TypeHeartbeat:
		r.enqueueDropOldest(r.Heartbeat, d)
	case wire.TypeRTT:
		r.enqueueDropNewest(r.RTT, d)
	case wire.TypeApp:
		r.App <- d // must never drop, blocks intentionally
	}
}

// restamp keeps a known peer's advertised address in sync with the UDP
// source tuple it actually sent from, per SPEC_FULL.md §4.D step 2.
func (r *Router) restamp(name string, from *net.UDPAddr) {
	if p, err := r.directory.Get(name); err == nil {
		if p.Addr == nil || p.Addr.String() != from.String() {
			r.directory.UpdateAddr(name, from)
		}
	}
}

func (r *Router) enqueueDropNewest(ch chan Delivery, d Delivery) {
	select {
	case ch <- d:
	default:
		logger.Debug(logger.Fields{"type": string(d.Msg.Type)}, "queue full, dropping newest")
	}
}

func (r *Router) enqueueDropOldest(ch chan Delivery, d Delivery) {
	select {
	case ch <- d:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- d:
	default:
	}
}
