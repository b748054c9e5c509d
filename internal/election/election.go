// Package election implements the RTT-sum measurement and hub-election
// protocol of SPEC_FULL.md §4.G: a scheduled round that probes every live
// peer's RTT, broadcasts the sum, and re-runs Directory.CheckHub whenever
// new information arrives.
package election

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/router"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/logger"
	"github.com/ahijaouy/starnet/pkg/wire"
)

const (
	// DebounceDelay is how soon after a membership-changing event a round runs.
	DebounceDelay = 3 * time.Second
	// RearmDelay is how far out the countdown is pushed after a round
	// completes, for opportunistic re-measurement at steady state.
	RearmDelay = 60 * time.Second
	// RetryDelay is how soon a round is retried after it times out with
	// missing responses.
	RetryDelay = 1 * time.Second
	// RoundTimeout bounds how long a round waits for every probed peer to
	// reply before it is abandoned.
	RoundTimeout = 6 * time.Second
	// pollInterval is how often the scheduler checks the countdown.
	pollInterval = 200 * time.Millisecond
)

type rttResponse struct {
	peer string
	at   time.Time
}

// Engine owns the election scheduler, the round protocol, and the
// RTT-queue consumer.
type Engine struct {
	directory *peer.Directory
	transport *transport.Transport
	router    *router.Router
	nextUUID  func() uint32

	countdownMu sync.Mutex
	countdown   time.Time

	hubMu sync.Mutex
	hub   string

	responses chan rttResponse

	// onRoundComplete, if set, is called once per completed (non-abandoned)
	// round, e.g. to drive the metrics election-round counter.
	onRoundComplete func()
}

// New builds an Engine. The first round is scheduled DebounceDelay from now.
func New(dir *peer.Directory, t *transport.Transport, r *router.Router, nextUUID func() uint32) *Engine {
	e := &Engine{
		directory: dir,
		transport: t,
		router:    r,
		nextUUID:  nextUUID,
		hub:       dir.SelfName(),
		responses: make(chan rttResponse, 256),
	}
	e.countdown = time.Now().Add(DebounceDelay)
	return e
}

// ScheduleSoon sets the election countdown to fire DebounceDelay from now.
// Called whenever membership changes (new peer merged, peer evicted,
// graceful disconnect).
func (e *Engine) ScheduleSoon() {
	e.countdownMu.Lock()
	e.countdown = time.Now().Add(DebounceDelay)
	e.countdownMu.Unlock()
}

func (e *Engine) scheduleIn(d time.Duration) {
	e.countdownMu.Lock()
	e.countdown = time.Now().Add(d)
	e.countdownMu.Unlock()
}

func (e *Engine) countdownElapsed() bool {
	e.countdownMu.Lock()
	defer e.countdownMu.Unlock()
	return !time.Now().Before(e.countdown)
}

// OnRoundComplete registers a callback invoked once per completed round.
func (e *Engine) OnRoundComplete(fn func()) {
	e.onRoundComplete = fn
}

// Hub returns the name of the peer this node currently believes is the hub.
func (e *Engine) Hub() string {
	e.hubMu.Lock()
	defer e.hubMu.Unlock()
	return e.hub
}

func (e *Engine) setHub(name string) {
	e.hubMu.Lock()
	e.hub = name
	e.hubMu.Unlock()
}

// Run starts the scheduler loop and the RTT-queue consumer, both tied to ctx.
func (e *Engine) Run(ctx context.Context) {
	go e.schedulerLoop(ctx)
	go e.consumeLoop(ctx)
}

func (e *Engine) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.countdownElapsed() {
				e.runRound(ctx)
			}
		}
	}
}

// runRound executes one probe/collect/broadcast/elect cycle per
// SPEC_FULL.md §4.G.
func (e *Engine) runRound(ctx context.Context) {
	live := e.directory.SnapshotLive()
	self := e.directory.SelfName()

	var peers []string
	for _, p := range live {
		if p.Name != self {
			peers = append(peers, p.Name)
		}
	}

	if len(peers) == 0 {
		// Alone in the network: trivially the hub.
		e.directory.SetElectionResult(self, 0, 1)
		e.setHub(e.directory.CheckHub())
		e.scheduleIn(RearmDelay)
		if e.onRoundComplete != nil {
			e.onRoundComplete()
		}
		return
	}

	sendTime := make(map[string]time.Time, len(peers))
	for _, name := range peers {
		p, err := e.directory.Get(name)
		if err != nil {
			continue
		}
		now := time.Now()
		sendTime[name] = now
		e.transport.Send(p.Addr, e.nextUUID(), wire.NewRTTProbe(float64(now.UnixNano())/1e9))
	}

	rtt := make(map[string]time.Duration, len(peers))
	deadline := time.NewTimer(RoundTimeout)
	defer deadline.Stop()

collect:
	for len(rtt) < len(sendTime) {
		select {
		case <-ctx.Done():
			return
		case resp := <-e.responses:
			sent, ok := sendTime[resp.peer]
			if !ok {
				continue
			}
			if _, already := rtt[resp.peer]; already {
				continue
			}
			rtt[resp.peer] = resp.at.Sub(sent)
		case <-deadline.C:
			break collect
		}
	}

	if len(rtt) < len(sendTime) {
		logger.Debug(logger.Fields{"responded": len(rtt), "expected": len(sendTime)}, "election round timed out, retrying")
		e.scheduleIn(RetryDelay)
		return
	}

	var sum time.Duration
	for name, d := range rtt {
		sum += d
		e.directory.SetMeasuredRTT(name, d)
	}
	networkSize := len(peers) + 1
	e.directory.SetElectionResult(self, sum, networkSize)

	for _, name := range peers {
		p, err := e.directory.Get(name)
		if err != nil {
			continue
		}
		e.transport.Send(p.Addr, e.nextUUID(), wire.NewRTTBroadcast(networkSize, sum.Seconds()))
	}

	e.setHub(e.directory.CheckHub())
	e.scheduleIn(RearmDelay)
	if e.onRoundComplete != nil {
		e.onRoundComplete()
	}
}

func (e *Engine) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.router.RTT:
			e.handle(d)
		}
	}
}

func (e *Engine) handle(d router.Delivery) {
	msg := d.Msg
	rtt, ok := msg.Payload.(*wire.RTTPayload)
	if !ok {
		logger.Warn(logger.Fields{"from": msg.Sender}, "election: unexpected payload type")
		return
	}

	switch rtt.Stage {
	case wire.RTTStageProbe:
		e.transport.Send(d.From, e.nextUUID(), wire.NewRTTReply(rtt.SendTime))
	case wire.RTTStageReply:
		select {
		case e.responses <- rttResponse{peer: msg.Sender, at: time.Now()}:
		default:
			logger.Debug(logger.Fields{"peer": msg.Sender}, "election: response queue full, dropping")
		}
	case wire.RTTStageBroadcast:
		sum := time.Duration(rtt.RTTSum * float64(time.Second))
		e.directory.SetElectionResult(msg.Sender, sum, rtt.NetworkSize)
		e.setHub(e.directory.CheckHub())
		logger.Debug(logger.Fields{
			"peer":         msg.Sender,
			"network_size": strconv.Itoa(rtt.NetworkSize),
			"hub":          e.Hub(),
		}, "election: recorded peer rtt-sum broadcast")
	}
}
