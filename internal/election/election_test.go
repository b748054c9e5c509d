package election

import (
	"context"
	"testing"
	"time"

	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/router"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/wire"
)

func newNode(t *testing.T, name string) (*peer.Directory, *transport.Transport, *router.Router) {
	t.Helper()
	tr, err := transport.New(name, 0)
	if err != nil {
		t.Fatalf("transport.New(%s): %v", name, err)
	}
	dir := peer.New(name, tr.LocalAddr())
	r := router.New(tr, dir)
	return dir, tr, r
}

func uuidGen() func() uint32 {
	var n uint32
	return func() uint32 { n++; return n }
}

func TestRTTProbeIsReplied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aDir, aTr, aRouter := newNode(t, "alice")
	defer aTr.Close()
	bDir, bTr, bRouter := newNode(t, "bob")
	defer bTr.Close()

	aTr.Start(ctx)
	bTr.Start(ctx)
	go aRouter.Run(ctx)
	go bRouter.Run(ctx)

	bEngine := New(bDir, bTr, bRouter, uuidGen())
	bEngine.Run(ctx)

	_ = aDir
	aTr.Send(bTr.LocalAddr(), 1, wire.NewRTTProbe(1.0))

	select {
	case d := <-aRouter.RTT:
		rtt, ok := d.Msg.Payload.(*wire.RTTPayload)
		if !ok {
			t.Fatalf("payload type = %T, want *wire.RTTPayload", d.Msg.Payload)
		}
		if rtt.Stage != wire.RTTStageReply {
			t.Errorf("stage = %q, want reply", rtt.Stage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rtt reply")
	}
}

func TestRoundAloneElectsSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aDir, aTr, aRouter := newNode(t, "alice")
	defer aTr.Close()
	aTr.Start(ctx)
	go aRouter.Run(ctx)

	e := New(aDir, aTr, aRouter, uuidGen())
	roundDone := make(chan struct{}, 1)
	e.OnRoundComplete(func() { roundDone <- struct{}{} })
	e.Run(ctx)
	e.ScheduleSoon()

	select {
	case <-roundDone:
	case <-time.After(5 * time.Second):
		t.Fatal("round never completed")
	}

	if e.Hub() != "alice" {
		t.Errorf("Hub() = %q, want alice", e.Hub())
	}
}

func TestRoundWithPeerComputesSumAndElectsHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aDir, aTr, aRouter := newNode(t, "alice")
	defer aTr.Close()
	bDir, bTr, bRouter := newNode(t, "bob")
	defer bTr.Close()

	aTr.Start(ctx)
	bTr.Start(ctx)
	go aRouter.Run(ctx)
	go bRouter.Run(ctx)

	aDir.Add("bob", bTr.LocalAddr())
	bDir.Add("alice", aTr.LocalAddr())

	aEngine := New(aDir, aTr, aRouter, uuidGen())
	bEngine := New(bDir, bTr, bRouter, uuidGen())

	roundDone := make(chan struct{}, 1)
	aEngine.OnRoundComplete(func() { roundDone <- struct{}{} })

	bEngine.Run(ctx)
	aEngine.Run(ctx)
	aEngine.ScheduleSoon()

	select {
	case <-roundDone:
	case <-time.After(8 * time.Second):
		t.Fatal("alice's round never completed")
	}

	self, err := aDir.Get("alice")
	if err != nil {
		t.Fatalf("Get(alice): %v", err)
	}
	if self.NetworkSize != 2 {
		t.Errorf("alice NetworkSize = %d, want 2", self.NetworkSize)
	}
	if self.RTTSum <= 0 {
		t.Error("alice RTTSum should be positive after measuring bob")
	}

	bob, err := aDir.Get("bob")
	if err != nil {
		t.Fatalf("Get(bob): %v", err)
	}
	if bob.LastRTT <= 0 {
		t.Error("alice's measured LastRTT for bob should be positive")
	}

	if hub := aEngine.Hub(); hub != "alice" && hub != "bob" {
		t.Errorf("Hub() = %q, want alice or bob", hub)
	}
}

func TestStageBroadcastUpdatesPeerAndHub(t *testing.T) {
	aDir, aTr, aRouter := newNode(t, "alice")
	defer aTr.Close()

	aDir.Add("bob", aTr.LocalAddr())
	// Self has a 5s rtt-sum at network size 2, so a peer reporting a
	// strictly smaller sum at the same network size takes over the hub role
	// once recorded (an equal sum would leave self as hub).
	aDir.SetElectionResult("alice", 5*time.Second, 2)

	e := New(aDir, aTr, aRouter, uuidGen())

	e.handle(router.Delivery{
		Msg: wire.Message{
			Header:  wire.Header{Type: wire.TypeRTT, Sender: "bob", UUID: 1},
			Payload: wire.NewRTTBroadcast(2, 1.0),
		},
	})

	bob, err := aDir.Get("bob")
	if err != nil {
		t.Fatalf("Get(bob): %v", err)
	}
	if bob.NetworkSize != 2 {
		t.Errorf("bob NetworkSize = %d, want 2", bob.NetworkSize)
	}
	if bob.RTTSum != time.Second {
		t.Errorf("bob RTTSum = %s, want 1s", bob.RTTSum)
	}
	if e.Hub() != "bob" {
		t.Errorf("Hub() = %q, want bob (lower rtt-sum at matching network size)", e.Hub())
	}
}

func TestRoundRetriesOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aDir, aTr, aRouter := newNode(t, "alice")
	defer aTr.Close()
	aTr.Start(ctx)
	go aRouter.Run(ctx)

	// ghost is registered but nothing listens on its address, so the probe
	// goes unanswered and the round must be abandoned and retried rather
	// than hang or panic.
	deadTr, err := transport.New("ghost", 0)
	if err != nil {
		t.Fatalf("transport.New(ghost): %v", err)
	}
	ghostAddr := deadTr.LocalAddr()
	deadTr.Close()
	aDir.Add("ghost", ghostAddr)

	e := New(aDir, aTr, aRouter, uuidGen())
	completed := make(chan struct{}, 1)
	e.OnRoundComplete(func() { completed <- struct{}{} })
	e.Run(ctx)
	e.ScheduleSoon()
	e.countdownMu.Lock()
	firstRound := e.countdown
	e.countdownMu.Unlock()

	// The unanswered round is abandoned after RoundTimeout and the countdown
	// is re-armed RetryDelay out (a completed round would re-arm RearmDelay out).
	deadline := time.Now().Add(DebounceDelay + RoundTimeout + RetryDelay + 3*time.Second)
	for time.Now().Before(deadline) {
		e.countdownMu.Lock()
		next := e.countdown
		e.countdownMu.Unlock()
		if next.After(firstRound) && time.Until(next) <= RetryDelay {
			select {
			case <-completed:
				t.Fatal("a round with an unanswered probe should not complete")
			default:
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("election round was not abandoned and rescheduled after an unanswered probe")
}
