package node

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// newTestNode starts a node on an OS-assigned port and registers its
// on-disk artifacts (activity log, received files) for cleanup.
func newTestNode(t *testing.T, name, pocHost string, pocPort int) *Node {
	t.Helper()
	n, err := New(Config{Name: name, LocalPort: 0, PoCHost: pocHost, PoCPort: pocPort, MaxNodes: 8})
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	n.Start()
	t.Cleanup(func() {
		n.Stop()
		os.Remove(fmt.Sprintf("%s-log.log", name))
	})
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestBootstrapTwoNodesConverge covers the first-join scenario: a node
// started with no point-of-contact, and a second node pointed at it,
// should each end up with the other in their directory.
func TestBootstrapTwoNodesConverge(t *testing.T) {
	a := newTestNode(t, "node-a", "", 0)
	b := newTestNode(t, "node-b", "127.0.0.1", a.transport.LocalAddr().Port)

	waitFor(t, 5*time.Second, func() bool {
		return a.directory.Size() == 2 && b.directory.Size() == 2
	})
}

// TestThreeNodeElectionConverges covers a three-member overlay eventually
// agreeing on a single hub.
func TestThreeNodeElectionConverges(t *testing.T) {
	a := newTestNode(t, "alpha", "", 0)
	pocPort := a.transport.LocalAddr().Port
	b := newTestNode(t, "bravo", "127.0.0.1", pocPort)
	c := newTestNode(t, "charlie", "127.0.0.1", pocPort)

	waitFor(t, 6*time.Second, func() bool {
		return a.directory.Size() == 3 && b.directory.Size() == 3 && c.directory.Size() == 3
	})

	waitFor(t, 10*time.Second, func() bool {
		ha, hb, hc := a.election.Hub(), b.election.Hub(), c.election.Hub()
		return ha != "" && ha == hb && hb == hc
	})
}

// TestEvictionTriggersReElection covers the failure-detector path: killing
// a peer's transport should, after the heartbeat timeout, evict it from the
// survivors' directories and re-run the election among the remainder.
func TestEvictionTriggersReElection(t *testing.T) {
	a := newTestNode(t, "alice2", "", 0)
	pocPort := a.transport.LocalAddr().Port
	b := newTestNode(t, "bob2", "127.0.0.1", pocPort)

	waitFor(t, 5*time.Second, func() bool {
		return a.directory.Size() == 2 && b.directory.Size() == 2
	})

	// Simulate bob vanishing without a graceful disconnect: stop its
	// transport so it can no longer answer heartbeat pings, then wait out
	// the failure-detector timeout window on alice's side.
	b.transport.Close()

	waitFor(t, heartbeatEvictionWindow(), func() bool {
		return !a.directory.Exists("bob2")
	})

	// The eviction schedules a re-election round a few seconds out; until it
	// runs, alice keeps whatever hub she had elected with bob.
	reElectDeadline := time.Now().Add(5 * time.Second)
	for a.election.Hub() != "alice2" && time.Now().Before(reElectDeadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if hub := a.election.Hub(); hub != "alice2" {
		t.Errorf("alice's hub after bob's eviction = %q, want alice2 (alone)", hub)
	}
}

// heartbeatEvictionWindow gives the real heartbeat timeout plus generous
// scheduling slack, without importing the heartbeat package just for its
// constant.
func heartbeatEvictionWindow() time.Duration {
	return 12 * time.Second
}

// TestTextBroadcastDeliversToAllPeers covers end-to-end text delivery
// through SendText, independent of who ends up elected hub.
func TestTextBroadcastDeliversToAllPeers(t *testing.T) {
	a := newTestNode(t, "tx-a", "", 0)
	pocPort := a.transport.LocalAddr().Port
	b := newTestNode(t, "tx-b", "127.0.0.1", pocPort)

	waitFor(t, 5*time.Second, func() bool {
		return a.directory.Size() == 2 && b.directory.Size() == 2
	})
	waitFor(t, 10*time.Second, func() bool {
		return a.election.Hub() != "" && b.election.Hub() != ""
	})

	received := make(chan string, 1)
	b.broadcast.OnText(func(sender, text string) { received <- text })

	if err := a.SendText("hello from a"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case text := <-received:
		if text != "hello from a" {
			t.Errorf("text = %q, want %q", text, "hello from a")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received alice's text broadcast")
	}
}

// TestFileBroadcastWritesReceivedFile covers SendFile end-to-end, including
// the receiving node's on-disk write via deliverFile.
func TestFileBroadcastWritesReceivedFile(t *testing.T) {
	a := newTestNode(t, "fx-a", "", 0)
	pocPort := a.transport.LocalAddr().Port
	b := newTestNode(t, "fx-b", "127.0.0.1", pocPort)

	waitFor(t, 5*time.Second, func() bool {
		return a.directory.Size() == 2 && b.directory.Size() == 2
	})
	waitFor(t, 10*time.Second, func() bool {
		return a.election.Hub() != "" && b.election.Hub() != ""
	})

	outPath := "fx-b-payload.txt"
	t.Cleanup(func() { os.Remove(outPath) })

	if err := a.SendFile("payload.txt", "payload.txt", []byte("file contents")); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		_, err := os.Stat(outPath)
		return err == nil
	})

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", outPath, err)
	}
	if string(data) != "file contents" {
		t.Errorf("received file contents = %q, want %q", data, "file contents")
	}
}

// TestDisconnectRemovesNodeFromPeer covers graceful departure: Disconnect
// should notify the peer before tearing down, and the peer should mark the
// departing node dead.
func TestDisconnectRemovesNodeFromPeer(t *testing.T) {
	a := newTestNode(t, "dc-a", "", 0)
	pocPort := a.transport.LocalAddr().Port
	b, err := New(Config{Name: "dc-b", LocalPort: 0, PoCHost: "127.0.0.1", PoCPort: pocPort, MaxNodes: 8})
	if err != nil {
		t.Fatalf("New(dc-b): %v", err)
	}
	b.Start()
	defer os.Remove("dc-b-log.log")

	waitFor(t, 5*time.Second, func() bool {
		return a.directory.Size() == 2 && b.directory.Size() == 2
	})

	b.Disconnect()

	waitFor(t, 3*time.Second, func() bool {
		return !a.directory.Exists("dc-b")
	})
}
