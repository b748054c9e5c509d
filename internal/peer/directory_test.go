package peer

import (
	"net"
	"testing"
	"time"
)

func mustAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return addr
}

func TestNewDirectorySelfIsLive(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	if !d.Exists("alice") {
		t.Fatal("self should be live immediately after New")
	}
	if d.Size() != 1 {
		t.Errorf("Size() = %d, want 1", d.Size())
	}
}

func TestAddThenExists(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	if !d.Exists("bob") {
		t.Error("bob should exist after Add")
	}
	if d.Size() != 2 {
		t.Errorf("Size() = %d, want 2", d.Size())
	}
}

func TestRemoveMarksDeadNotDeleted(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Remove("bob")

	if d.Exists("bob") {
		t.Error("bob should not be live after Remove")
	}
	if _, err := d.Get("bob"); err == nil {
		t.Error("Get(bob) should fail once dead")
	}
	if d.Size() != 1 {
		t.Errorf("Size() = %d after removing bob, want 1 (self only)", d.Size())
	}
}

func TestAddRevivesDeadPeer(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	bobAddr := mustAddr(t, "127.0.0.1:3001")
	d.Add("bob", bobAddr)
	d.Remove("bob")

	newAddr := mustAddr(t, "127.0.0.1:4001")
	d.Add("bob", newAddr)

	if !d.Exists("bob") {
		t.Fatal("bob should be revived and live")
	}
	got, err := d.Get("bob")
	if err != nil {
		t.Fatalf("Get(bob): %v", err)
	}
	if got.Addr.String() != newAddr.String() {
		t.Errorf("revived Addr = %v, want %v", got.Addr, newAddr)
	}
}

func TestGetUnknownPeerFails(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	if _, err := d.Get("ghost"); err == nil {
		t.Error("Get of unknown name should fail")
	}
}

func TestMergeNeverOverwritesLivePeerAddress(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	originalAddr := mustAddr(t, "127.0.0.1:3001")
	d.Add("bob", originalAddr)

	staleAddr := mustAddr(t, "10.0.0.9:9999")
	d.Merge([]Record{{Name: "bob", Addr: staleAddr}})

	got, err := d.Get("bob")
	if err != nil {
		t.Fatalf("Get(bob): %v", err)
	}
	if got.Addr.String() != originalAddr.String() {
		t.Errorf("Merge overwrote a live peer's address: got %v, want %v", got.Addr, originalAddr)
	}
}

func TestMergeInsertsUnknownPeerLive(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	carolAddr := mustAddr(t, "127.0.0.1:3002")
	d.Merge([]Record{{Name: "carol", Addr: carolAddr}})

	if !d.Exists("carol") {
		t.Error("Merge should insert an unknown peer as live")
	}
}

func TestMergeRevivesDeadPeer(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Remove("bob")

	revivedAddr := mustAddr(t, "127.0.0.1:5001")
	d.Merge([]Record{{Name: "bob", Addr: revivedAddr}})

	if !d.Exists("bob") {
		t.Fatal("Merge should revive a dead peer")
	}
	got, _ := d.Get("bob")
	if got.Addr.String() != revivedAddr.String() {
		t.Errorf("revived-by-merge Addr = %v, want %v", got.Addr, revivedAddr)
	}
}

func TestCheckHubSelfWinsWhenNoSizeMatches(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	// bob never reported an election result, so its NetworkSize is 0 and
	// will not match the live size of 2.
	if hub := d.CheckHub(); hub != "alice" {
		t.Errorf("CheckHub() = %q, want alice (self, trivial win)", hub)
	}
}

func TestCheckHubPicksLowestRTTSumAmongMatchingSize(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Add("carol", mustAddr(t, "127.0.0.1:3002"))

	d.SetElectionResult("alice", 300*time.Millisecond, 3)
	d.SetElectionResult("bob", 100*time.Millisecond, 3)
	d.SetElectionResult("carol", 200*time.Millisecond, 3)

	if hub := d.CheckHub(); hub != "bob" {
		t.Errorf("CheckHub() = %q, want bob (lowest rtt-sum)", hub)
	}
}

func TestCheckHubTieBreaksTowardSelfThenName(t *testing.T) {
	d := New("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Add("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("carol", mustAddr(t, "127.0.0.1:3002"))

	d.SetElectionResult("bob", 100*time.Millisecond, 3)
	d.SetElectionResult("alice", 100*time.Millisecond, 3)
	d.SetElectionResult("carol", 100*time.Millisecond, 3)

	if hub := d.CheckHub(); hub != "bob" {
		t.Errorf("CheckHub() = %q, want bob (self preferred on tie)", hub)
	}
}

func TestCheckHubNeverNamesDeadPeer(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.SetElectionResult("bob", 1*time.Millisecond, 2)
	d.Remove("bob")

	if hub := d.CheckHub(); hub == "bob" {
		t.Error("CheckHub() must never name a dead peer")
	}
}

func TestStaleSinceExcludesSelfAndDeadPeers(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Add("carol", mustAddr(t, "127.0.0.1:3002"))
	d.Remove("carol")

	// force bob's heartbeat into the past
	d.mu.Lock()
	d.peers["bob"].LastHeartbeat = time.Now().Add(-1 * time.Hour)
	d.mu.Unlock()

	stale := d.StaleSince(time.Now())
	if len(stale) != 1 || stale[0] != "bob" {
		t.Errorf("StaleSince() = %v, want [bob]", stale)
	}
}

func TestSnapshotLiveOnlyIncludesLivePeers(t *testing.T) {
	d := New("alice", mustAddr(t, "127.0.0.1:3000"))
	d.Add("bob", mustAddr(t, "127.0.0.1:3001"))
	d.Add("carol", mustAddr(t, "127.0.0.1:3002"))
	d.Remove("carol")

	snap := d.SnapshotLive()
	if len(snap) != 2 {
		t.Fatalf("SnapshotLive() has %d entries, want 2", len(snap))
	}
	for _, p := range snap {
		if p.Name == "carol" {
			t.Error("SnapshotLive() should not include dead peer carol")
		}
	}
}
