// Package peer holds the directory of known overlay members: their
// addresses, liveness, and RTT measurements. It is the structure every other
// subsystem reads and mutates to learn who is alive and who currently holds
// the hub role.
package peer

import (
	"net"
	"time"
)

// Peer is one overlay member as seen by this node. Live is whether the
// directory currently believes the peer is reachable; a dead Peer stays in
// the directory (see Directory.Remove) so a re-joiner with the same name is
// revived instead of treated as brand-new.
type Peer struct {
	Name string
	Addr *net.UDPAddr

	Live          bool
	LastHeartbeat time.Time

	// LastRTT is this node's own one-way measurement of the peer, updated
	// during an election round this node runs.
	LastRTT time.Duration

	// RTTSum and NetworkSize are the peer's self-reported election-round
	// results, broadcast at stage=2 of the RTT round (SPEC_FULL.md §4.G).
	// They are compared against this node's own sum in check_hub.
	RTTSum      time.Duration
	NetworkSize int
}

func newPeer(name string, addr *net.UDPAddr) *Peer {
	return &Peer{
		Name:          name,
		Addr:          addr,
		Live:          true,
		LastHeartbeat: time.Now(),
	}
}
