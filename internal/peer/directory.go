package peer

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownPeer is returned by Get for a name the directory has never seen.
var ErrUnknownPeer = errors.New("peer: unknown peer")

// ErrPeerDead is returned by Get for a name the directory knows but
// currently believes unreachable.
var ErrPeerDead = errors.New("peer: peer is dead")

// Directory is the mutex-guarded map of every peer this node has ever
// heard from, plus the distinguished self entry. A single lock serializes
// every mutation and read; see SPEC_FULL.md §4.C.
type Directory struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	selfName string
}

// New builds a Directory with the self peer already present and live, at
// the given local address.
func New(selfName string, selfAddr *net.UDPAddr) *Directory {
	self := newPeer(selfName, selfAddr)
	return &Directory{
		peers:    map[string]*Peer{selfName: self},
		selfName: selfName,
	}
}

// SelfName returns this node's own name.
func (d *Directory) SelfName() string {
	return d.selfName
}

// Add inserts a previously unknown peer, or revives one that is known but
// currently dead, clearing its stale RTT state. A known live peer is
// untouched.
func (d *Directory) Add(name string, addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[name]
	if !ok {
		d.peers[name] = newPeer(name, addr)
		return
	}
	if !p.Live {
		p.Addr = addr
		p.Live = true
		p.LastHeartbeat = time.Now()
		p.LastRTT = 0
		p.RTTSum = 0
		p.NetworkSize = 0
	}
}

// UpdateAddr unconditionally updates a live peer's address, for the
// router's re-stamp step when a known peer's UDP source tuple changes
// (NAT rebind, restart reusing the same name). Unlike Add, this fires even
// when the peer is already live — Add is a no-op in that case.
func (d *Directory) UpdateAddr(name string, addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok && p.Live {
		p.Addr = addr
	}
}

// Exists reports whether name is present and live.
func (d *Directory) Exists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[name]
	return ok && p.Live
}

// Get returns a copy of the named peer's current state. Dead or unknown
// names fail with ErrPeerDead / ErrUnknownPeer respectively.
func (d *Directory) Get(name string) (Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[name]
	if !ok {
		return Peer{}, errors.Wrapf(ErrUnknownPeer, "name %q", name)
	}
	if !p.Live {
		return Peer{}, errors.Wrapf(ErrPeerDead, "name %q", name)
	}
	return *p, nil
}

// Remove marks name dead. The entry is retained, never deleted, so that a
// re-joiner is revived by Add rather than mistaken for a stranger.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok {
		p.Live = false
	}
}

// Size returns the number of live peers, self included.
func (d *Directory) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.peers {
		if p.Live {
			n++
		}
	}
	return n
}

// SnapshotLive returns a copy of every live peer, for callers that need to
// iterate without holding the directory lock.
func (d *Directory) SnapshotLive() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if p.Live {
			out = append(out, *p)
		}
	}
	return out
}

// UpdateHeartbeat stamps name's last-heartbeat time to now, if live.
func (d *Directory) UpdateHeartbeat(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok && p.Live {
		p.LastHeartbeat = time.Now()
	}
}

// SetHeartbeatAt stamps name's last-heartbeat time to an explicit value,
// for failure-detector tests that need to force a peer stale without
// waiting out the real timeout.
func (d *Directory) SetHeartbeatAt(name string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok {
		p.LastHeartbeat = at
	}
}

// StaleSince returns every live peer (other than self) whose last
// heartbeat is older than cutoff, for the failure detector's timeout loop.
func (d *Directory) StaleSince(cutoff time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []string
	for name, p := range d.peers {
		if name == d.selfName || !p.Live {
			continue
		}
		if p.LastHeartbeat.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale
}

// SetElectionResult records name's RTT-sum/network-size: this node's own
// after it completes an election round, or a peer's as reported in its
// stage-2 broadcast.
func (d *Directory) SetElectionResult(name string, rttSum time.Duration, networkSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok {
		p.RTTSum = rttSum
		p.NetworkSize = networkSize
	}
}

// SetMeasuredRTT records this node's one-way measurement of name.
func (d *Directory) SetMeasuredRTT(name string, rtt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[name]; ok {
		p.LastRTT = rtt
	}
}

// Merge folds a gossiped snapshot of the sender's directory into this one.
// Unknown peers are inserted live; known-but-dead peers are revived, with
// their stale RTT state cleared as in Add. A
// known live peer's address is never overwritten — carried forward
// verbatim, per the original ContactDirectory.merge_serialized_directory
// contract.
func (d *Directory) Merge(records []Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		if r.Name == d.selfName {
			continue
		}
		p, ok := d.peers[r.Name]
		if !ok {
			d.peers[r.Name] = newPeer(r.Name, r.Addr)
			continue
		}
		if !p.Live {
			p.Addr = r.Addr
			p.Live = true
			p.LastHeartbeat = time.Now()
			p.LastRTT = 0
			p.RTTSum = 0
			p.NetworkSize = 0
		}
	}
}

// Record is one entry of a gossiped directory snapshot.
type Record struct {
	Name string
	Addr *net.UDPAddr
}

// SerializeLive returns a Record for every live peer, for an outbound
// gossip reply.
func (d *Directory) SerializeLive() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.peers))
	for _, p := range d.peers {
		if p.Live {
			out = append(out, Record{Name: p.Name, Addr: p.Addr})
		}
	}
	return out
}

// CheckHub returns the name of the peer (self included) that minimizes
// RTTSum among live peers whose reported NetworkSize equals the current
// live size. Ties prefer self, then lexicographic name order. If no peer's
// reported size matches, self wins trivially.
func (d *Directory) CheckHub() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := 0
	for _, p := range d.peers {
		if p.Live {
			size++
		}
	}

	best := d.selfName
	bestSum, haveBest := time.Duration(0), false
	if self, ok := d.peers[d.selfName]; ok && self.NetworkSize == size {
		best, bestSum, haveBest = d.selfName, self.RTTSum, true
	}

	for name, p := range d.peers {
		if !p.Live || name == d.selfName || p.NetworkSize != size {
			continue
		}
		switch {
		case !haveBest:
			best, bestSum, haveBest = name, p.RTTSum, true
		case p.RTTSum < bestSum:
			best, bestSum = name, p.RTTSum
		case p.RTTSum == bestSum && best != d.selfName && name < best:
			best = name
		}
	}

	return best
}
