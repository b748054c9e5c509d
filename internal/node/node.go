// Package node wires the wire/transport/directory/router layers together
// with the discovery, heartbeat, election, and broadcast engines into one
// running overlay member, the Go analogue of the teacher's
// source/server.Server and the original Python StarNode.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ahijaouy/starnet/internal/activitylog"
	"github.com/ahijaouy/starnet/internal/broadcast"
	"github.com/ahijaouy/starnet/internal/discovery"
	"github.com/ahijaouy/starnet/internal/election"
	"github.com/ahijaouy/starnet/internal/heartbeat"
	"github.com/ahijaouy/starnet/internal/metrics"
	"github.com/ahijaouy/starnet/internal/peer"
	"github.com/ahijaouy/starnet/internal/router"
	"github.com/ahijaouy/starnet/internal/transport"
	"github.com/ahijaouy/starnet/pkg/wire"
)

// NoContactTimeout is the inactivity watchdog period of SPEC_FULL.md §6:
// after this long with no inbound packet of any type, the process exits.
const NoContactTimeout = 180 * time.Second

// WatchdogScanInterval is how often the watchdog checks the router's
// last-contact timestamp.
const WatchdogScanInterval = 5 * time.Second

// Config is the set of CLI-supplied parameters for one node, loaded by the
// caller (argument parsing is an external collaborator per SPEC_FULL.md §10).
type Config struct {
	Name      string
	LocalPort int
	PoCHost   string
	PoCPort   int
	MaxNodes  int

	// MetricsAddr, if non-empty, is the address a Prometheus /metrics
	// endpoint is served on. Empty disables metrics entirely.
	MetricsAddr string
}

// Node is one running overlay member.
type Node struct {
	cfg Config

	directory *peer.Directory
	transport *transport.Transport
	router    *router.Router
	discovery *discovery.Engine
	heartbeat *heartbeat.Detector
	election  *election.Engine
	broadcast *broadcast.Engine
	activity  *activitylog.Log
	collector *metrics.DirectoryCollector

	uuidCounter atomic.Uint64

	cancel context.CancelFunc
}

// New builds a Node bound to cfg.LocalPort but does not yet start any
// goroutine; call Start for that.
func New(cfg Config) (*Node, error) {
	t, err := transport.New(cfg.Name, cfg.LocalPort)
	if err != nil {
		return nil, errors.Wrap(err, "node: bind transport")
	}

	dir := peer.New(cfg.Name, t.LocalAddr())
	r := router.New(t, dir)

	activity, err := activitylog.Open(cfg.Name)
	if err != nil {
		t.Close()
		return nil, errors.Wrap(err, "node: open activity log")
	}

	n := &Node{cfg: cfg, directory: dir, transport: t, router: r, activity: activity}

	var poc *net.UDPAddr
	if cfg.PoCHost != "" && cfg.PoCPort != 0 {
		ips, err := net.LookupIP(cfg.PoCHost)
		if err != nil || len(ips) == 0 {
			activity.Close()
			t.Close()
			return nil, errors.Wrapf(err, "node: resolve poc host %q", cfg.PoCHost)
		}
		poc = &net.UDPAddr{IP: ips[0], Port: cfg.PoCPort}
	}

	n.discovery = discovery.New(dir, t, r, poc, n.nextUUID)
	n.heartbeat = heartbeat.New(dir, t, r, n.nextUUID)
	n.election = election.New(dir, t, r, n.nextUUID)
	seenCap := 4 * cfg.MaxNodes
	n.broadcast = broadcast.New(dir, t, r, n.nextUUID, n.election.Hub, seenCap)

	n.discovery.OnMembershipChange(n.election.ScheduleSoon)
	n.heartbeat.OnEviction(func(string) { n.election.ScheduleSoon() })

	n.broadcast.OnText(n.deliverText)
	n.broadcast.OnFile(n.deliverFile)

	if cfg.MetricsAddr != "" {
		n.collector = metrics.NewDirectoryCollector(dir, n.election.Hub)
		n.election.OnRoundComplete(n.collector.IncElectionRounds)
	}

	return n, nil
}

func (n *Node) nextUUID() uint32 {
	return uint32(n.uuidCounter.Add(1) % wire.UUIDModulus)
}

// Start launches every background goroutine (transport, router, the four
// protocol engines, and the watchdog) tied to a context this Node owns.
// The returned context is cancelled by Stop/Disconnect.
func (n *Node) Start() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.transport.Start(ctx)
	go n.router.Run(ctx)
	n.discovery.Run(ctx)
	n.heartbeat.Run(ctx)
	n.election.Run(ctx)
	n.broadcast.Run(ctx)
	go n.watchdogLoop(ctx)

	if n.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(n.cfg.MetricsAddr, n.collector); err != nil {
				n.activity.Write("Metrics", fmt.Sprintf("metrics server stopped: %v", err))
			}
		}()
	}

	n.activity.Write("Node", fmt.Sprintf("started as %q on port %d", n.cfg.Name, n.transport.LocalAddr().Port))
	return ctx
}

func (n *Node) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(WatchdogScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(n.router.LastContact()) > NoContactTimeout {
				n.activity.Write("Watchdog", "no inbound contact within timeout, exiting")
				fmt.Fprintf(os.Stderr, "starnet: no contact for %s, exiting\n", NoContactTimeout)
				os.Exit(1)
			}
		}
	}
}

func (n *Node) deliverText(sender, text string) {
	n.activity.Write("Broadcast", fmt.Sprintf("text from %s: %s", sender, text))
	fmt.Printf("\n[%s]: %s\n", sender, text)
}

func (n *Node) deliverFile(sender, filename string, data []byte) {
	outName := fmt.Sprintf("%s-%s", n.cfg.Name, filename)
	if err := os.WriteFile(outName, data, 0644); err != nil {
		n.activity.Write("Broadcast", fmt.Sprintf("failed to write file from %s: %v", sender, err))
		fmt.Fprintf(os.Stderr, "starnet: failed to write %s: %v\n", outName, err)
		return
	}
	n.activity.Write("Broadcast", fmt.Sprintf("wrote file %s from %s (%d bytes)", outName, sender, len(data)))
	fmt.Printf("\nreceived file %q from %s -> %s\n", filename, sender, outName)
}

// SendText broadcasts text to the overlay.
func (n *Node) SendText(text string) error {
	n.activity.Write("Send", fmt.Sprintf("text broadcast: %s", text))
	return n.broadcast.SendText(text)
}

// SendFile broadcasts data, which the caller has read from path, under
// basename. path itself is not used here.
func (n *Node) SendFile(path, basename string, data []byte) error {
	n.activity.Write("Send", fmt.Sprintf("file broadcast: %s (%d bytes)", basename, len(data)))
	return n.broadcast.SendFile(basename, data)
}

// Status is the data backing the `show-status` CLI command.
type Status struct {
	Hub         string
	SelfRTTSum  time.Duration
	ShortestRTT time.Duration
	Peers       []PeerStatus
}

// PeerStatus is one row of `show-status`.
type PeerStatus struct {
	Name string
	RTT  time.Duration
}

// Status reports current directory/election knowledge for the CLI.
func (n *Node) Status() Status {
	live := n.directory.SnapshotLive()
	self := n.directory.SelfName()

	st := Status{Hub: n.election.Hub()}
	var shortest time.Duration
	haveShortest := false
	for _, p := range live {
		if p.Name == self {
			st.SelfRTTSum = p.RTTSum
			continue
		}
		st.Peers = append(st.Peers, PeerStatus{Name: p.Name, RTT: p.LastRTT})
		if !haveShortest || p.LastRTT < shortest {
			shortest, haveShortest = p.LastRTT, true
		}
	}
	st.ShortestRTT = shortest
	return st
}

// ActivityLog returns the most recent activity-log lines, for `show-log`.
func (n *Node) ActivityLog() []string {
	return n.activity.Recent()
}

// Disconnect announces graceful departure to every live peer, then stops
// all background activity. The caller is responsible for exiting the
// process with status 0 afterward, per SPEC_FULL.md §6.
func (n *Node) Disconnect() {
	self := n.directory.SelfName()
	for _, p := range n.directory.SnapshotLive() {
		if p.Name == self {
			continue
		}
		n.transport.Send(p.Addr, n.nextUUID(), wire.NewDiscoveryDisconnect())
	}
	n.activity.Write("Node", "disconnecting gracefully")
	n.Stop()
}

// Stop cancels every background goroutine and releases the socket/log.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.transport.Close()
	n.activity.Close()
}

// FormatStatus renders a Status as the plain-text table `show-status`
// prints to the interactive shell.
func FormatStatus(st Status) string {
	out := fmt.Sprintf("hub: %s   self rtt-sum: %s   shortest rtt: %s\n", st.Hub, st.SelfRTTSum, st.ShortestRTT)
	out += fmt.Sprintf("%-16s  %s\n", "peer", "rtt")
	for _, p := range st.Peers {
		out += fmt.Sprintf("%-16s  %s\n", p.Name, p.RTT)
	}
	return out
}

// ParsePort is a tiny helper shared by the CLI's positional-argument
// parsing, kept here so cmd/starnode stays a thin wrapper.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	return port, nil
}
