// Package metrics exports overlay state through a Prometheus collector,
// grounded on the Describe/Collect shape of go-tcpinfo's
// pkg/exporter.TCPInfoCollector (both the sockstats and conniver forks in
// the retrieval pack). It is wired optionally, behind the optional sixth
// positional CLI argument (metrics_addr, SPEC_FULL.md §11), so it never
// interferes with the UDP-only core.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahijaouy/starnet/internal/peer"
)

// DirectoryCollector exports directory size, per-peer RTT, this node's own
// RTT-sum, and a monotonic election-round counter.
type DirectoryCollector struct {
	directory *peer.Directory
	hub       func() string

	directorySize *prometheus.Desc
	peerRTT       *prometheus.Desc
	selfRTTSum    *prometheus.Desc
	electionCount *prometheus.Desc
	isHub         *prometheus.Desc

	electionRounds atomic.Uint64
}

// NewDirectoryCollector builds a collector reading from dir, with hub
// reporting the caller's current hub-election view (election.Engine.Hub).
func NewDirectoryCollector(dir *peer.Directory, hub func() string) *DirectoryCollector {
	return &DirectoryCollector{
		directory: dir,
		hub:       hub,
		directorySize: prometheus.NewDesc(
			"starnet_directory_size", "Number of live peers known to this node, self included.", nil, nil),
		peerRTT: prometheus.NewDesc(
			"starnet_peer_rtt_seconds", "Last measured one-way RTT to a peer.", []string{"peer"}, nil),
		selfRTTSum: prometheus.NewDesc(
			"starnet_self_rtt_sum_seconds", "This node's own RTT-sum as of its last completed election round.", nil, nil),
		electionCount: prometheus.NewDesc(
			"starnet_election_rounds_total", "Number of election rounds this node has completed.", nil, nil),
		isHub: prometheus.NewDesc(
			"starnet_is_hub", "1 if this node currently believes it is the hub, else 0.", nil, nil),
	}
}

// IncElectionRounds is called by the election engine once per completed
// round.
func (c *DirectoryCollector) IncElectionRounds() {
	c.electionRounds.Add(1)
}

// Describe implements prometheus.Collector.
func (c *DirectoryCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.directorySize
	descs <- c.peerRTT
	descs <- c.selfRTTSum
	descs <- c.electionCount
	descs <- c.isHub
}

// Collect implements prometheus.Collector.
func (c *DirectoryCollector) Collect(metrics chan<- prometheus.Metric) {
	live := c.directory.SnapshotLive()
	metrics <- prometheus.MustNewConstMetric(c.directorySize, prometheus.GaugeValue, float64(len(live)))

	self := c.directory.SelfName()
	var selfSum float64
	for _, p := range live {
		if p.Name == self {
			selfSum = p.RTTSum.Seconds()
			continue
		}
		metrics <- prometheus.MustNewConstMetric(c.peerRTT, prometheus.GaugeValue, p.LastRTT.Seconds(), p.Name)
	}
	metrics <- prometheus.MustNewConstMetric(c.selfRTTSum, prometheus.GaugeValue, selfSum)

	var isHub float64
	if c.hub() == self {
		isHub = 1
	}
	metrics <- prometheus.MustNewConstMetric(c.isHub, prometheus.GaugeValue, isHub)
	metrics <- prometheus.MustNewConstMetric(c.electionCount, prometheus.CounterValue, float64(c.electionRounds.Load()))
}

// Serve registers collector on a fresh registry and serves /metrics on addr
// until the process exits. Intended to be launched in its own goroutine; a
// bind failure is logged by the caller via the returned error.
func Serve(addr string, collector *DirectoryCollector) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
