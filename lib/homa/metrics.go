package homa

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/homa/lib/wire"
	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// Process-wide counters (exposed in Prometheus format by `homa serve`)
// --------------------------------------------------------------------------

var (
	metricGrants        = vm.GetOrCreateCounter(`homa_grants_sent_total`)
	metricResends       = vm.GetOrCreateCounter(`homa_resends_sent_total`)
	metricTimeouts      = vm.GetOrCreateCounter(`homa_rpc_timeouts_total`)
	metricRPCsReaped    = vm.GetOrCreateCounter(`homa_rpcs_reaped_total`)
	metricViolations    = vm.GetOrCreateCounter(`homa_protocol_violations_total`)
	metricDataDropped   = vm.GetOrCreateCounter(`homa_data_dropped_no_buffers_total`)
	metricBytesSent     = vm.GetOrCreateCounter(`homa_data_bytes_sent_total`)
	metricBytesReceived = vm.GetOrCreateCounter(`homa_data_bytes_received_total`)

	metricPacketsSent     = make(map[wire.Type]*vm.Counter)
	metricPacketsReceived = make(map[wire.Type]*vm.Counter)
)

func init() {
	for _, t := range wire.Types {
		metricPacketsSent[t] = vm.GetOrCreateCounter(fmt.Sprintf(`homa_packets_sent_total{type=%q}`, t))
		metricPacketsReceived[t] = vm.GetOrCreateCounter(fmt.Sprintf(`homa_packets_received_total{type=%q}`, t))
	}
}

func countSent(t wire.Type) {
	if c, ok := metricPacketsSent[t]; ok {
		c.Inc()
	}
}

func countReceived(t wire.Type) {
	if c, ok := metricPacketsReceived[t]; ok {
		c.Inc()
	}
}

// --------------------------------------------------------------------------
// Per-socket statistics
// --------------------------------------------------------------------------

// socketStats keeps the sampled statistics of one socket in its own registry
type socketStats struct {
	registry    gometrics.Registry
	pacerBytes  gometrics.Meter
	messageSize gometrics.Histogram
	latency     gometrics.Histogram // microseconds
	timeouts    gometrics.Counter
}

func newSocketStats() *socketStats {
	reg := gometrics.NewRegistry()
	return &socketStats{
		registry:    reg,
		pacerBytes:  gometrics.GetOrRegisterMeter("pacer.bytes", reg),
		messageSize: gometrics.GetOrRegisterHistogram("message.size", reg, gometrics.NewExpDecaySample(1028, 0.015)),
		latency:     gometrics.GetOrRegisterHistogram("rpc.latency", reg, gometrics.NewExpDecaySample(1028, 0.015)),
		timeouts:    gometrics.GetOrRegisterCounter("rpc.timeouts", reg),
	}
}

func (st *socketStats) close() {
	st.pacerBytes.Stop()
	st.registry.UnregisterAll()
}

// Stats is a snapshot of a socket's state
type Stats struct {
	Tick          uint64
	LiveRPCs      int
	DeadRPCs      int
	DeadCost      int
	Peers         int
	FreePages     int
	WaitingRPCs   int // incoming messages waiting for buffer pages
	ReadyMessages int // complete messages not yet taken by Receive
	PacerQueue    int
	ActiveGrants  int
	GrantWaiting  int
	TotalIncoming int
	Timeouts      int64

	PacerBytesPerSec float64
	MessagesReceived int64
	MessageSizeMean  float64
	LatencyP50       time.Duration
	LatencyP99       time.Duration
	LatencyMax       time.Duration
}

// Stats returns a snapshot of the socket's state and sampled statistics
func (s *Socket) Stats() Stats {
	dead, cost := s.registry.deadStats()
	active, waiting, incoming := s.grants.counts()
	lat := s.stats.latency.Snapshot()
	ps := lat.Percentiles([]float64{0.5, 0.99})
	size := s.stats.messageSize.Snapshot()
	return Stats{
		Tick:             s.clock.Now(),
		LiveRPCs:         s.registry.len(),
		DeadRPCs:         dead,
		DeadCost:         cost,
		Peers:            s.peers.Len(),
		FreePages:        s.pool.FreePages(),
		WaitingRPCs:      s.waitingLen(),
		ReadyMessages:    s.ready.Len(),
		PacerQueue:       s.pacer.len(),
		ActiveGrants:     active,
		GrantWaiting:     waiting,
		TotalIncoming:    incoming,
		Timeouts:         s.stats.timeouts.Count(),
		PacerBytesPerSec: s.stats.pacerBytes.Rate1(),
		MessagesReceived: size.Count(),
		MessageSizeMean:  size.Mean(),
		LatencyP50:       time.Duration(ps[0]) * time.Microsecond,
		LatencyP99:       time.Duration(ps[1]) * time.Microsecond,
		LatencyMax:       time.Duration(lat.Max()) * time.Microsecond,
	}
}

// String formats the snapshot for log lines
func (st Stats) String() string {
	return fmt.Sprintf("tick %d: %d live / %d dead rpcs, %d peers, %d free pages, %d active grants, pacer %d, latency p50 %s p99 %s",
		st.Tick, st.LiveRPCs, st.DeadRPCs, st.Peers, st.FreePages, st.ActiveGrants, st.PacerQueue, st.LatencyP50, st.LatencyP99)
}
