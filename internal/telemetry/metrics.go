package telemetry

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame processing latency buckets in nanoseconds (1µs to 1ms).
var processingBuckets = []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000}

// Probe durations in seconds. Probes are bounded by their timeout (1s-5s).
var probeBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10}

var (
	// 1. CAPTURE
	ArpFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arpwarden_arp_frames_total",
		Help: "ARP frames captured by operation (request/reply/other)",
	}, []string{"operation"})

	SocketDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_socket_drops_total",
		Help: "Frames dropped by the kernel because the capture buffer was full",
	})

	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arpwarden_processing_ns",
		Help:    "Time taken to decode and evaluate one frame in nanoseconds",
		Buckets: processingBuckets,
	})

	// 2. DETECTOR
	Observations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_observations_total",
		Help: "Observations evaluated while monitoring was active",
	})

	Mismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_mismatches_total",
		Help: "Observations whose MAC differed from the trusted baseline",
	})

	SpoofEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_spoof_events_total",
		Help: "Confirmed ARP spoofing incidents",
	})

	UnresolvedAttackers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_unresolved_attackers_total",
		Help: "Threshold crossings where no distinct attacker IP could be resolved",
	})

	Resets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arpwarden_state_resets_total",
		Help: "Global state resets by trigger",
	}, []string{"trigger"})

	MonitoringActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arpwarden_monitoring_active",
		Help: "1 while spoof detection is active",
	})

	// 3. REGISTRY
	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arpwarden_devices",
		Help: "Devices currently in the registry",
	})

	BaselineSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arpwarden_baseline_entries",
		Help: "Entries in the trusted IP to MAC baseline",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arpwarden_evictions_total",
		Help: "Devices dropped by the liveness scanner for not answering",
	})

	// 4. ACTIVE PROBES
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arpwarden_probe_duration_seconds",
		Help:    "Duration of active ARP probes by purpose",
		Buckets: probeBuckets,
	}, []string{"purpose"})

	ProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arpwarden_probe_errors_total",
		Help: "Active probes that failed by purpose",
	}, []string{"purpose"})
)

// TrackFrame counts the ARP operation of a raw Ethernet frame.
// It reads the header bytes directly; no decoding.
func TrackFrame(data []byte) {
	if len(data) < 14 {
		return
	}

	// Header Eth (14) + ARP OpCode offset (6) = byte 20.
	if binary.BigEndian.Uint16(data[12:14]) != 0x0806 || len(data) < 22 {
		return
	}

	switch binary.BigEndian.Uint16(data[20:22]) {
	case 1:
		ArpFrames.WithLabelValues("request").Inc()
	case 2:
		ArpFrames.WithLabelValues("reply").Inc()
	default:
		ArpFrames.WithLabelValues("other").Inc()
	}
}
