package detector

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrBaselineBuilt is returned when the baseline is built a second time.
	ErrBaselineBuilt = errors.New("baseline already built")
	// ErrScannerRunning is returned when a second scanner loop is started.
	ErrScannerRunning = errors.New("liveness scanner already running")
	// ErrStopTimeout means a delivery loop did not exit before its join deadline
	// and was abandoned.
	ErrStopTimeout = errors.New("delivery loop did not stop in time")
)

// Device is one endpoint of the monitored subnet, keyed by IP.
type Device struct {
	IP         string `json:"ip"`
	MAC        string `json:"mac"`
	Attacked   bool   `json:"attacked"`
	IsAttacker bool   `json:"is_attacker"`
	IsGateway  bool   `json:"is_gateway"`
}

// SpoofEvent records one confirmed attack. It is never modified once logged.
type SpoofEvent struct {
	VictimIP    string    `json:"ip"`
	TrustedMAC  string    `json:"old_mac"`
	ObservedMAC string    `json:"new_mac"`
	AttackerIP  string    `json:"attacker_ip"`
	Timestamp   time.Time `json:"timestamp"`
}

// Host is one (ip, mac) answer to an active probe.
type Host struct {
	IP  string
	MAC string
}

// Identity is the detector's own address on the monitored subnet.
type Identity struct {
	IP     string
	MAC    string
	Subnet string
}

// Status summarises the engine for API consumers.
type Status struct {
	Monitoring bool   `json:"monitoring"`
	Scanning   bool   `json:"scanning"`
	Gateway    string `json:"gateway"`
	Devices    int    `json:"devices"`
	Baseline   int    `json:"baseline"`
	Events     int    `json:"events"`
}

// ObservationFunc receives the sender (ip, mac) of a captured ARP frame.
type ObservationFunc func(ip, mac string)

// PacketSource delivers observed ARP senders. It must survive repeated
// Start/Stop cycles.
type PacketSource interface {
	Subscribe(fn ObservationFunc)
	Start() error
	// Stop returns an error wrapping ErrStopTimeout when the delivery loop
	// is still running once ctx is done.
	Stop(ctx context.Context) error
}

// ActiveProbe sends ARP requests to target (an IP or a CIDR) and collects
// the replies received within timeout. A timeout is not an error.
type ActiveProbe interface {
	Probe(ctx context.Context, target string, timeout time.Duration) ([]Host, error)
}

// GatewayResolver returns the default gateway, or a fallback.
type GatewayResolver interface {
	GatewayIP() string
}

// AlertSink is told about every confirmed spoof event.
type AlertSink interface {
	AlertSpoof(ev SpoofEvent)
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
