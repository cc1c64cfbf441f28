package detector

import (
	"net/netip"
	"sort"
	"time"
)

type pairKey struct {
	ip  string
	mac string
}

// state is everything the engine shares between the scanner, the detector
// and the API. It has no locking of its own; Engine.mu guards all of it.
type state struct {
	devices  map[string]*Device
	baseline map[string]string // ip -> trusted mac
	reverse  map[string]string // mac -> ip, may be stale
	counters map[pairKey]int
	events   []SpoofEvent

	lastMismatch time.Time
	// epoch changes on every global reset so work started before a reset
	// can tell it is stale.
	epoch uint64
}

func newState() *state {
	return &state{
		devices:  make(map[string]*Device, 64),
		baseline: make(map[string]string, 64),
		reverse:  make(map[string]string, 64),
		counters: make(map[pairKey]int),
	}
}

// trust records ip -> mac in the baseline and the reverse index.
func (s *state) trust(ip, mac string) {
	s.baseline[ip] = mac
	s.reverse[mac] = ip
}

// upsertDevice sets the MAC of ip, creating the device when missing.
// Flags of an existing device are kept.
func (s *state) upsertDevice(ip, mac string, gateway bool) *Device {
	d, ok := s.devices[ip]
	if !ok {
		d = &Device{IP: ip}
		s.devices[ip] = d
	}
	d.MAC = mac
	if gateway {
		d.IsGateway = true
	}
	return d
}

// reset clears every device flag, the event log and all counters.
func (s *state) reset() {
	for _, d := range s.devices {
		d.Attacked = false
		d.IsAttacker = false
	}
	s.events = nil
	s.counters = make(map[pairKey]int)
	s.lastMismatch = time.Time{}
	s.epoch++
}

func (s *state) deviceSnapshot() []Device {
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessIP(out[i].IP, out[j].IP)
	})
	return out
}

func (s *state) eventSnapshot() []SpoofEvent {
	out := make([]SpoofEvent, len(s.events))
	copy(out, s.events)
	return out
}

// lessIP orders numerically when both sides parse, lexically otherwise.
func lessIP(a, b string) bool {
	ia, errA := netip.ParseAddr(a)
	ib, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return ia.Less(ib)
	}
	return a < b
}
