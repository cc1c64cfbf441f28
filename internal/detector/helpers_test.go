package detector

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/soyunomas/arpwarden/internal/config"
)

const (
	testSubnet  = "10.0.0.0/24"
	testSelfIP  = "10.0.0.2"
	testSelfMAC = "02:00:00:00:00:02"
)

// fakeProbe answers probes from a table keyed by target.
type fakeProbe struct {
	mu      sync.Mutex
	answers map[string][]Host
	err     error
	calls   map[string]int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		answers: make(map[string][]Host),
		calls:   make(map[string]int),
	}
}

func (p *fakeProbe) set(target string, hosts ...Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers[target] = hosts
}

func (p *fakeProbe) callsFor(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[target]
}

func (p *fakeProbe) Probe(_ context.Context, target string, _ time.Duration) ([]Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[target]++
	if p.err != nil {
		return nil, p.err
	}
	out := make([]Host, len(p.answers[target]))
	copy(out, p.answers[target])
	return out, nil
}

type fakeSource struct {
	mu       sync.Mutex
	fn       ObservationFunc
	starts   int
	stops    int
	running  bool
	startErr error
	stopErr  error
}

func (s *fakeSource) Subscribe(fn ObservationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeSource) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.running = false
	return s.stopErr
}

// deliver feeds an observation the way a capture loop would.
func (s *fakeSource) deliver(ip, mac string) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	fn(ip, mac)
}

type fakeGateway string

func (g fakeGateway) GatewayIP() string { return string(g) }

type fakeSink struct {
	mu     sync.Mutex
	events []SpoofEvent
}

func (s *fakeSink) AlertSpoof(ev SpoofEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testIdentity() Identity {
	return Identity{IP: testSelfIP, MAC: testSelfMAC, Subnet: testSubnet}
}

func newTestEngine(probe *fakeProbe, clock *fakeClock, opts ...Option) *Engine {
	cfg := &config.DetectorConfig{
		Threshold:    3,
		ScanInterval: "10ms",
		StopTimeout:  "100ms",
	}
	opts = append([]Option{WithLogger(logr.Discard()), WithClock(clock.Now)}, opts...)
	return NewEngine(cfg, testIdentity(), probe, opts...)
}

// seed installs a baseline without going through a probe.
func seed(e *Engine, pairs map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ip, mac := range pairs {
		e.st.trust(ip, mac)
		e.st.upsertDevice(ip, mac, false)
	}
	e.baselineBuilt = true
}

func counter(e *Engine, ip, mac string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.counters[pairKey{ip: ip, mac: mac}]
}

func hasCounter(e *Engine, ip, mac string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.st.counters[pairKey{ip: ip, mac: mac}]
	return ok
}

func deviceByIP(e *Engine, ip string) (Device, bool) {
	for _, d := range e.ListDevices() {
		if d.IP == ip {
			return d, true
		}
	}
	return Device{}, false
}
