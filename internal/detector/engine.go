package detector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"

	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/telemetry"
)

// Engine owns the device registry, the trust baseline, the spoof counters
// and the event log. The baseline builder, the liveness scanner, the spoof
// detector and the API all go through it.
type Engine struct {
	self Identity

	threshold          int
	resetTimeout       time.Duration
	baselineTimeout    time.Duration
	scanTimeout        time.Duration
	lookupTimeout      time.Duration
	resolveTimeout     time.Duration
	scanInterval       time.Duration
	stopTimeout        time.Duration
	keepFlaggedDevices bool

	probe   ActiveProbe
	source  PacketSource
	gateway GatewayResolver
	alerts  AlertSink
	logger  logr.Logger
	now     func() time.Time

	// mu guards everything below it. Never held across a probe, a
	// PacketSource call or an alert.
	mu            sync.Mutex
	st            *state
	active        bool
	gatewayIP     string
	baselineBuilt bool

	// monCtx is cancelled when monitoring stops, cutting short lookups
	// started by Observe.
	monCtx    context.Context
	monCancel context.CancelFunc

	scanMu   sync.Mutex
	scanning bool
	stopScan chan struct{}

	// ctrlMu serializes monitoring transitions so PacketSource Start/Stop
	// calls never interleave.
	ctrlMu sync.Mutex
}

type Option func(*Engine)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger logr.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPacketSource wires the capture that feeds Observe. Monitoring
// transitions start and stop it.
func WithPacketSource(src PacketSource) Option {
	return func(e *Engine) { e.source = src }
}

func WithGatewayResolver(gw GatewayResolver) Option {
	return func(e *Engine) { e.gateway = gw }
}

func WithAlertSink(sink AlertSink) Option {
	return func(e *Engine) { e.alerts = sink }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg *config.DetectorConfig, self Identity, probe ActiveProbe, opts ...Option) *Engine {
	self.MAC = normalizeMAC(self.MAC)

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultThreshold
	}

	e := &Engine{
		self:               self,
		threshold:          threshold,
		resetTimeout:       cfg.ResetDuration(),
		baselineTimeout:    cfg.BaselineDuration(),
		scanTimeout:        cfg.ScanDuration(),
		lookupTimeout:      cfg.LookupDuration(),
		resolveTimeout:     cfg.ResolveDuration(),
		scanInterval:       cfg.ScanIntervalDuration(),
		stopTimeout:        cfg.StopDuration(),
		keepFlaggedDevices: cfg.KeepFlaggedDevices,
		probe:              probe,
		logger:             stdr.New(log.Default()),
		now:                time.Now,
		st:                 newState(),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithName("detector")

	if e.source != nil {
		e.source.Subscribe(func(ip, mac string) {
			e.Observe(ip, mac)
		})
	}

	return e
}

// ListDevices returns a copy of the registry ordered by IP.
func (e *Engine) ListDevices() []Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.deviceSnapshot()
}

// ListEvents returns a copy of the event log in insertion order.
func (e *Engine) ListEvents() []SpoofEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.eventSnapshot()
}

func (e *Engine) Status() Status {
	e.scanMu.Lock()
	scanning := e.scanning
	e.scanMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Monitoring: e.active,
		Scanning:   scanning,
		Gateway:    e.gatewayIP,
		Devices:    len(e.st.devices),
		Baseline:   len(e.st.baseline),
		Events:     len(e.st.events),
	}
}

// Self returns the detector's own identity.
func (e *Engine) Self() Identity {
	return e.self
}

// runProbe wraps the ActiveProbe with timing and error accounting. A
// timeout with no answers is an empty result; a failed probe is an error.
func (e *Engine) runProbe(ctx context.Context, purpose, target string, timeout time.Duration) ([]Host, error) {
	if e.probe == nil {
		return nil, nil
	}

	start := time.Now()
	hosts, err := e.probe.Probe(ctx, target, timeout)
	telemetry.ProbeDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ProbeErrors.WithLabelValues(purpose).Inc()
		e.logger.Error(err, "active probe failed", "purpose", purpose, "target", target)
		return nil, err
	}

	e.logger.V(1).Info("active probe finished", "purpose", purpose, "target", target, "responders", len(hosts))
	return hosts, nil
}

// publishSizes refreshes the registry gauges. Caller holds e.mu.
func (e *Engine) publishSizes() {
	telemetry.Devices.Set(float64(len(e.st.devices)))
	telemetry.BaselineSize.Set(float64(len(e.st.baseline)))
}
