package notifier

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"

	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
	"github.com/soyunomas/arpwarden/internal/utils"
)

const alertBufferSize = 100
const (
	GlobalAlertLimit = 20
	MuteDuration     = 60 * time.Second

	sendTimeout = 5 * time.Second
)

const (
	KindSpoof  = "spoof"
	KindSystem = "system"
)

// Alert is the structured form handed to every sink.
type Alert struct {
	ID        string               `json:"id"`
	Sensor    string               `json:"sensor"`
	Kind      string               `json:"kind"`
	Text      string               `json:"text"`
	Event     *detector.SpoofEvent `json:"event,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// sink delivers one alert to one destination.
type sink struct {
	name string
	send func(ctx context.Context, a Alert) error
}

// Notifier fans alerts out to the configured destinations from a single
// background worker. A global rate limit mutes everything for MuteDuration
// once more than GlobalAlertLimit alerts arrive within a minute.
type Notifier struct {
	sensor string
	logger logr.Logger
	now    func() time.Time
	sinks  []sink
	closer []func() error

	chMu      sync.RWMutex
	alertChan chan Alert
	closed    bool
	done      chan struct{}

	mu            sync.Mutex
	alertCount    int
	windowStart   time.Time
	isMuted       bool
	mutedUntil    time.Time
	droppedAlerts int
}

type Option func(*Notifier)

func WithLogger(logger logr.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier wires every enabled destination in cfg and starts the worker.
func NewNotifier(cfg *config.AlertsConfig, sensor string, opts ...Option) *Notifier {
	if sensor == "" {
		sensor = config.DefaultSensorName
	}

	n := &Notifier{
		sensor:    sensor,
		logger:    stdr.New(log.Default()),
		now:       time.Now,
		alertChan: make(chan Alert, alertBufferSize),
		done:      make(chan struct{}),
	}
	n.sinks, n.closer = buildSinks(cfg, sensor)

	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithName("notifier")
	n.windowStart = n.now()

	go n.worker()
	return n
}

// Alert sends a free-form system message, subject to flood protection.
func (n *Notifier) Alert(msg string) {
	n.submit(n.newAlert(KindSystem, msg, nil))
}

// AlertSpoof reports a confirmed spoofing incident. It implements
// detector.AlertSink.
func (n *Notifier) AlertSpoof(ev detector.SpoofEvent) {
	n.submit(n.newAlert(KindSpoof, FormatSpoof(n.sensor, ev), &ev))
}

func (n *Notifier) newAlert(kind, text string, ev *detector.SpoofEvent) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Sensor:    n.sensor,
		Kind:      kind,
		Text:      text,
		Event:     ev,
		Timestamp: n.now(),
	}
}

func (n *Notifier) submit(a Alert) {
	n.mu.Lock()
	now := n.now()

	if n.isMuted {
		if now.Before(n.mutedUntil) {
			n.droppedAlerts++
			n.mu.Unlock()
			return
		}
		n.isMuted = false
		summary := fmt.Sprintf("[%s] Resuming alerts. Dropped %d messages.", n.sensor, n.droppedAlerts)
		n.droppedAlerts = 0
		n.windowStart = now
		n.alertCount = 1
		n.mu.Unlock()

		n.dispatch(n.newAlert(KindSystem, summary, nil))
		n.dispatch(a)
		return
	}

	if now.Sub(n.windowStart) > time.Minute {
		n.windowStart = now
		n.alertCount = 0
	}

	n.alertCount++

	if n.alertCount > GlobalAlertLimit {
		n.isMuted = true
		n.mutedUntil = now.Add(MuteDuration)
		n.droppedAlerts = 1
		warning := fmt.Sprintf("[%s] FLOOD PROTECTION. Silencing alerts for %s.", n.sensor, MuteDuration)
		n.mu.Unlock()
		n.dispatch(n.newAlert(KindSystem, warning, nil))
		return
	}
	n.mu.Unlock()

	n.dispatch(a)
}

func (n *Notifier) dispatch(a Alert) {
	n.logger.Info("alert", "kind", a.Kind, "id", a.ID, "text", a.Text)

	n.chMu.RLock()
	defer n.chMu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.alertChan <- a:
	default:
		n.logger.Info("alert queue full, dropping", "id", a.ID)
	}
}

func (n *Notifier) worker() {
	defer close(n.done)

	for a := range n.alertChan {
		for _, s := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.send(ctx, a); err != nil {
				n.logger.Error(err, "alert delivery failed", "sink", s.name, "id", a.ID)
			}
			cancel()
		}
	}
}

// Close stops accepting alerts, drains the queue and releases sink
// resources. Alerts still queued when ctx ends are abandoned.
func (n *Notifier) Close(ctx context.Context) error {
	n.chMu.Lock()
	if !n.closed {
		n.closed = true
		close(n.alertChan)
	}
	n.chMu.Unlock()

	select {
	case <-n.done:
	case <-ctx.Done():
		return fmt.Errorf("draining alerts: %w", ctx.Err())
	}

	var firstErr error
	for _, c := range n.closer {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.closer = nil
	return firstErr
}

// FormatSpoof renders the human readable text of a spoof alert. Virtual
// router MACs get a failover hint.
func FormatSpoof(sensor string, ev detector.SpoofEvent) string {
	msg := fmt.Sprintf("[%s] ARP SPOOFING: %s is now claimed by %s (trusted %s). Attacker: %s",
		sensor, ev.VictimIP, ev.ObservedMAC, ev.TrustedMAC, ev.AttackerIP)

	trusted := utils.ParseAndClassify(ev.TrustedMAC)
	observed := utils.ParseAndClassify(ev.ObservedMAC)
	if trusted.Virtual || observed.Virtual {
		msg += ". Note: a virtual router MAC is involved, this may be a redundancy failover"
	} else if observed.Name == "Local" {
		msg += ". Note: the claiming MAC is locally administered"
	}
	return msg
}
