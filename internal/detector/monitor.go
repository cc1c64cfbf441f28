package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyunomas/arpwarden/internal/telemetry"
)

// StartMonitoring activates spoof detection and starts the packet source.
// Calling it while active is a no-op. If the source fails to start the
// engine stays idle.
func (e *Engine) StartMonitoring() error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = true
	e.monCtx, e.monCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if e.source != nil {
		if err := e.source.Start(); err != nil {
			e.mu.Lock()
			e.active = false
			e.endMonitoringCtx()
			e.mu.Unlock()
			return fmt.Errorf("starting packet source: %w", err)
		}
	}

	telemetry.MonitoringActive.Set(1)
	e.logger.Info("monitoring started")
	return nil
}

// StopMonitoring deactivates spoof detection, clears flags, events and
// counters, and stops the packet source within the configured stop timeout.
// The liveness scanner is not affected. A source that fails to stop in
// time is abandoned and reported with ErrStopTimeout; the engine is idle
// either way.
func (e *Engine) StopMonitoring(ctx context.Context) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = false
	e.endMonitoringCtx()
	e.st.reset()
	e.mu.Unlock()

	telemetry.MonitoringActive.Set(0)
	telemetry.Resets.WithLabelValues("monitoring_stopped").Inc()

	if e.source != nil {
		stopCtx, cancel := context.WithTimeout(ctx, e.stopTimeout)
		defer cancel()

		if err := e.source.Stop(stopCtx); err != nil {
			if errors.Is(err, ErrStopTimeout) {
				e.logger.Info("packet capture did not stop in time, abandoning it", "timeout", e.stopTimeout, "reason", err.Error())
			} else {
				e.logger.Error(err, "stopping packet source")
			}
			return err
		}
	}

	e.logger.Info("monitoring stopped")
	return nil
}

// endMonitoringCtx cancels lookups still running for the monitoring session
// that is ending. Caller holds e.mu.
func (e *Engine) endMonitoringCtx() {
	if e.monCancel != nil {
		e.monCancel()
	}
	e.monCtx, e.monCancel = nil, nil
}

// Monitoring reports whether spoof detection is active.
func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}
