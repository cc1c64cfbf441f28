package detector

import (
	"context"
	"time"

	"github.com/soyunomas/arpwarden/internal/telemetry"
)

// ScanResult summarises one liveness pass.
type ScanResult struct {
	Responders int
	Added      int
	Updated    int
	Evicted    int
}

// ScanOnce sweeps the subnet and reconciles the registry with whoever
// answered. MACs of known devices are overwritten without any spoof
// evaluation and the baseline is left alone. Devices that did not answer
// are removed with their flags, unless keep_flagged_devices spares the
// flagged ones. A failed or interrupted sweep leaves the registry as is.
func (e *Engine) ScanOnce(ctx context.Context) ScanResult {
	hosts, err := e.runProbe(ctx, "scan", e.self.Subnet, e.scanTimeout)
	if err != nil || ctx.Err() != nil {
		// Neither says anything about liveness.
		return ScanResult{}
	}
	if e.self.IP != "" && e.self.MAC != "" {
		hosts = append(hosts, Host{IP: e.self.IP, MAC: e.self.MAC})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var res ScanResult
	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		mac := normalizeMAC(h.MAC)
		if h.IP == "" || mac == "" {
			continue
		}
		seen[h.IP] = struct{}{}

		if d, ok := e.st.devices[h.IP]; ok {
			if d.MAC != mac {
				res.Updated++
			}
			d.MAC = mac
			continue
		}
		e.st.upsertDevice(h.IP, mac, h.IP == e.gatewayIP)
		res.Added++
	}
	res.Responders = len(seen)

	for ip, d := range e.st.devices {
		if _, ok := seen[ip]; ok {
			continue
		}
		if e.keepFlaggedDevices && (d.Attacked || d.IsAttacker) {
			continue
		}
		delete(e.st.devices, ip)
		res.Evicted++
	}

	telemetry.Evictions.Add(float64(res.Evicted))
	e.publishSizes()
	e.logger.V(1).Info("liveness pass done",
		"responders", res.Responders, "added", res.Added, "updated", res.Updated, "evicted", res.Evicted)
	return res
}

// RunScanner runs a liveness pass every scan interval until StopScanning
// is called or ctx is done. Stop requests are honoured between passes;
// a pass in flight always completes. StopScanning performs one final
// global reset.
func (e *Engine) RunScanner(ctx context.Context) error {
	e.scanMu.Lock()
	if e.scanning {
		e.scanMu.Unlock()
		return ErrScannerRunning
	}
	stop := make(chan struct{})
	e.scanning = true
	e.stopScan = stop
	e.scanMu.Unlock()

	defer func() {
		e.scanMu.Lock()
		e.scanning = false
		e.stopScan = nil
		e.scanMu.Unlock()
	}()

	e.logger.Info("liveness scanner started", "interval", e.scanInterval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			e.finalReset()
			return nil
		case <-timer.C:
		}

		e.ScanOnce(ctx)
		timer.Reset(e.scanInterval)
	}
}

// StopScanning asks the scanner loop to exit. It reports whether a loop
// was running.
func (e *Engine) StopScanning() bool {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	if !e.scanning || e.stopScan == nil {
		return false
	}
	close(e.stopScan)
	e.stopScan = nil
	return true
}

func (e *Engine) finalReset() {
	e.mu.Lock()
	e.st.reset()
	e.mu.Unlock()

	telemetry.Resets.WithLabelValues("scanner_stopped").Inc()
	e.logger.Info("liveness scanner stopped")
}
