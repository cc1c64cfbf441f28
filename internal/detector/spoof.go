package detector

import (
	"github.com/soyunomas/arpwarden/internal/telemetry"
)

// Observe evaluates one observed (ip, mac) pair. It returns the event when
// this observation confirms an attack, nil otherwise. While monitoring is
// idle it does nothing.
func (e *Engine) Observe(ip, mac string) *SpoofEvent {
	mac = normalizeMAC(mac)
	if ip == "" || mac == "" {
		return nil
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	telemetry.Observations.Inc()

	trusted, known := e.st.baseline[ip]
	if !known {
		// First sighting: the baseline grows here and nowhere else.
		e.st.trust(ip, mac)
		e.st.upsertDevice(ip, mac, ip == e.gatewayIP)
		e.publishSizes()
		e.mu.Unlock()
		e.logger.Info("new device trusted", "ip", ip, "mac", mac)
		return nil
	}

	key := pairKey{ip: ip, mac: mac}
	now := e.now()

	if mac == trusted {
		delete(e.st.counters, key)
		if !e.st.lastMismatch.IsZero() && now.Sub(e.st.lastMismatch) > e.resetTimeout {
			e.st.reset()
			telemetry.Resets.WithLabelValues("quiet_period").Inc()
			e.mu.Unlock()
			e.logger.Info("no mismatches within reset timeout, state cleared", "timeout", e.resetTimeout)
			return nil
		}
		e.mu.Unlock()
		return nil
	}

	e.st.counters[key]++
	count := e.st.counters[key]
	e.st.lastMismatch = now
	epoch := e.st.epoch
	monCtx := e.monCtx
	e.mu.Unlock()

	telemetry.Mismatches.Inc()
	if count < e.threshold {
		e.logger.V(1).Info("baseline mismatch", "ip", ip, "trusted", trusted, "observed", mac, "count", count)
		return nil
	}

	// Lock released: the reverse lookup may sweep the subnet. Stopping
	// monitoring cancels it.
	attackerIP, ok := e.ResolveIP(monCtx, mac)
	if monCtx.Err() != nil {
		return nil
	}
	if !ok || attackerIP == ip {
		telemetry.UnresolvedAttackers.Inc()
		e.logger.V(1).Info("threshold reached but no distinct attacker resolved",
			"ip", ip, "observed", mac, "count", count, "resolved", attackerIP)
		return nil
	}

	e.mu.Lock()
	if !e.active || e.st.epoch != epoch || e.st.counters[key] < e.threshold {
		// Monitoring stopped, state was reset or a concurrent observation
		// already confirmed this pair while we were resolving.
		e.mu.Unlock()
		return nil
	}

	ev := SpoofEvent{
		VictimIP:    ip,
		TrustedMAC:  trusted,
		ObservedMAC: mac,
		AttackerIP:  attackerIP,
		Timestamp:   e.now(),
	}
	e.st.events = append(e.st.events, ev)
	e.st.upsertDevice(ip, e.macOf(ip, trusted), ip == e.gatewayIP).Attacked = true
	e.st.upsertDevice(attackerIP, e.macOf(attackerIP, mac), attackerIP == e.gatewayIP).IsAttacker = true
	e.st.counters[key] = 0
	e.publishSizes()
	e.mu.Unlock()

	telemetry.SpoofEvents.Inc()
	e.logger.Info("ARP spoofing confirmed",
		"victim", ev.VictimIP, "trusted", ev.TrustedMAC, "observed", ev.ObservedMAC, "attacker", ev.AttackerIP)
	if e.alerts != nil {
		e.alerts.AlertSpoof(ev)
	}
	return &ev
}

// macOf returns the registry MAC of ip, or fallback for a device that is
// not registered. Caller holds e.mu.
func (e *Engine) macOf(ip, fallback string) string {
	if d, ok := e.st.devices[ip]; ok && d.MAC != "" {
		return d.MAC
	}
	return fallback
}
