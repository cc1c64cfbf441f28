package detector

import (
	"context"
)

// BuildBaseline seeds the trust baseline, the reverse index and the
// registry from one subnet sweep. The detector's own address is always
// trusted. It may only run once per engine.
func (e *Engine) BuildBaseline(ctx context.Context) error {
	e.mu.Lock()
	if e.baselineBuilt {
		e.mu.Unlock()
		return ErrBaselineBuilt
	}
	e.baselineBuilt = true
	e.mu.Unlock()

	gatewayIP := ""
	if e.gateway != nil {
		gatewayIP = e.gateway.GatewayIP()
	}

	// A failed sweep still leaves self and the gateway retry.
	hosts, _ := e.runProbe(ctx, "baseline", e.self.Subnet, e.baselineTimeout)

	if gatewayIP != "" && gatewayIP != e.self.IP && !answered(hosts, gatewayIP) {
		// The sweep can miss a busy router; ask it directly once.
		if mac, ok := e.ResolveMAC(ctx, gatewayIP); ok {
			hosts = append(hosts, Host{IP: gatewayIP, MAC: mac})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.gatewayIP = gatewayIP
	for _, h := range hosts {
		mac := normalizeMAC(h.MAC)
		if h.IP == "" || mac == "" {
			continue
		}
		e.st.trust(h.IP, mac)
		e.st.upsertDevice(h.IP, mac, h.IP == gatewayIP)
	}

	// Self goes last so a forged answer for our own IP cannot win.
	if e.self.IP != "" && e.self.MAC != "" {
		e.st.trust(e.self.IP, e.self.MAC)
		e.st.upsertDevice(e.self.IP, e.self.MAC, e.self.IP == gatewayIP)
	}

	e.publishSizes()
	e.logger.Info("baseline established", "subnet", e.self.Subnet, "entries", len(e.st.baseline), "gateway", gatewayIP)
	return nil
}

func answered(hosts []Host, ip string) bool {
	for _, h := range hosts {
		if h.IP == ip {
			return true
		}
	}
	return false
}
