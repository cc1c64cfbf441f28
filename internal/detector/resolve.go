package detector

import (
	"context"
)

// ResolveMAC asks ip for its MAC with a targeted probe.
func (e *Engine) ResolveMAC(ctx context.Context, ip string) (string, bool) {
	if ip == e.self.IP && e.self.MAC != "" {
		return e.self.MAC, true
	}

	hosts, _ := e.runProbe(ctx, "lookup", ip, e.lookupTimeout)
	for _, h := range hosts {
		if h.IP == ip && h.MAC != "" {
			return normalizeMAC(h.MAC), true
		}
	}
	return "", false
}

// ResolveIP finds the IP currently using mac: the reverse index first, then
// a subnet sweep. A sweep hit refreshes the index.
func (e *Engine) ResolveIP(ctx context.Context, mac string) (string, bool) {
	mac = normalizeMAC(mac)
	if mac == e.self.MAC && e.self.IP != "" {
		return e.self.IP, true
	}

	e.mu.Lock()
	ip, ok := e.st.reverse[mac]
	e.mu.Unlock()
	if ok {
		return ip, true
	}

	hosts, _ := e.runProbe(ctx, "resolve", e.self.Subnet, e.resolveTimeout)
	for _, h := range hosts {
		if normalizeMAC(h.MAC) != mac || h.IP == "" {
			continue
		}
		e.mu.Lock()
		e.st.reverse[mac] = h.IP
		e.mu.Unlock()
		return h.IP, true
	}
	return "", false
}
