package netprobe

import (
	"errors"
	"fmt"
	"net"

	"github.com/soyunomas/arpwarden/internal/config"
	"github.com/soyunomas/arpwarden/internal/detector"
)

var ErrNoIPv4 = errors.New("interface has no IPv4 address")

// LocalIdentity returns the detector's own address on the monitored
// interface. Values set in cfg win over what the interface reports.
func LocalIdentity(cfg *config.NetworkConfig) (detector.Identity, error) {
	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return detector.Identity{}, fmt.Errorf("interface %s not found: %w", cfg.Interface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return detector.Identity{}, fmt.Errorf("reading addresses of %s: %w", cfg.Interface, err)
	}
	return identityFrom(cfg, ifi.HardwareAddr, addrs)
}

func identityFrom(cfg *config.NetworkConfig, hw net.HardwareAddr, addrs []net.Addr) (detector.Identity, error) {
	id := detector.Identity{IP: cfg.SelfIP, MAC: cfg.SelfMAC, Subnet: cfg.Subnet}
	if id.MAC == "" {
		id.MAC = hw.String()
	}

	if id.IP == "" || id.Subnet == "" {
		ipnet := firstIPv4(addrs)
		if ipnet == nil {
			return detector.Identity{}, fmt.Errorf("%w: %s", ErrNoIPv4, cfg.Interface)
		}
		if id.IP == "" {
			id.IP = ipnet.IP.To4().String()
		}
		if id.Subnet == "" {
			network := &net.IPNet{IP: ipnet.IP.To4().Mask(ipnet.Mask), Mask: ipnet.Mask}
			id.Subnet = network.String()
		}
	}

	if err := config.CheckSubnet(id.Subnet); err != nil {
		return detector.Identity{}, fmt.Errorf("unusable subnet on %s (set network.subnet): %w", cfg.Interface, err)
	}
	if _, err := net.ParseMAC(id.MAC); err != nil {
		return detector.Identity{}, fmt.Errorf("invalid MAC '%s' for %s: %w", id.MAC, cfg.Interface, err)
	}
	return id, nil
}

func firstIPv4(addrs []net.Addr) *net.IPNet {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
			continue
		}
		return ipnet
	}
	return nil
}
