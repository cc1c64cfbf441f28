package utils

import (
	"fmt"
	"net"
	"strings"
)

// MACInfo describes what kind of station a MAC address belongs to.
type MACInfo struct {
	Name        string
	Description string
	// Virtual is set for first-hop redundancy MACs (VRRP, HSRP) that
	// legitimately move between routers on failover.
	Virtual bool
}

// Exact addresses that never belong to a single station.
var exactMatches = map[string]MACInfo{
	"ff:ff:ff:ff:ff:ff": {"Broadcast", "General Broadcast", false},
	"00:00:00:00:00:00": {"Zero", "Unset hardware address", false},
}

// Redundancy protocol prefixes. A mismatch towards one of these is more
// likely a router failover than an attack.
func checkVirtualRouter(mac net.HardwareAddr) (MACInfo, bool) {
	// VRRP IPv4: 00:00:5e:00:01:xx, VRRP IPv6: 00:00:5e:00:02:xx
	if mac[0] == 0x00 && mac[1] == 0x00 && mac[2] == 0x5e && mac[3] == 0x00 {
		switch mac[4] {
		case 0x01:
			return MACInfo{"VRRP-IPv4", fmt.Sprintf("Virtual Router (VRID %d)", mac[5]), true}, true
		case 0x02:
			return MACInfo{"VRRP-IPv6", fmt.Sprintf("Virtual Router (VRID %d)", mac[5]), true}, true
		}
	}

	// HSRP (Cisco) v1: 00:00:0c:07:ac:xx
	if mac[0] == 0x00 && mac[1] == 0x00 && mac[2] == 0x0c && mac[3] == 0x07 && mac[4] == 0xac {
		return MACInfo{"HSRP-v1", fmt.Sprintf("Cisco Standby Router (Group %d)", mac[5]), true}, true
	}

	// HSRP v2: 00:00:0c:9f:fx:xx
	if mac[0] == 0x00 && mac[1] == 0x00 && mac[2] == 0x0c && mac[3] == 0x9f && mac[4]&0xf0 == 0xf0 {
		group := int(mac[4]&0x0f)<<8 | int(mac[5])
		return MACInfo{"HSRP-v2", fmt.Sprintf("Cisco Standby Router v2 (Group %d)", group), true}, true
	}

	return MACInfo{}, false
}

// ClassifyMAC identifies the purpose of a MAC address. Meant for the alert
// path, not for per-frame use.
func ClassifyMAC(mac net.HardwareAddr) MACInfo {
	if len(mac) != 6 {
		return MACInfo{"Invalid", fmt.Sprintf("Unexpected address length %d", len(mac)), false}
	}

	if info, ok := exactMatches[strings.ToLower(mac.String())]; ok {
		return info
	}

	if info, found := checkVirtualRouter(mac); found {
		return info
	}

	if !isUnicast(mac) {
		return MACInfo{"Multicast", "Group address", false}
	}

	if IsLocallyAdministered(mac) {
		return MACInfo{"Local", "Locally administered (randomized or virtual NIC)", false}
	}

	return MACInfo{"Unicast", "Standard Station", false}
}

// ParseAndClassify is ClassifyMAC for the string form used by the detector.
func ParseAndClassify(mac string) MACInfo {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return MACInfo{"Invalid", fmt.Sprintf("Unparseable address %q", mac), false}
	}
	return ClassifyMAC(hw)
}

// IsStationMAC reports whether mac can be the sender of a real host: a
// six byte, unicast, non-zero address. Frames failing this are noise.
func IsStationMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 || !isUnicast(mac) {
		return false
	}
	for _, b := range mac {
		if b != 0 {
			return true
		}
	}
	return false
}

// IsLocallyAdministered checks the U/L bit of the first octet.
func IsLocallyAdministered(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&0x02 != 0
}

func isUnicast(mac net.HardwareAddr) bool {
	// Bit 0 of the first octet: 1 multicast, 0 unicast
	return (mac[0] & 0x01) == 0
}
