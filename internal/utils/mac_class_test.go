package utils

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMAC(t *testing.T, mac string) net.HardwareAddr {
	m, err := net.ParseMAC(mac)
	require.NoError(t, err, "invalid MAC")
	return m
}

func TestClassifyMAC(t *testing.T) {
	testCases := []struct {
		mac     string
		name    string
		virtual bool
	}{
		{"ff:ff:ff:ff:ff:ff", "Broadcast", false},
		{"00:00:00:00:00:00", "Zero", false},
		{"00:00:5e:00:01:0a", "VRRP-IPv4", true},
		{"00:00:5e:00:02:01", "VRRP-IPv6", true},
		{"00:00:0c:07:ac:01", "HSRP-v1", true},
		{"00:00:0c:9f:f1:02", "HSRP-v2", true},
		{"01:00:5e:00:00:fb", "Multicast", false},
		{"02:42:ac:11:00:02", "Local", false},
		{"3c:22:fb:12:34:56", "Unicast", false},
	}

	for _, tc := range testCases {
		t.Run(tc.mac, func(t *testing.T) {
			info := ClassifyMAC(mustMAC(t, tc.mac))
			assert.Equal(t, tc.name, info.Name)
			assert.Equal(t, tc.virtual, info.Virtual)
		})
	}
}

func TestClassifyMAC_HSRPv2Group(t *testing.T) {
	info := ClassifyMAC(mustMAC(t, "00:00:0c:9f:f1:02"))
	assert.Equal(t, "Cisco Standby Router v2 (Group 258)", info.Description)
}

func TestParseAndClassify_Invalid(t *testing.T) {
	assert.Equal(t, "Invalid", ParseAndClassify("cc:cc").Name)
	assert.Equal(t, "Unicast", ParseAndClassify("3C:22:FB:12:34:56").Name)
}

func TestIsStationMAC(t *testing.T) {
	assert.True(t, IsStationMAC(mustMAC(t, "3c:22:fb:12:34:56")))
	assert.True(t, IsStationMAC(mustMAC(t, "02:42:ac:11:00:02")))
	assert.False(t, IsStationMAC(mustMAC(t, "ff:ff:ff:ff:ff:ff")))
	assert.False(t, IsStationMAC(mustMAC(t, "00:00:00:00:00:00")))
	assert.False(t, IsStationMAC(mustMAC(t, "01:00:5e:00:00:01")))
	assert.False(t, IsStationMAC(net.HardwareAddr{0x3c, 0x22}))
}
