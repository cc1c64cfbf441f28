// Package arpframe encodes and decodes Ethernet ARP frames and builds the
// kernel filters for the capture sockets.
package arpframe

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/soyunomas/arpwarden/internal/utils"
)

// Sender is the address pair a station announces in an ARP frame.
type Sender struct {
	IP  string
	MAC string
	Op  uint16
}

// Decoder decodes Ethernet (optionally 802.1Q tagged) ARP frames into
// preallocated layers. Not safe for concurrent use; each read loop owns one.
type Decoder struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	arp     layers.ARP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 3)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &d.eth, &d.dot1q, &d.arp)
	// ARP hands off to Payload (Ethernet padding); nothing to decode there.
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode extracts the sender of an IPv4-over-Ethernet ARP frame. Address
// probes with an unspecified sender (RFC 5227) and non-station MACs are
// rejected.
func (d *Decoder) Decode(frame []byte) (Sender, bool) {
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return Sender{}, false
	}

	hasARP := false
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeARP {
			hasARP = true
			break
		}
	}
	if !hasARP {
		return Sender{}, false
	}

	a := &d.arp
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 {
		return Sender{}, false
	}
	if a.HwAddressSize != 6 || a.ProtAddressSize != 4 {
		return Sender{}, false
	}

	srcIP := net.IP(a.SourceProtAddress)
	if srcIP.IsUnspecified() {
		return Sender{}, false
	}
	srcMAC := net.HardwareAddr(a.SourceHwAddress)
	if !utils.IsStationMAC(srcMAC) {
		return Sender{}, false
	}

	return Sender{IP: srcIP.String(), MAC: srcMAC.String(), Op: a.Operation}, true
}

// Encode serializes one ARP frame. A nil dstMAC sends to broadcast with an
// all-zero target hardware address, as a request does.
func Encode(op uint16, srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) ([]byte, error) {
	sip, dip := srcIP.To4(), dstIP.To4()
	if sip == nil || dip == nil {
		return nil, fmt.Errorf("ARP needs IPv4 addresses, got %v -> %v", srcIP, dstIP)
	}

	ethDst, arpDst := dstMAC, dstMAC
	if dstMAC == nil {
		ethDst = layers.EthernetBroadcast
		arpDst = make(net.HardwareAddr, 6)
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: sip,
		DstHwAddress:      arpDst,
		DstProtAddress:    dip,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("serializing ARP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Request builds a broadcast who-has for target.
func Request(srcMAC net.HardwareAddr, srcIP, target net.IP) ([]byte, error) {
	return Encode(OpRequest, srcMAC, srcIP, nil, target)
}
