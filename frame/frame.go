// Package frame builds and parses the Ethernet/IPv4/UDP test frames the
// commands send through a device. Each frame carries a big-endian
// sequence number in the first four payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	HeaderLen = 14 + 20 + 8
	// MinSize is the shortest Ethernet frame, excluding the FCS.
	MinSize = 60
)

var (
	ErrTooShort = errors.New("frame too short")
	ErrNotUDP   = errors.New("not an IPv4/UDP frame")
)

// Ping is the payload of the ping command.
var Ping = []byte{1, 2, 3, 4}

type Spec struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// DefaultSpec addresses frames between two locally administered MACs.
func DefaultSpec() Spec {
	return Spec{
		SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		SrcIP:   net.IPv4(10, 0, 0, 1),
		DstIP:   net.IPv4(10, 0, 0, 2),
		SrcPort: 9000,
		DstPort: 9001,
	}
}

// Build serializes a frame of exactly size bytes, or MinSize if size is
// smaller.
func Build(s Spec, seq uint32, size int) ([]byte, error) {
	size = max(size, MinSize)

	eth := layers.Ethernet{
		SrcMAC:       s.SrcMAC,
		DstMAC:       s.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    s.SrcIP.To4(),
		DstIP:    s.DstIP.To4(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(s.SrcPort),
		DstPort: layers.UDPPort(s.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	payload := make([]byte, size-HeaderLen)
	binary.BigEndian.PutUint32(payload, seq)

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opt, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse returns the sequence number of a frame made by Build.
func Parse(b []byte) (uint32, error) {
	if len(b) < HeaderLen+4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	p := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return 0, ErrNotUDP
	}
	if len(udp.Payload) < 4 {
		return 0, fmt.Errorf("%w: %d payload bytes", ErrTooShort, len(udp.Payload))
	}
	return binary.BigEndian.Uint32(udp.Payload), nil
}
