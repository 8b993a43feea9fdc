// Package fixtures provides test fixtures and packet generators for NFA-Bayes
package fixtures

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// =============================================================================
// Frame Fixtures
// =============================================================================

// Frame is a serialized Ethernet frame with its capture timestamp.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// FrameFixture generates Ethernet frames
type FrameFixture struct {
	baseTime time.Time
	counter  int
	srcMAC   net.HardwareAddr
	dstMAC   net.HardwareAddr
}

// NewFrameFixture creates a new frame fixture generator
func NewFrameFixture() *FrameFixture {
	return &FrameFixture{
		baseTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		srcMAC:   net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		dstMAC:   net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
}

func (ff *FrameFixture) next(ls ...gopacket.SerializableLayer) Frame {
	ff.counter++
	return Frame{
		Data:      serialize(ls...),
		Timestamp: ff.baseTime.Add(time.Duration(ff.counter) * time.Millisecond),
	}
}

func (ff *FrameFixture) ipv4(srcIP, dstIP string, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       ff.srcMAC,
		DstMAC:       ff.dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	return eth, ip
}

// TCPFrame generates an Ethernet/IPv4/TCP frame. Its wire length is
// 54 bytes plus the payload.
func (ff *FrameFixture) TCPFrame(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) Frame {
	eth, ip := ff.ipv4(srcIP, dstIP, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     uint32(ff.counter + 1),
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: tcp checksum: %v", err))
	}
	return ff.next(eth, ip, tcp, gopacket.Payload(payload))
}

// UDPFrame generates an Ethernet/IPv4/UDP frame. Its wire length is
// 42 bytes plus the payload.
func (ff *FrameFixture) UDPFrame(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) Frame {
	eth, ip := ff.ipv4(srcIP, dstIP, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: udp checksum: %v", err))
	}
	return ff.next(eth, ip, udp, gopacket.Payload(payload))
}

// ICMPFrame generates an Ethernet/IPv4/ICMP echo request.
func (ff *FrameFixture) ICMPFrame(srcIP, dstIP string, payload []byte) Frame {
	eth, ip := ff.ipv4(srcIP, dstIP, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      uint16(ff.counter + 1),
	}
	return ff.next(eth, ip, icmp, gopacket.Payload(payload))
}

func (ff *FrameFixture) ipv6(srcIP, dstIP string, next layers.IPProtocol) (*layers.Ethernet, *layers.IPv6) {
	eth := &layers.Ethernet{
		SrcMAC:       ff.srcMAC,
		DstMAC:       ff.dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP(srcIP),
		DstIP:      net.ParseIP(dstIP),
	}
	return eth, ip
}

// hopByHop returns an 8-byte IPv6 hop-by-hop header holding one PadN option.
func hopByHop(next layers.IPProtocol) []byte {
	return []byte{byte(next), 0, 1, 4, 0, 0, 0, 0}
}

// withHopByHop wraps an upper-layer frame in a hop-by-hop extension header.
func (ff *FrameFixture) withHopByHop(srcIP, dstIP string, next layers.IPProtocol, upper []byte) Frame {
	eth, ip := ff.ipv6(srcIP, dstIP, layers.IPProtocolIPv6HopByHop)
	return ff.next(eth, ip, gopacket.Payload(append(hopByHop(next), upper...)))
}

// UDP6Frame generates an Ethernet/IPv6/UDP frame. Its wire length is 62
// bytes plus the payload, or 70 with a hop-by-hop header.
func (ff *FrameFixture) UDP6Frame(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte, hopByHop bool) Frame {
	eth, ip := ff.ipv6(srcIP, dstIP, layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: udp checksum: %v", err))
	}
	if !hopByHop {
		return ff.next(eth, ip, udp, gopacket.Payload(payload))
	}
	return ff.withHopByHop(srcIP, dstIP, layers.IPProtocolUDP, serialize(udp, gopacket.Payload(payload)))
}

// ICMPv6Frame generates an Ethernet/IPv6/ICMPv6 echo request behind a
// hop-by-hop header.
func (ff *FrameFixture) ICMPv6Frame(srcIP, dstIP string, payload []byte) Frame {
	echo := append([]byte{128, 0, 0, 0, 0, 1, 0, 1}, payload...)
	return ff.withHopByHop(srcIP, dstIP, layers.IPProtocolICMPv6, echo)
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(fmt.Sprintf("fixtures: serialize layers: %v", err))
	}
	return append([]byte(nil), buf.Bytes()...)
}

// ARPFrame generates a non-IP frame.
func (ff *FrameFixture) ARPFrame() Frame {
	eth := &layers.Ethernet{
		SrcMAC:       ff.srcMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   ff.srcMAC,
		SourceProtAddress: net.ParseIP("10.0.0.1").To4(),
		DstHwAddress:      net.HardwareAddr{0, 0, 0, 0, 0, 0},
		DstProtAddress:    net.ParseIP("10.0.0.2").To4(),
	}
	return ff.next(eth, arp)
}

// CaptureInfo returns the capture metadata for f.
func (f Frame) CaptureInfo() gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     f.Timestamp,
		CaptureLength: len(f.Data),
		Length:        len(f.Data),
	}
}

// =============================================================================
// PCAP Fixtures
// =============================================================================

// WritePCAP writes frames as a classic pcap stream with Ethernet link type.
func WritePCAP(w io.Writer, frames ...Frame) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return err
	}
	for _, f := range frames {
		if err := pw.WritePacket(f.CaptureInfo(), f.Data); err != nil {
			return err
		}
	}
	return nil
}

// PCAPBytes returns frames encoded as a classic pcap file.
func PCAPBytes(frames ...Frame) []byte {
	var buf bytes.Buffer
	if err := WritePCAP(&buf, frames...); err != nil {
		panic(fmt.Sprintf("fixtures: write pcap: %v", err))
	}
	return buf.Bytes()
}

// Payload returns n bytes of deterministic filler.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
