package ml

import (
	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/cvalentine99/nfa-bayes/internal/models"
)

// FeatureExtractor reduces decoded packets to classifier features.
type FeatureExtractor struct{}

// NewFeatureExtractor creates a new feature extractor
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// ExtractPacket builds a PacketSample from pkt. The second return value is
// false for packets without an IPv4 or IPv6 layer.
//
// Size is the wire length of the whole frame. Ports are zero for protocols
// other than TCP and UDP, in which case PayloadSize is the IP payload length.
func (e *FeatureExtractor) ExtractPacket(pkt gopacket.Packet) (*models.PacketSample, bool) {
	sample := &models.PacketSample{
		ID: uuid.NewString(),
	}

	var proto uint8
	var ipPayload int
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		proto = uint8(ip.Protocol)
		sample.SrcIP = ip.SrcIP
		sample.DstIP = ip.DstIP
		ipPayload = len(ip.LayerPayload())
	case *layers.IPv6:
		proto, ipPayload = ipv6UpperLayer(pkt, ip)
		sample.SrcIP = ip.SrcIP
		sample.DstIP = ip.DstIP
	default:
		return nil, false
	}

	md := pkt.Metadata()
	size := len(pkt.Data())
	if md != nil {
		if md.Length > 0 {
			size = md.Length
		}
		if !md.Timestamp.IsZero() {
			sample.Timestamp = md.Timestamp
			sample.TimestampNano = md.Timestamp.UnixNano()
		}
	}

	features := models.FlowDescriptor{
		Protocol:    float64(proto),
		Size:        float64(size),
		PayloadSize: float64(ipPayload),
	}

	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		features.Protocol = float64(layers.IPProtocolTCP)
		features.SrcPort = float64(tl.SrcPort)
		features.DstPort = float64(tl.DstPort)
		features.PayloadSize = float64(len(tl.LayerPayload()))
	case *layers.UDP:
		features.Protocol = float64(layers.IPProtocolUDP)
		features.SrcPort = float64(tl.SrcPort)
		features.DstPort = float64(tl.DstPort)
		features.PayloadSize = float64(len(tl.LayerPayload()))
	}

	sample.ProtocolName = models.ProtocolName(uint8(features.Protocol))
	sample.Features = features
	return sample, true
}

// ExtractBytes decodes an Ethernet frame and extracts its features.
func (e *FeatureExtractor) ExtractBytes(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) (*models.PacketSample, bool) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	md := pkt.Metadata()
	md.CaptureInfo = ci
	return e.ExtractPacket(pkt)
}

// ipv6UpperLayer follows the IPv6 extension header chain and returns the
// upper-layer protocol number and the length of what follows the last header.
func ipv6UpperLayer(pkt gopacket.Packet, ip *layers.IPv6) (uint8, int) {
	proto := ip.NextHeader
	payload := len(ip.LayerPayload())

	for _, l := range pkt.Layers() {
		switch ext := l.(type) {
		case *layers.IPv6HopByHop:
			proto, payload = ext.NextHeader, len(ext.LayerPayload())
		case *layers.IPv6Routing:
			proto, payload = ext.NextHeader, len(ext.LayerPayload())
		case *layers.IPv6Fragment:
			proto, payload = ext.NextHeader, len(ext.LayerPayload())
		case *layers.IPv6Destination:
			proto, payload = ext.NextHeader, len(ext.LayerPayload())
		}
	}
	return uint8(proto), payload
}
