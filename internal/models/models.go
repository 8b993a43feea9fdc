// Package models defines the core data structures for NFA-Bayes.
// All timestamps use nanosecond precision for forensic accuracy.
package models

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Label is the verdict assigned to a flow. It is a closed two-value set.
type Label string

const (
	LabelMalicious Label = "malicious"
	LabelBenign    Label = "benign"
)

// Labels returns every label in a fixed order.
func Labels() []Label {
	return []Label{LabelMalicious, LabelBenign}
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	return l == LabelMalicious || l == LabelBenign
}

// ParseLabel converts a string into a Label.
func ParseLabel(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("models: unknown label %q", s)
	}
	return l, nil
}

// Severity grades a threat pattern.
type Severity string

const (
	SeverityMalicious  Severity = "malicious"
	SeveritySuspicious Severity = "suspicious"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s == SeverityMalicious || s == SeveritySuspicious
}

// Multiplier is the factor applied to the malicious score when a pattern
// of this severity fires.
func (s Severity) Multiplier() float64 {
	switch s {
	case SeverityMalicious:
		return 2.0
	case SeveritySuspicious:
		return 1.5
	default:
		return 1.0
	}
}

// Feature positions inside a flow feature vector.
const (
	FeatureProtocol = iota
	FeatureSize
	FeatureSrcPort
	FeatureDstPort
	FeaturePayloadSize

	// FeatureCount is the fixed arity of a feature vector.
	FeatureCount
)

// FeatureNames holds a printable name per feature position.
var FeatureNames = [FeatureCount]string{
	"protocol",
	"size",
	"src_port",
	"dst_port",
	"payload_size",
}

// FlowDescriptor is a network flow reduced to the five classifier features.
type FlowDescriptor struct {
	Protocol    float64 `json:"protocol"`
	Size        float64 `json:"size"`
	SrcPort     float64 `json:"src_port"`
	DstPort     float64 `json:"dst_port"`
	PayloadSize float64 `json:"payload_size"`
}

// ToSlice converts the descriptor to the ordered feature vector.
func (f FlowDescriptor) ToSlice() []float64 {
	return []float64{f.Protocol, f.Size, f.SrcPort, f.DstPort, f.PayloadSize}
}

// PacketSample is a decoded packet together with its feature vector.
type PacketSample struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	TimestampNano int64          `json:"timestamp_nano"`
	SrcIP         net.IP         `json:"src_ip,omitempty"`
	DstIP         net.IP         `json:"dst_ip,omitempty"`
	ProtocolName  string         `json:"protocol_name"`
	Features      FlowDescriptor `json:"features"`
}

// Prediction is the outcome of classifying one feature vector.
// MaliciousScore and BenignScore are the un-normalized class products after
// threat-pattern boosts.
type Prediction struct {
	ID             string    `json:"id"`
	Label          Label     `json:"label"`
	Confidence     float64   `json:"confidence"`
	MaliciousScore float64   `json:"malicious_score"`
	BenignScore    float64   `json:"benign_score"`
	Patterns       []string  `json:"patterns,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsMalicious is shorthand for p.Label == LabelMalicious.
func (p *Prediction) IsMalicious() bool {
	return p.Label == LabelMalicious
}

// protocolNames maps IP protocol numbers to display names.
var protocolNames = map[uint8]string{
	1:  "ICMP",
	6:  "TCP",
	17: "UDP",
	47: "GRE",
	58: "IPv6-ICMP",
}

// ProtocolName returns a display name for an IP protocol number.
func ProtocolName(proto uint8) string {
	if name, ok := protocolNames[proto]; ok {
		return name
	}
	return "Unknown"
}
