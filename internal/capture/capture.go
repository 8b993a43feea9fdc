// Package capture provides PCAP file reading for offline classification.
// Both classic pcap and pcapng files are accepted.
package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/ml"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

// pcapngMagic is the block type of a pcapng section header.
const pcapngMagic = 0x0A0D0D0A

// ErrStopped is returned by a SampleHandler to end reading early without
// reporting an error.
var ErrStopped = errors.New("capture: stopped")

// Config holds the configuration for the pcap reader.
type Config struct {
	// PcapFile is the path to a pcap or pcapng file.
	PcapFile string

	// MaxPackets stops reading after this many packets. Zero means no limit.
	MaxPackets int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(path string) *Config {
	return &Config{PcapFile: path}
}

// SampleHandler is called for every packet carrying an IP layer.
type SampleHandler func(sample *models.PacketSample) error

// PacketObserver is notified of every packet read.
type PacketObserver interface {
	ObservePacket(decoded bool)
}

// Stats holds reading statistics.
type Stats struct {
	PacketsRead    uint64
	PacketsDecoded uint64
	PacketsSkipped uint64
	BytesRead      uint64
	StartTime      time.Time
	EndTime        time.Time
}

// Reader turns capture files into packet samples.
type Reader struct {
	config    *Config
	extractor *ml.FeatureExtractor
	observer  PacketObserver
	logger    *logging.Logger

	packetsRead    atomic.Uint64
	packetsDecoded atomic.Uint64
	packetsSkipped atomic.Uint64
	bytesRead      atomic.Uint64
	startTime      atomic.Int64
	endTime        atomic.Int64
}

// New creates a new pcap reader.
func New(cfg *Config) (*Reader, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}
	if cfg.MaxPackets < 0 {
		return nil, errors.New("capture: MaxPackets cannot be negative")
	}

	return &Reader{
		config:    cfg,
		extractor: ml.NewFeatureExtractor(),
		logger:    logging.CaptureLogger(),
	}, nil
}

// SetObserver attaches a PacketObserver.
func (r *Reader) SetObserver(o PacketObserver) {
	r.observer = o
}

// SetLogger replaces the reader's logger.
func (r *Reader) SetLogger(l *logging.Logger) {
	r.logger = l
}

// Run reads the configured file and calls handler for every IP packet.
func (r *Reader) Run(ctx context.Context, handler SampleHandler) error {
	if r.config.PcapFile == "" {
		return errors.New("capture: PCAP file path is required")
	}

	f, err := os.Open(r.config.PcapFile)
	if err != nil {
		return fmt.Errorf("capture: failed to open PCAP file: %w", err)
	}
	defer f.Close()

	return r.ReadFrom(ctx, f, handler)
}

// packetSource is satisfied by both pcapgo readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func openSource(src io.Reader) (packetSource, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture: read file header: %w", err)
	}

	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("capture: open pcapng: %w", err)
		}
		return ng, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("capture: open pcap: %w", err)
	}
	return pr, nil
}

// ReadFrom reads a capture stream from src and calls handler for every IP
// packet. It stops at end of stream, on ctx cancellation, after MaxPackets,
// or when handler returns an error. A handler returning ErrStopped ends
// reading with a nil error.
func (r *Reader) ReadFrom(ctx context.Context, src io.Reader, handler SampleHandler) error {
	source, err := openSource(src)
	if err != nil {
		return err
	}
	linkType := source.LinkType()

	r.startTime.Store(time.Now().UnixNano())
	defer func() { r.endTime.Store(time.Now().UnixNano()) }()

	done := logging.Timer(r.logger, "capture read finished", "file", r.config.PcapFile)
	defer done()

	var read int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.config.MaxPackets > 0 && read >= r.config.MaxPackets {
			return nil
		}

		data, ci, err := source.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture: read packet %d: %w", read+1, err)
		}
		read++

		r.packetsRead.Add(1)
		r.bytesRead.Add(uint64(ci.Length))

		sample, ok := r.extractor.ExtractBytes(data, ci, linkType)
		if r.observer != nil {
			r.observer.ObservePacket(ok)
		}
		if !ok {
			r.packetsSkipped.Add(1)
			continue
		}
		r.packetsDecoded.Add(1)

		if err := handler(sample); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Samples streams IP packet samples from the configured file. The samples
// channel is closed when reading ends; the error channel then yields the
// result of Run.
func (r *Reader) Samples(ctx context.Context) (<-chan *models.PacketSample, <-chan error) {
	out := make(chan *models.PacketSample, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		errc <- r.Run(ctx, func(s *models.PacketSample) error {
			select {
			case out <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return out, errc
}

// Stats returns current reading statistics.
func (r *Reader) Stats() Stats {
	s := Stats{
		PacketsRead:    r.packetsRead.Load(),
		PacketsDecoded: r.packetsDecoded.Load(),
		PacketsSkipped: r.packetsSkipped.Load(),
		BytesRead:      r.bytesRead.Load(),
	}
	if ns := r.startTime.Load(); ns != 0 {
		s.StartTime = time.Unix(0, ns)
	}
	if ns := r.endTime.Load(); ns != 0 {
		s.EndTime = time.Unix(0, ns)
	}
	return s
}
