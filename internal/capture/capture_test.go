package capture

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/models"
	"github.com/cvalentine99/nfa-bayes/test/fixtures"
)

func testFrames() []fixtures.Frame {
	ff := fixtures.NewFrameFixture()
	return []fixtures.Frame{
		ff.TCPFrame("192.168.1.10", "10.0.0.1", 80, 80, fixtures.Payload(1446)),
		ff.ARPFrame(),
		ff.TCPFrame("192.168.1.10", "10.0.0.1", 80, 443, fixtures.Payload(10)),
		ff.UDPFrame("192.168.1.11", "10.0.0.2", 137, 138, fixtures.Payload(470)),
	}
}

func newTestReader(t *testing.T, cfg *Config) *Reader {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	r.SetLogger(logging.Discard())
	return r
}

type countingObserver struct {
	decoded, skipped int
}

func (o *countingObserver) ObservePacket(decoded bool) {
	if decoded {
		o.decoded++
	} else {
		o.skipped++
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{MaxPackets: -1})
	assert.Error(t, err)

	r, err := New(DefaultConfig("trace.pcap"))
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestReadFrom_PCAP(t *testing.T) {
	r := newTestReader(t, DefaultConfig(""))
	obs := &countingObserver{}
	r.SetObserver(obs)

	var samples []*models.PacketSample
	err := r.ReadFrom(context.Background(), bytes.NewReader(fixtures.PCAPBytes(testFrames()...)), func(s *models.PacketSample) error {
		samples = append(samples, s)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, samples, 3)
	assert.Equal(t, models.FlowDescriptor{Protocol: 6, Size: 1500, SrcPort: 80, DstPort: 80, PayloadSize: 1446}, samples[0].Features)
	assert.Equal(t, 443.0, samples[1].Features.DstPort)
	assert.Equal(t, "UDP", samples[2].ProtocolName)

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.PacketsRead)
	assert.Equal(t, uint64(3), stats.PacketsDecoded)
	assert.Equal(t, uint64(1), stats.PacketsSkipped)
	assert.False(t, stats.StartTime.IsZero())
	assert.False(t, stats.EndTime.Before(stats.StartTime))

	assert.Equal(t, 3, obs.decoded)
	assert.Equal(t, 1, obs.skipped)
}

func TestReadFrom_PCAPNG(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for _, f := range testFrames() {
		require.NoError(t, w.WritePacket(f.CaptureInfo(), f.Data))
	}
	require.NoError(t, w.Flush())

	r := newTestReader(t, DefaultConfig(""))
	count := 0
	err = r.ReadFrom(context.Background(), &buf, func(*models.PacketSample) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReadFrom_MaxPackets(t *testing.T) {
	r := newTestReader(t, &Config{MaxPackets: 2})

	count := 0
	err := r.ReadFrom(context.Background(), bytes.NewReader(fixtures.PCAPBytes(testFrames()...)), func(*models.PacketSample) error {
		count++
		return nil
	})
	require.NoError(t, err)

	// The second packet is ARP, so only one sample reaches the handler.
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(2), r.Stats().PacketsRead)
}

func TestReadFrom_HandlerStops(t *testing.T) {
	r := newTestReader(t, DefaultConfig(""))
	data := fixtures.PCAPBytes(testFrames()...)

	err := r.ReadFrom(context.Background(), bytes.NewReader(data), func(*models.PacketSample) error {
		return ErrStopped
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = r.ReadFrom(context.Background(), bytes.NewReader(data), func(*models.PacketSample) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestReadFrom_Cancelled(t *testing.T) {
	r := newTestReader(t, DefaultConfig(""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.ReadFrom(ctx, bytes.NewReader(fixtures.PCAPBytes(testFrames()...)), func(*models.PacketSample) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadFrom_Garbage(t *testing.T) {
	r := newTestReader(t, DefaultConfig(""))
	err := r.ReadFrom(context.Background(), bytes.NewReader([]byte("definitely not a capture file")), func(*models.PacketSample) error {
		return nil
	})
	assert.Error(t, err)
}

func TestRunAndSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	require.NoError(t, os.WriteFile(path, fixtures.PCAPBytes(testFrames()...), 0o600))

	r := newTestReader(t, DefaultConfig(path))
	samples, errc := r.Samples(context.Background())

	count := 0
	for range samples {
		count++
	}
	require.NoError(t, <-errc)
	assert.Equal(t, 3, count)

	missing := newTestReader(t, DefaultConfig(filepath.Join(t.TempDir(), "missing.pcap")))
	assert.Error(t, missing.Run(context.Background(), func(*models.PacketSample) error { return nil }))

	empty := newTestReader(t, DefaultConfig(""))
	assert.Error(t, empty.Run(context.Background(), func(*models.PacketSample) error { return nil }))
}
