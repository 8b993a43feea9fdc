package capture

import (
	"bytes"
	"context"
	"testing"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/models"
	"github.com/cvalentine99/nfa-bayes/test/fixtures"
)

// FuzzReadFrom fuzzes capture decoding with malformed files.
func FuzzReadFrom(f *testing.F) {
	f.Add(fixtures.PCAPBytes(testFrames()...))
	f.Add(fixtures.PCAPBytes())
	f.Add([]byte{0x0a, 0x0d, 0x0d, 0x0a})
	f.Add([]byte{0xd4, 0xc3, 0xb2, 0xa1, 0x02, 0x00, 0x04, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		r, err := New(&Config{MaxPackets: 64})
		if err != nil {
			t.Fatal(err)
		}
		r.SetLogger(logging.Discard())

		_ = r.ReadFrom(context.Background(), bytes.NewReader(data), func(s *models.PacketSample) error {
			if s.Features.Size < 0 || s.Features.PayloadSize < 0 {
				t.Fatalf("negative sizes in %+v", s.Features)
			}
			return nil
		})
	})
}
