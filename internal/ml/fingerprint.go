package ml

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/zeebo/blake3"
)

// fingerprintContext separates model fingerprints from other BLAKE3 uses.
const fingerprintContext = "nfa-bayes 2026 model fingerprint v1"

// Fingerprint returns a hex BLAKE3 digest identifying the training material
// of cfg. Two configs with the same examples and patterns, in the same
// order, share a fingerprint regardless of Version.
func Fingerprint(cfg *ModelConfig) string {
	hasher := blake3.NewDeriveKey(fingerprintContext)

	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		hasher.Write(buf[:])
	}
	writeString := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		hasher.Write(buf[:])
		hasher.Write([]byte(s))
	}

	for _, ex := range cfg.Examples {
		writeString(string(ex.Label))
		writeFloat(float64(len(ex.Features)))
		for _, v := range ex.Features {
			writeFloat(v)
		}
	}

	writeString("patterns")
	for _, p := range cfg.Patterns {
		writeString(p.Name)
		writeString(string(p.Severity))
		if p.Size != nil {
			writeString("size")
			writeFloat(*p.Size)
			continue
		}
		writeString("ports")
		writeFloat(float64(len(p.Ports)))
		for _, port := range p.Ports {
			writeFloat(port)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil))
}
