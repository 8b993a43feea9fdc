package ml

import (
	"context"
	"runtime"
	"sync"

	"github.com/cvalentine99/nfa-bayes/internal/models"
)

// =============================================================================
// Batch Classification
// =============================================================================

// BatchConfig holds configuration for batch classification.
type BatchConfig struct {
	// NumWorkers is the number of parallel classification workers
	NumWorkers int
	// QueueSize is the size of the result queue
	QueueSize int
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		NumWorkers: runtime.NumCPU(),
		QueueSize:  1000,
	}
}

// BatchResult pairs a sample with its prediction or error.
type BatchResult struct {
	Sample     *models.PacketSample
	Prediction *models.Prediction
	Err        error
}

// ClassifyStream classifies samples from in using a pool of workers. The
// returned channel is closed once in is drained or ctx is cancelled.
// Results are not ordered.
func (c *FlowClassifier) ClassifyStream(ctx context.Context, cfg *BatchConfig, in <-chan *models.PacketSample) <-chan BatchResult {
	if cfg == nil {
		cfg = DefaultBatchConfig()
	}
	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = 1
	}

	out := make(chan BatchResult, cfg.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sample, ok := <-in:
					if !ok {
						return
					}
					pred, err := c.PredictFlow(sample.Features)
					select {
					case out <- BatchResult{Sample: sample, Prediction: pred, Err: err}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// Summary aggregates batch results.
type Summary struct {
	Total       int            `json:"total"`
	Malicious   int            `json:"malicious"`
	Benign      int            `json:"benign"`
	Invalid     int            `json:"invalid"`
	PatternHits map[string]int `json:"pattern_hits"`
}

// NewSummary creates an empty summary.
func NewSummary() *Summary {
	return &Summary{PatternHits: make(map[string]int)}
}

// Add folds r into the summary.
func (s *Summary) Add(r BatchResult) {
	s.Total++
	if r.Err != nil || r.Prediction == nil {
		s.Invalid++
		return
	}
	switch r.Prediction.Label {
	case models.LabelMalicious:
		s.Malicious++
	case models.LabelBenign:
		s.Benign++
	}
	for _, name := range r.Prediction.Patterns {
		s.PatternHits[name]++
	}
}
