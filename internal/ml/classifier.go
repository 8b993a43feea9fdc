// Package ml provides the flow classifier for network forensics.
//
// The classifier is a naive-Bayes style model over five flow features. Its
// per-feature likelihood is not a parametric density: it is the smoothed share
// of training values of the class lying within Tolerance of the query value.
// Heuristic threat patterns then multiply the malicious score.
package ml

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

const (
	// Tolerance is the absolute distance within which a training value
	// counts as a match for the query value.
	Tolerance = 10.0

	// MaliciousThreshold and BenignThreshold bound the confident bands.
	// Confidence strictly above MaliciousThreshold is malicious, strictly
	// below BenignThreshold is benign; anything between falls back to
	// comparing the raw class scores.
	MaliciousThreshold = 0.7
	BenignThreshold    = 0.3
)

// PredictionObserver receives every prediction. The metrics package
// implements it.
type PredictionObserver interface {
	ObservePrediction(p *models.Prediction, latency time.Duration)
	ObserveInvalidInput()
}

// compiledPattern is a ThreatPattern with its port list turned into a set.
type compiledPattern struct {
	ThreatPattern
	ports map[float64]struct{}
}

func (p *compiledPattern) matches(features []float64) bool {
	if p.Size != nil {
		return features[models.FeaturePayloadSize] >= *p.Size
	}
	if len(p.ports) > 0 {
		_, src := p.ports[features[models.FeatureSrcPort]]
		_, dst := p.ports[features[models.FeatureDstPort]]
		return src && dst
	}
	return false
}

// FlowClassifier labels flow feature vectors as malicious or benign.
// Trained parameters are immutable after construction; Predict is safe for
// concurrent use.
type FlowClassifier struct {
	config   *ModelConfig
	patterns []compiledPattern

	// priors holds the Laplace-smoothed class priors.
	priors map[models.Label]float64

	// samples[featureIndex][label] lists raw training values.
	samples map[int]map[models.Label][]float64

	classCounts map[models.Label]int
	fingerprint string

	logger   *logging.Logger
	observer PredictionObserver

	// lastConfidence holds math.Float64bits of the latest confidence.
	lastConfidence atomic.Uint64

	predictionCount   atomic.Int64
	maliciousCount    atomic.Int64
	benignCount       atomic.Int64
	invalidCount      atomic.Int64
	totalLatencyNanos atomic.Int64
}

// Option customizes a FlowClassifier.
type Option func(*FlowClassifier)

// WithLogger sets the logger used for per-prediction debug output.
func WithLogger(l *logging.Logger) Option {
	return func(c *FlowClassifier) {
		c.logger = l
	}
}

// WithObserver attaches a PredictionObserver.
func WithObserver(o PredictionObserver) Option {
	return func(c *FlowClassifier) {
		c.observer = o
	}
}

// NewFlowClassifier trains a classifier from cfg. A nil cfg uses
// DefaultModelConfig.
func NewFlowClassifier(cfg *ModelConfig, opts ...Option) (*FlowClassifier, error) {
	if cfg == nil {
		cfg = DefaultModelConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &FlowClassifier{
		config:      cfg,
		priors:      make(map[models.Label]float64),
		samples:     make(map[int]map[models.Label][]float64),
		classCounts: make(map[models.Label]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.MLLogger()
	}

	c.compilePatterns()
	c.calculatePriors()
	c.collectSamples()
	c.fingerprint = Fingerprint(cfg)

	c.logger.Info("classifier trained",
		"version", cfg.Version,
		"examples", len(cfg.Examples),
		"patterns", len(cfg.Patterns),
		"fingerprint", c.fingerprint,
	)

	return c, nil
}

// NewDefaultClassifier returns a classifier over the built-in model.
func NewDefaultClassifier(opts ...Option) *FlowClassifier {
	c, err := NewFlowClassifier(DefaultModelConfig(), opts...)
	if err != nil {
		panic(fmt.Sprintf("ml: built-in model is invalid: %v", err))
	}
	return c
}

func (c *FlowClassifier) compilePatterns() {
	c.patterns = make([]compiledPattern, 0, len(c.config.Patterns))
	for _, p := range c.config.Patterns {
		cp := compiledPattern{ThreatPattern: p}
		if len(p.Ports) > 0 {
			cp.ports = make(map[float64]struct{}, len(p.Ports))
			for _, port := range p.Ports {
				cp.ports[port] = struct{}{}
			}
		}
		c.patterns = append(c.patterns, cp)
	}
}

// calculatePriors applies add-one smoothing over the closed label set.
func (c *FlowClassifier) calculatePriors() {
	for _, ex := range c.config.Examples {
		c.classCounts[ex.Label]++
	}

	labels := models.Labels()
	total := float64(len(c.config.Examples) + len(labels))
	for _, l := range labels {
		c.priors[l] = float64(c.classCounts[l]+1) / total
	}
}

func (c *FlowClassifier) collectSamples() {
	for _, ex := range c.config.Examples {
		for idx, v := range ex.Features {
			byLabel, ok := c.samples[idx]
			if !ok {
				byLabel = make(map[models.Label][]float64, 2)
				c.samples[idx] = byLabel
			}
			byLabel[ex.Label] = append(byLabel[ex.Label], v)
		}
	}
}

// Prior returns the smoothed prior probability of label.
func (c *FlowClassifier) Prior(label models.Label) float64 {
	return c.priors[label]
}

// Likelihood returns (matches+1)/(count+2) where count is the number of
// training values for the feature and label, and matches is how many of
// them lie within Tolerance of value. With no training values it is 1/2.
func (c *FlowClassifier) Likelihood(featureIndex int, value float64, label models.Label) float64 {
	values := c.samples[featureIndex][label]

	matches := 0
	for _, v := range values {
		if math.Abs(v-value) <= Tolerance {
			matches++
		}
	}

	return float64(matches+1) / float64(len(values)+2)
}

// Predict classifies a feature vector ordered as protocol, size, source
// port, destination port and payload size.
func (c *FlowClassifier) Predict(features []float64) (*models.Prediction, error) {
	start := time.Now()

	if err := validateFeatures(features); err != nil {
		c.invalidCount.Add(1)
		if c.observer != nil {
			c.observer.ObserveInvalidInput()
		}
		return nil, err
	}

	pMalicious := c.priors[models.LabelMalicious]
	pBenign := c.priors[models.LabelBenign]

	for idx, value := range features {
		if _, ok := c.samples[idx]; !ok {
			continue
		}
		pMalicious *= c.Likelihood(idx, value, models.LabelMalicious)
		pBenign *= c.Likelihood(idx, value, models.LabelBenign)
	}

	// Every pattern is evaluated; boosts stack.
	var fired []string
	for i := range c.patterns {
		p := &c.patterns[i]
		if p.matches(features) {
			pMalicious *= p.Severity.Multiplier()
			fired = append(fired, p.Name)
		}
	}

	confidence := pMalicious / (pMalicious + pBenign)
	c.lastConfidence.Store(math.Float64bits(confidence))

	pred := &models.Prediction{
		ID:             uuid.NewString(),
		Label:          decide(confidence, pMalicious, pBenign),
		Confidence:     confidence,
		MaliciousScore: pMalicious,
		BenignScore:    pBenign,
		Patterns:       fired,
		Timestamp:      time.Now(),
	}

	latency := time.Since(start)
	c.record(pred, latency)

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("flow classified",
			logging.Features(features),
			"label", pred.Label,
			"confidence", confidence,
			"patterns", fired,
		)
	}

	return pred, nil
}

// PredictFlow classifies a FlowDescriptor.
func (c *FlowClassifier) PredictFlow(flow models.FlowDescriptor) (*models.Prediction, error) {
	return c.Predict(flow.ToSlice())
}

// decide maps a confidence to a label. The thresholds are strict; the
// band between them is settled by the raw scores.
func decide(confidence, pMalicious, pBenign float64) models.Label {
	if confidence > MaliciousThreshold {
		return models.LabelMalicious
	}
	if confidence < BenignThreshold {
		return models.LabelBenign
	}
	if pMalicious > pBenign {
		return models.LabelMalicious
	}
	return models.LabelBenign
}

func (c *FlowClassifier) record(p *models.Prediction, latency time.Duration) {
	c.predictionCount.Add(1)
	c.totalLatencyNanos.Add(latency.Nanoseconds())
	if p.Label == models.LabelMalicious {
		c.maliciousCount.Add(1)
	} else {
		c.benignCount.Add(1)
	}
	if c.observer != nil {
		c.observer.ObservePrediction(p, latency)
	}
}

// Confidence returns the confidence of the most recent prediction, or 0
// before the first one. Under concurrent use it is whichever prediction
// finished last; use Prediction.Confidence instead.
func (c *FlowClassifier) Confidence() float64 {
	return math.Float64frombits(c.lastConfidence.Load())
}

// Reset clears the last confidence back to 0.
func (c *FlowClassifier) Reset() {
	c.lastConfidence.Store(0)
}

func validateFeatures(features []float64) error {
	if len(features) != models.FeatureCount {
		return fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, models.FeatureCount, len(features))
	}
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %s is not a finite number", ErrInvalidInput, models.FeatureNames[i])
		}
	}
	return nil
}

// ClassifierStats holds classifier statistics
type ClassifierStats struct {
	PredictionCount int64
	MaliciousCount  int64
	BenignCount     int64
	InvalidCount    int64
	TotalLatency    time.Duration
	AverageLatency  time.Duration
}

// GetStatistics returns classification statistics
func (c *FlowClassifier) GetStatistics() ClassifierStats {
	count := c.predictionCount.Load()
	totalLatency := time.Duration(c.totalLatencyNanos.Load())

	var avgLatency time.Duration
	if count > 0 {
		avgLatency = totalLatency / time.Duration(count)
	}

	return ClassifierStats{
		PredictionCount: count,
		MaliciousCount:  c.maliciousCount.Load(),
		BenignCount:     c.benignCount.Load(),
		InvalidCount:    c.invalidCount.Load(),
		TotalLatency:    totalLatency,
		AverageLatency:  avgLatency,
	}
}

// ModelInfo describes the trained model.
type ModelInfo struct {
	Version     string                   `json:"version"`
	Fingerprint string                   `json:"fingerprint"`
	Examples    map[models.Label]int     `json:"examples"`
	Priors      map[models.Label]float64 `json:"priors"`
	Patterns    []ThreatPattern          `json:"patterns"`
	Tolerance   float64                  `json:"tolerance"`
}

// Info returns a description of the trained model.
func (c *FlowClassifier) Info() ModelInfo {
	examples := make(map[models.Label]int, len(c.classCounts))
	priors := make(map[models.Label]float64, len(c.priors))
	for _, l := range models.Labels() {
		examples[l] = c.classCounts[l]
		priors[l] = c.priors[l]
	}

	patterns := make([]ThreatPattern, len(c.config.Patterns))
	copy(patterns, c.config.Patterns)

	return ModelInfo{
		Version:     c.config.Version,
		Fingerprint: c.fingerprint,
		Examples:    examples,
		Priors:      priors,
		Patterns:    patterns,
		Tolerance:   Tolerance,
	}
}
