package ml

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

func newTestClassifier(t *testing.T, cfg *ModelConfig) *FlowClassifier {
	t.Helper()
	c, err := NewFlowClassifier(cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewFlowClassifier failed: %v", err)
	}
	return c
}

func TestFlowClassifier_Priors(t *testing.T) {
	c := newTestClassifier(t, nil)

	// 9 malicious and 9 benign examples: (9+1)/(18+2)
	for _, l := range models.Labels() {
		if got := c.Prior(l); got != 0.5 {
			t.Errorf("Expected prior 0.5 for %s, got %f", l, got)
		}
	}

	cfg := &ModelConfig{Examples: []TrainingExample{
		{Label: models.LabelMalicious, Features: []float64{6, 1500, 80, 80, 1500}},
		{Label: models.LabelMalicious, Features: []float64{6, 1400, 80, 445, 1400}},
		{Label: models.LabelMalicious, Features: []float64{6, 1000, 80, 22, 1000}},
	}}
	c = newTestClassifier(t, cfg)
	if got := c.Prior(models.LabelMalicious); got != 0.8 {
		t.Errorf("Expected malicious prior 0.8, got %f", got)
	}
	if got := c.Prior(models.LabelBenign); got != 0.2 {
		t.Errorf("Expected benign prior 0.2, got %f", got)
	}
}

func TestFlowClassifier_Likelihood(t *testing.T) {
	c := newTestClassifier(t, nil)

	tests := []struct {
		name  string
		index int
		value float64
		label models.Label
		want  float64
	}{
		{"exact malicious size", models.FeatureSize, 1500, models.LabelMalicious, 2.0 / 11.0},
		{"within tolerance", models.FeatureSize, 1510, models.LabelMalicious, 2.0 / 11.0},
		{"just outside tolerance", models.FeatureSize, 1511, models.LabelMalicious, 1.0 / 11.0},
		{"benign small packets", models.FeatureSize, 64, models.LabelBenign, 10.0 / 11.0},
		{"no samples for feature", 7, 64, models.LabelBenign, 0.5},
		{"protocol tcp malicious", models.FeatureProtocol, 6, models.LabelMalicious, 9.0 / 11.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Likelihood(tt.index, tt.value, tt.label)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Expected likelihood %f, got %f", tt.want, got)
			}
		})
	}
}

func TestFlowClassifier_LikelihoodToleranceWindow(t *testing.T) {
	c := newTestClassifier(t, nil)

	near := c.Likelihood(models.FeatureSize, 1505, models.LabelMalicious)
	far := c.Likelihood(models.FeatureSize, 5000, models.LabelMalicious)
	if near <= far {
		t.Errorf("Expected value near a sample to score higher: near=%f far=%f", near, far)
	}

	// Moving away from 1500 never increases the score.
	prev := math.Inf(1)
	for d := 0.0; d <= 40; d++ {
		got := c.Likelihood(models.FeatureSize, 1500+d, models.LabelMalicious)
		if got > prev {
			t.Fatalf("Likelihood increased at distance %v: %f > %f", d, got, prev)
		}
		prev = got
	}
}

func TestFlowClassifier_KnownScenarios(t *testing.T) {
	c := newTestClassifier(t, nil)

	tests := []struct {
		name         string
		features     []float64
		wantLabel    models.Label
		wantConf     float64
		wantPatterns []string
	}{
		{
			name:         "large http flow",
			features:     []float64{6, 1500, 80, 80, 1500},
			wantLabel:    models.LabelMalicious,
			wantConf:     0.9358151476251604,
			wantPatterns: []string{"large_payload", "medium_payload", "common_attack_ports"},
		},
		{
			name:         "small https flow",
			features:     []float64{6, 64, 80, 443, 64},
			wantLabel:    models.LabelBenign,
			wantConf:     0.012004149582571757,
			wantPatterns: []string{"common_attack_ports"},
		},
		{
			name:         "ssh to rdp",
			features:     []float64{6, 500, 22, 3389, 500},
			wantLabel:    models.LabelMalicious,
			wantConf:     0.7826086956521741,
			wantPatterns: []string{"ssh_rdp"},
		},
		{
			name:         "netbios",
			features:     []float64{17, 512, 137, 138, 512},
			wantLabel:    models.LabelMalicious,
			wantConf:     0.9846153846153846,
			wantPatterns: []string{"netbios"},
		},
		{
			name:      "uncertain band resolved benign",
			features:  []float64{1, 0, 0, 0, 0},
			wantLabel: models.LabelBenign,
			wantConf:  0.47368421052631576,
		},
		{
			name:         "uncertain band resolved malicious",
			features:     []float64{6, 850, 80, 80, 850},
			wantLabel:    models.LabelMalicious,
			wantConf:     0.6457041629760851,
			wantPatterns: []string{"medium_payload", "common_attack_ports"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := c.Predict(tt.features)
			if err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if pred.Label != tt.wantLabel {
				t.Errorf("Expected label %s, got %s", tt.wantLabel, pred.Label)
			}
			if math.Abs(pred.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("Expected confidence %.12f, got %.12f", tt.wantConf, pred.Confidence)
			}
			if len(pred.Patterns) != len(tt.wantPatterns) {
				t.Fatalf("Expected patterns %v, got %v", tt.wantPatterns, pred.Patterns)
			}
			for i := range tt.wantPatterns {
				if pred.Patterns[i] != tt.wantPatterns[i] {
					t.Errorf("Expected pattern %d to be %s, got %s", i, tt.wantPatterns[i], pred.Patterns[i])
				}
			}
			if c.Confidence() != pred.Confidence {
				t.Errorf("Expected Confidence() %f to match prediction %f", c.Confidence(), pred.Confidence)
			}
		})
	}
}

func TestFlowClassifier_PortPatternSkewsMalicious(t *testing.T) {
	withPatterns := newTestClassifier(t, nil)

	cfg := DefaultModelConfig()
	cfg.Patterns = nil
	withoutPatterns := newTestClassifier(t, cfg)

	features := []float64{6, 500, 22, 3389, 500}

	boosted, err := withPatterns.Predict(features)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	plain, err := withoutPatterns.Predict(features)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if boosted.Confidence <= plain.Confidence {
		t.Errorf("Expected port boost to raise confidence: %f <= %f", boosted.Confidence, plain.Confidence)
	}
	if boosted.Confidence <= MaliciousThreshold {
		t.Errorf("Expected boosted confidence above %v, got %f", MaliciousThreshold, boosted.Confidence)
	}
	if math.Abs(boosted.MaliciousScore-2*plain.MaliciousScore) > 1e-15 {
		t.Errorf("Expected malicious score doubled, got %g vs %g", boosted.MaliciousScore, plain.MaliciousScore)
	}
}

func TestDecide_StrictThresholds(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		pMal, pBen float64
		want       models.Label
	}{
		{"above upper", 0.71, 0.1, 0.9, models.LabelMalicious},
		{"below lower", 0.29, 0.9, 0.1, models.LabelBenign},
		// Exactly on a threshold the raw scores decide.
		{"at upper, benign scores", 0.7, 0.1, 0.9, models.LabelBenign},
		{"at upper, malicious scores", 0.7, 0.7, 0.3, models.LabelMalicious},
		{"at lower, malicious scores", 0.3, 0.9, 0.1, models.LabelMalicious},
		{"at lower, benign scores", 0.3, 0.3, 0.7, models.LabelBenign},
		{"tie goes benign", 0.5, 0.2, 0.2, models.LabelBenign},
	}

	for _, tt := range tests {
		if got := decide(tt.confidence, tt.pMal, tt.pBen); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestCompiledPattern_SizeRuleIgnoresPorts(t *testing.T) {
	threshold := 1000.0
	p := compiledPattern{
		ThreatPattern: ThreatPattern{Name: "mixed", Severity: models.SeverityMalicious, Size: &threshold},
		ports:         map[float64]struct{}{22: {}, 3389: {}},
	}

	if p.matches([]float64{6, 500, 22, 3389, 500}) {
		t.Error("Size rule should not fall through to the port check")
	}
	if !p.matches([]float64{6, 500, 1, 2, 1000}) {
		t.Error("Size rule should fire at the threshold")
	}
}

func TestCompiledPattern_PortRuleNeedsBothPorts(t *testing.T) {
	c := newTestClassifier(t, nil)

	var ssh *compiledPattern
	for i := range c.patterns {
		if c.patterns[i].Name == "ssh_rdp" {
			ssh = &c.patterns[i]
		}
	}
	if ssh == nil {
		t.Fatal("Expected ssh_rdp pattern")
	}

	if !ssh.matches([]float64{6, 0, 3389, 22, 0}) {
		t.Error("Expected match with ports swapped")
	}
	if !ssh.matches([]float64{6, 0, 22, 22, 0}) {
		t.Error("Expected match with the same port on both ends")
	}
	if ssh.matches([]float64{6, 0, 22, 80, 0}) {
		t.Error("Expected no match with one port outside the set")
	}
}

func TestFlowClassifier_InvalidInput(t *testing.T) {
	c := newTestClassifier(t, nil)

	inputs := [][]float64{
		nil,
		{6, 64, 80, 443},
		{6, 64, 80, 443, 64, 1},
		{6, math.NaN(), 80, 443, 64},
		{6, 64, 80, 443, math.Inf(1)},
	}

	for _, in := range inputs {
		pred, err := c.Predict(in)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput for %v, got %v", in, err)
		}
		if pred != nil {
			t.Errorf("Expected nil prediction for %v", in)
		}
	}

	if c.Confidence() != 0 {
		t.Errorf("Expected confidence untouched by invalid input, got %f", c.Confidence())
	}
	if stats := c.GetStatistics(); stats.InvalidCount != int64(len(inputs)) {
		t.Errorf("Expected %d invalid inputs, got %d", len(inputs), stats.InvalidCount)
	}
}

func TestFlowClassifier_ConfidenceAccessor(t *testing.T) {
	c := newTestClassifier(t, nil)

	if c.Confidence() != 0 {
		t.Errorf("Expected 0 before first prediction, got %f", c.Confidence())
	}

	first, err := c.Predict([]float64{6, 1500, 80, 80, 1500})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	c.Reset()
	if c.Confidence() != 0 {
		t.Errorf("Expected 0 after Reset, got %f", c.Confidence())
	}

	second, err := c.Predict([]float64{6, 1500, 80, 80, 1500})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if first.Label != second.Label || first.Confidence != second.Confidence {
		t.Errorf("Expected deterministic result, got %v/%f and %v/%f",
			first.Label, first.Confidence, second.Label, second.Confidence)
	}
	if first.ID == second.ID {
		t.Error("Expected distinct prediction IDs")
	}
}

func TestFlowClassifier_OutputRange(t *testing.T) {
	c := newTestClassifier(t, nil)

	for proto := 0.0; proto <= 17; proto += 17 {
		for size := 0.0; size <= 2000; size += 125 {
			for _, ports := range [][2]float64{{80, 80}, {22, 3389}, {137, 138}, {40000, 443}} {
				pred, err := c.Predict([]float64{proto, size, ports[0], ports[1], size})
				if err != nil {
					t.Fatalf("Predict failed: %v", err)
				}
				if !pred.Label.Valid() {
					t.Fatalf("Unexpected label %q", pred.Label)
				}
				if pred.Confidence < 0 || pred.Confidence > 1 {
					t.Fatalf("Confidence %f out of range", pred.Confidence)
				}
			}
		}
	}
}

func TestFlowClassifier_ConcurrentPredict(t *testing.T) {
	c := newTestClassifier(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := c.Predict([]float64{6, 64, 80, 443, 64}); err != nil {
					t.Errorf("Predict failed: %v", err)
					return
				}
				_ = c.Confidence()
			}
		}()
	}
	wg.Wait()

	stats := c.GetStatistics()
	if stats.PredictionCount != 800 {
		t.Errorf("Expected 800 predictions, got %d", stats.PredictionCount)
	}
	if stats.BenignCount != 800 {
		t.Errorf("Expected 800 benign predictions, got %d", stats.BenignCount)
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	predictions []*models.Prediction
	invalid     int
}

func (o *recordingObserver) ObservePrediction(p *models.Prediction, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.predictions = append(o.predictions, p)
}

func (o *recordingObserver) ObserveInvalidInput() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalid++
}

func TestFlowClassifier_Observer(t *testing.T) {
	obs := &recordingObserver{}
	c, err := NewFlowClassifier(nil, WithLogger(logging.Discard()), WithObserver(obs))
	if err != nil {
		t.Fatalf("NewFlowClassifier failed: %v", err)
	}

	if _, err := c.PredictFlow(models.FlowDescriptor{Protocol: 6, Size: 64, SrcPort: 80, DstPort: 443, PayloadSize: 64}); err != nil {
		t.Fatalf("PredictFlow failed: %v", err)
	}
	_, _ = c.Predict([]float64{1})

	if len(obs.predictions) != 1 || obs.predictions[0].Label != models.LabelBenign {
		t.Errorf("Expected one benign observation, got %v", obs.predictions)
	}
	if obs.invalid != 1 {
		t.Errorf("Expected one invalid observation, got %d", obs.invalid)
	}
}

func TestNewFlowClassifier_InvalidModel(t *testing.T) {
	threshold := 10.0

	tests := []struct {
		name string
		cfg  *ModelConfig
	}{
		{"no examples", &ModelConfig{}},
		{"bad label", &ModelConfig{Examples: []TrainingExample{{Label: "evil", Features: []float64{1, 2, 3, 4, 5}}}}},
		{"short example", &ModelConfig{Examples: []TrainingExample{{Label: models.LabelBenign, Features: []float64{1, 2}}}}},
		{"pattern with both keys", &ModelConfig{
			Examples: DefaultModelConfig().Examples,
			Patterns: []ThreatPattern{{Name: "x", Severity: models.SeverityMalicious, Size: &threshold, Ports: []float64{22}}},
		}},
		{"pattern with neither key", &ModelConfig{
			Examples: DefaultModelConfig().Examples,
			Patterns: []ThreatPattern{{Name: "x", Severity: models.SeverityMalicious}},
		}},
		{"pattern with bad severity", &ModelConfig{
			Examples: DefaultModelConfig().Examples,
			Patterns: []ThreatPattern{SizePattern("x", 10, "critical")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFlowClassifier(tt.cfg, WithLogger(logging.Discard()))
			if !errors.Is(err, ErrInvalidModel) {
				t.Errorf("Expected ErrInvalidModel, got %v", err)
			}
		})
	}
}

func TestFlowClassifier_Info(t *testing.T) {
	c := newTestClassifier(t, nil)
	info := c.Info()

	if info.Version != "builtin-1" {
		t.Errorf("Expected version builtin-1, got %s", info.Version)
	}
	if info.Examples[models.LabelMalicious] != 9 || info.Examples[models.LabelBenign] != 9 {
		t.Errorf("Expected 9/9 examples, got %v", info.Examples)
	}
	if len(info.Patterns) != 6 {
		t.Errorf("Expected 6 patterns, got %d", len(info.Patterns))
	}
	if info.Tolerance != Tolerance {
		t.Errorf("Expected tolerance %v, got %v", Tolerance, info.Tolerance)
	}
	if len(info.Fingerprint) != 64 {
		t.Errorf("Expected 64 hex chars, got %q", info.Fingerprint)
	}
}

func TestPredictDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&logging.Config{Level: logging.LevelInfo, Output: &buf, Format: "text"})

	c, err := NewFlowClassifier(nil, WithLogger(logger))
	if err != nil {
		t.Fatalf("NewFlowClassifier failed: %v", err)
	}

	if _, err := c.Predict([]float64{6, 1500, 80, 80, 1500}); err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if strings.Contains(buf.String(), "flow classified") {
		t.Errorf("Expected no debug output at info level, got %q", buf.String())
	}

	logger.SetLevel(logging.LevelDebug)
	if _, err := c.Predict([]float64{6, 1500, 80, 80, 1500}); err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "flow classified") || !strings.Contains(out, "features.f0=6") {
		t.Errorf("Expected debug entry with features, got %q", out)
	}
}
