// Package mocks provides mock implementations for testing NFA-Bayes components
package mocks

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/nfa-bayes/internal/ml"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

// =============================================================================
// Mock Classifier
// =============================================================================

// MockClassifier returns canned predictions and records every call.
type MockClassifier struct {
	mu         sync.Mutex
	prediction *models.Prediction
	err        error
	info       ml.ModelInfo
	calls      [][]float64
}

// NewMockClassifier creates a mock that answers benign with zero confidence.
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{
		prediction: &models.Prediction{Label: models.LabelBenign},
		info: ml.ModelInfo{
			Version:     "mock",
			Fingerprint: "0000",
			Tolerance:   ml.Tolerance,
		},
	}
}

// SetPrediction sets the prediction returned by Predict.
func (m *MockClassifier) SetPrediction(p *models.Prediction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prediction = p
}

// SetError makes Predict fail with err.
func (m *MockClassifier) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetInfo sets the value returned by Info.
func (m *MockClassifier) SetInfo(info ml.ModelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// Predict returns a copy of the configured prediction.
func (m *MockClassifier) Predict(features []float64) (*models.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]float64(nil), features...))
	if m.err != nil {
		return nil, m.err
	}

	p := *m.prediction
	p.ID = uuid.New().String()
	p.Timestamp = time.Now()
	return &p, nil
}

// Info returns the configured model info.
func (m *MockClassifier) Info() ml.ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Calls returns the feature vectors Predict was called with.
func (m *MockClassifier) Calls() [][]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]float64, len(m.calls))
	copy(out, m.calls)
	return out
}

// =============================================================================
// Mock Observer
// =============================================================================

// MockObserver counts classifier and capture events.
type MockObserver struct {
	mu            sync.Mutex
	Predictions   map[models.Label]int
	InvalidInputs int
	Decoded       int
	Skipped       int
}

// NewMockObserver creates an empty observer.
func NewMockObserver() *MockObserver {
	return &MockObserver{Predictions: make(map[models.Label]int)}
}

// ObservePrediction implements ml.PredictionObserver.
func (o *MockObserver) ObservePrediction(p *models.Prediction, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Predictions[p.Label]++
}

// ObserveInvalidInput implements ml.PredictionObserver.
func (o *MockObserver) ObserveInvalidInput() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.InvalidInputs++
}

// ObservePacket implements capture.PacketObserver.
func (o *MockObserver) ObservePacket(decoded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if decoded {
		o.Decoded++
	} else {
		o.Skipped++
	}
}

// Count returns the number of predictions observed with label l.
func (o *MockObserver) Count(l models.Label) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Predictions[l]
}
