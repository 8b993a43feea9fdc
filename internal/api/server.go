// Package api exposes the flow classifier over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/metrics"
	"github.com/cvalentine99/nfa-bayes/internal/ml"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 1000

	// unmatchedRoute labels requests that hit no route.
	unmatchedRoute = "unmatched"
)

// Classifier is the subset of the classifier the API needs. Both
// *ml.FlowClassifier and *ml.ModelStore satisfy it.
type Classifier interface {
	Predict(features []float64) (*models.Prediction, error)
	Info() ml.ModelInfo
}

// Server serves the classification API.
type Server struct {
	classifier Classifier
	metrics    *metrics.Metrics
	logger     *logging.Logger
	router     chi.Router
}

// NewServer builds the router. m may be nil, in which case /metrics is not
// mounted.
func NewServer(c Classifier, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.APILogger()
	}
	s := &Server{
		classifier: c,
		metrics:    m,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/model", s.handleModel)
		r.Post("/classify", s.handleClassify)
		r.Post("/classify/batch", s.handleClassifyBatch)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

// ClassifyRequest is the body of POST /api/v1/classify.
type ClassifyRequest struct {
	Features  []float64 `json:"features"`
	SrcIP     string    `json:"src_ip,omitempty"`
	ProtoName string    `json:"proto_name,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// ClassifyResponse is the result of one classification.
type ClassifyResponse struct {
	ID         string       `json:"id"`
	Label      models.Label `json:"label"`
	Confidence float64      `json:"confidence"`
	Patterns   []string     `json:"patterns"`
	SrcIP      string       `json:"src_ip,omitempty"`
	ProtoName  string       `json:"proto_name,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// BatchRequest is the body of POST /api/v1/classify/batch.
type BatchRequest struct {
	Flows []ClassifyRequest `json:"flows"`
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	*ClassifyResponse
	Error string `json:"error,omitempty"`
}

// BatchResponse is the result of a batch classification.
type BatchResponse struct {
	Results []BatchItem `json:"results"`
	Summary *ml.Summary `json:"summary"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"fingerprint": s.classifier.Info().Fingerprint,
	})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.classifier.Info())
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.classify(&req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ml.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	if resp.Label == models.LabelMalicious {
		s.logger.Info("malicious flow reported",
			"id", resp.ID,
			"src_ip", req.SrcIP,
			"proto", req.ProtoName,
			"confidence", resp.Confidence,
		)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClassifyBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Flows) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("flows is empty"))
		return
	}
	if len(req.Flows) > maxBatchSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("at most %d flows per batch", maxBatchSize))
		return
	}

	out := BatchResponse{
		Results: make([]BatchItem, 0, len(req.Flows)),
		Summary: ml.NewSummary(),
	}
	for i := range req.Flows {
		resp, err := s.classify(&req.Flows[i])
		item := BatchItem{ClassifyResponse: resp}
		result := ml.BatchResult{}
		if err != nil {
			item.Error = err.Error()
			result.Err = err
		} else {
			result.Prediction = &models.Prediction{Label: resp.Label, Patterns: resp.Patterns}
		}
		out.Summary.Add(result)
		out.Results = append(out.Results, item)
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) classify(req *ClassifyRequest) (*ClassifyResponse, error) {
	pred, err := s.classifier.Predict(req.Features)
	if err != nil {
		return nil, err
	}

	patterns := pred.Patterns
	if patterns == nil {
		patterns = []string{}
	}
	return &ClassifyResponse{
		ID:         pred.ID,
		Label:      pred.Label,
		Confidence: pred.Confidence,
		Patterns:   patterns,
		SrcIP:      req.SrcIP,
		ProtoName:  req.ProtoName,
		Timestamp:  pred.Timestamp,
	}, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", logging.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug("request rejected", "status", status, logging.Err(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
