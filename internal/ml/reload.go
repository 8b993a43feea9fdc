package ml

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
	"github.com/cvalentine99/nfa-bayes/internal/models"
)

// =============================================================================
// Model Hot Reload
// =============================================================================

// reloadDebounce collapses bursts of file events into one reload.
const reloadDebounce = 100 * time.Millisecond

// ModelStore holds the active classifier and swaps it when the model file
// changes. A failed reload keeps the previous classifier.
type ModelStore struct {
	path    string
	opts    []Option
	current atomic.Pointer[FlowClassifier]
	logger  *logging.Logger

	mu       sync.Mutex
	onReload []func(*FlowClassifier)
	onError  []func(error)

	reloads atomic.Int64
	failed  atomic.Int64
}

// NewModelStore loads the model at path (or the built-in model when path
// is empty) and returns a store serving it.
func NewModelStore(path string, opts ...Option) (*ModelStore, error) {
	s := &ModelStore{
		path:   path,
		opts:   opts,
		logger: logging.MLLogger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Classifier returns the active classifier.
func (s *ModelStore) Classifier() *FlowClassifier {
	return s.current.Load()
}

// Predict classifies features with the active classifier.
func (s *ModelStore) Predict(features []float64) (*models.Prediction, error) {
	return s.current.Load().Predict(features)
}

// Info describes the active model.
func (s *ModelStore) Info() ModelInfo {
	return s.current.Load().Info()
}

// OnReload registers fn to run after every successful reload.
func (s *ModelStore) OnReload(fn func(*FlowClassifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// OnError registers fn to run after every failed reload.
func (s *ModelStore) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// Reload reads the model file again and swaps in a new classifier.
func (s *ModelStore) Reload() error {
	cfg, err := LoadModelConfig(s.path)
	if err == nil {
		var c *FlowClassifier
		c, err = NewFlowClassifier(cfg, s.opts...)
		if err == nil {
			prev := s.current.Swap(c)
			s.reloads.Add(1)
			if prev != nil {
				s.logger.Info("model reloaded", "path", s.path, "version", cfg.Version)
			}
			s.notifyReload(c)
			return nil
		}
	}

	s.failed.Add(1)
	if s.current.Load() != nil {
		s.logger.Warn("model reload failed, keeping previous model", "path", s.path, logging.Err(err))
	}
	s.notifyError(err)
	return err
}

func (s *ModelStore) notifyReload(c *FlowClassifier) {
	s.mu.Lock()
	fns := append([]func(*FlowClassifier){}, s.onReload...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *ModelStore) notifyError(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Watch reloads the model whenever its file is written or recreated. It
// blocks until ctx is cancelled.
func (s *ModelStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("ml: built-in model cannot be watched")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ml: create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("ml: watch %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			_ = s.Reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("model watcher error", logging.Err(err))
		}
	}
}

// ReloadStats reports reload counters.
type ReloadStats struct {
	Reloads int64
	Failed  int64
}

// Stats returns reload counters.
func (s *ModelStore) Stats() ReloadStats {
	return ReloadStats{
		Reloads: s.reloads.Load(),
		Failed:  s.failed.Load(),
	}
}
