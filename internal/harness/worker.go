package harness

import (
	"fmt"
	"sync"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
)

// Worker owns one live engine.Engine and rebuilds it on poisoning:
// the engine is replaced in place under the worker's mutex rather than
// tearing the worker itself down.
type Worker struct {
	mu       sync.Mutex
	factory  engine.Factory
	eng      engine.Engine
	logger   logging.Logger
	restarts int
	closed   bool
}

func NewWorker(factory engine.Factory, logger logging.Logger) (*Worker, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	w := &Worker{factory: factory, logger: logger}
	eng, err := factory()
	if err != nil {
		return nil, fmt.Errorf("building initial engine: %w", err)
	}
	w.eng = eng
	return w, nil
}

// Engine returns the currently live engine. Callers must re-fetch after
// every Poison call since the previous value may have been closed.
func (w *Worker) Engine() engine.Engine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eng
}

// Poison closes the current engine and rebuilds a fresh one from the
// worker's factory, incrementing the restart counter. Called when a pass
// observes one of the poisoning error kinds in internal/harness/errors.go.
func (w *Worker) Poison(reason error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("worker already closed")
	}
	w.logger.Warn("worker poisoned, rebuilding", "reason", reason)
	if w.eng != nil {
		_ = w.eng.Close()
	}
	fresh, err := w.factory()
	if err != nil {
		return fmt.Errorf("rebuilding engine after poison: %w", err)
	}
	w.eng = fresh
	w.restarts++
	return nil
}

// Restarts reports how many times this worker has been rebuilt.
func (w *Worker) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// Close releases the underlying engine. Idempotent.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.eng != nil {
		return w.eng.Close()
	}
	return nil
}

// Pool is a fixed set of Workers, one per concurrent job slot, used by
// RunManifest's jobs>1 fan-out.
type Pool struct {
	workers []*Worker
}

func NewPool(n int, factory engine.Factory, logger logging.Logger) (*Pool, error) {
	p := &Pool{workers: make([]*Worker, 0, n)}
	for i := 0; i < n; i++ {
		w, err := NewWorker(factory, logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("building worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Worker returns the worker assigned to slot i % len(workers).
func (p *Pool) Worker(i int) *Worker {
	return p.workers[i%len(p.workers)]
}

// Restarts sums the rebuild counts across the pool's workers.
func (p *Pool) Restarts() int {
	total := 0
	for _, w := range p.workers {
		total += w.Restarts()
	}
	return total
}

func (p *Pool) Close() {
	for _, w := range p.workers {
		_ = w.Close()
	}
}
