package util

import (
	"errors"
	"sync"

	"github.com/mohitkumar/caseflow/logger"
	"go.uber.org/zap"
)

var ErrWorkerStopped = errors.New("worker stopped")

// Worker runs a handler over submitted jobs on a fixed number of goroutines.
type Worker[J any] struct {
	name        string
	concurrency int
	handler     func(J) error
	jobs        chan J
	stop        chan struct{}
	once        sync.Once
	wg          *sync.WaitGroup
}

func NewWorker[J any](name string, concurrency int, capacity int, handler func(J) error, wg *sync.WaitGroup) *Worker[J] {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker[J]{
		name:        name,
		concurrency: concurrency,
		handler:     handler,
		jobs:        make(chan J, capacity),
		stop:        make(chan struct{}),
		wg:          wg,
	}
}

func (w *Worker[J]) Start() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				select {
				case job := <-w.jobs:
					if err := w.handler(job); err != nil {
						logger.Error("error executing job in worker", zap.String("worker", w.name), zap.Error(err))
					}
				case <-w.stop:
					return
				}
			}
		}()
	}
	logger.Info("worker started", zap.String("worker", w.name), zap.Int("concurrency", w.concurrency))
}

// Submit blocks while the queue is full and fails once the worker is stopped.
func (w *Worker[J]) Submit(job J) error {
	select {
	case <-w.stop:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.jobs <- job:
		return nil
	case <-w.stop:
		return ErrWorkerStopped
	}
}

func (w *Worker[J]) Stop() error {
	w.once.Do(func() {
		logger.Info("stopping worker", zap.String("worker", w.name))
		close(w.stop)
	})
	return nil
}
