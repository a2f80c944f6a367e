package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

type JobKind string

const JOB_SERVICE_RETRY JobKind = "service_retry"
const JOB_SERVICE_REDISPATCH JobKind = "service_redispatch"

// Job is a deferred callback into the engine.
type Job struct {
	Kind       JobKind `json:"kind"`
	InstanceId string  `json:"instanceId"`
	BranchId   string  `json:"branchId"`
	NodeId     string  `json:"nodeId"`
	RequestId  string  `json:"requestId"`
	Attempt    int     `json:"attempt"`
	// Failures counts handler errors; the job is pushed back until it runs.
	Failures int `json:"failures,omitempty"`
}

// MaxRequeueDelay caps the delay before a failed job runs again.
const MaxRequeueDelay = time.Minute

// Queue stores jobs by partition ordered by due time.
type Queue interface {
	Push(ctx context.Context, partition int, job Job, at time.Time) error
	// PopDue removes and returns the jobs of partition due at or before now.
	PopDue(ctx context.Context, partition int, now time.Time) ([]Job, error)
	Close() error
}

type Handler func(ctx context.Context, job Job) error

type Scheduler struct {
	queue    Queue
	ring     *cluster.Ring
	interval time.Duration
	now      func() time.Time
	handler  Handler
	workers  []*util.TickWorker
	mu       sync.Mutex
}

func NewScheduler(queue Queue, ring *cluster.Ring, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Scheduler{
		queue:    queue,
		ring:     ring,
		interval: pollInterval,
		now:      time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule queues job to run at the given time on the partition owning its
// instance.
func (s *Scheduler) Schedule(ctx context.Context, job Job, at time.Time) error {
	partition := s.ring.GetPartition(job.InstanceId)
	if err := s.queue.Push(ctx, partition, job, at); err != nil {
		logger.Error("error scheduling job", zap.String("kind", string(job.Kind)), zap.String("instance", job.InstanceId), zap.Error(err))
		return err
	}
	logger.Debug("job scheduled", zap.String("kind", string(job.Kind)), zap.String("instance", job.InstanceId),
		zap.Int("partition", partition), zap.Time("at", at))
	return nil
}

func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Poll runs every due job of the local partitions and returns how many ran.
func (s *Scheduler) Poll(ctx context.Context) int {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return 0
	}
	n := 0
	now := s.now()
	for _, partition := range s.ring.LocalPartitions() {
		jobs, err := s.queue.PopDue(ctx, partition, now)
		if err != nil {
			logger.Error("error polling scheduler partition", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			n++
			if err := handler(ctx, job); err != nil {
				s.requeue(ctx, partition, job, now, err)
			}
		}
	}
	return n
}

// requeue pushes a failed job back with exponential delay. Errors wrapped
// with backoff.Permanent drop the job.
func (s *Scheduler) requeue(ctx context.Context, partition int, job Job, now time.Time, err error) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		logger.Error("dropping scheduled job", zap.String("kind", string(job.Kind)),
			zap.String("instance", job.InstanceId), zap.Error(err))
		return
	}
	job.Failures++
	at := now.Add(s.requeueDelay(job.Failures))
	logger.Warn("scheduled job failed, pushing it back", zap.String("kind", string(job.Kind)),
		zap.String("instance", job.InstanceId), zap.Int("failures", job.Failures), zap.Time("at", at), zap.Error(err))
	if perr := s.queue.Push(ctx, partition, job, at); perr != nil {
		logger.Error("error pushing back scheduled job", zap.String("kind", string(job.Kind)),
			zap.String("instance", job.InstanceId), zap.Error(perr))
	}
}

func (s *Scheduler) requeueDelay(failures int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: s.interval,
		Multiplier:      2,
		MaxInterval:     MaxRequeueDelay,
		Clock:           backoff.SystemClock,
	}
	b.Reset()
	d := s.interval
	for i := 0; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Every registers fn to run periodically once the scheduler starts.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(), wg *sync.WaitGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, util.NewTickWorker(name, interval, fn, wg))
}

func (s *Scheduler) Start(wg *sync.WaitGroup) {
	s.mu.Lock()
	s.workers = append(s.workers, util.NewTickWorker("scheduler", s.interval, func() {
		s.Poll(context.Background())
	}, wg))
	workers := s.workers
	s.mu.Unlock()
	for _, w := range workers {
		w.Start()
	}
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		w.Stop()
	}
	return s.queue.Close()
}
