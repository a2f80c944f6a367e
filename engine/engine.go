package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/coordinator"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/expression"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

const DEFAULT_MAX_RETRIES = 3

// FlowSource resolves compiled definitions.
type FlowSource interface {
	GetFlow(ctx context.Context, definitionId string) (*flow.Flow, error)
	GetActiveFlow(ctx context.Context, name string) (*flow.Flow, error)
}

type ServiceRegistry interface {
	GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error)
}

type Invoker interface {
	Invoke(ctx context.Context, call invocation.Call) (*model.ServiceExecutionResult, map[string]any, error)
}

var _ Invoker = new(invocation.Invoker)

type Engine struct {
	store       persistence.Store
	flows       FlowSource
	services    ServiceRegistry
	assigner    *assignment.Service
	invoker     Invoker
	scheduler   *scheduler.Scheduler
	publisher   events.Publisher
	evaluator   *expression.Evaluator
	coordinator *coordinator.Coordinator
	retryPolicy invocation.RetryPolicy
	maxRetries  int
	now         func() time.Time
	locks       *instanceLocks
	calls       *util.Worker[invocation.Call]
	mu          sync.RWMutex
}

func NewEngine(store persistence.Store, flows FlowSource, services ServiceRegistry, assigner *assignment.Service,
	invoker Invoker, sched *scheduler.Scheduler, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &Engine{
		store:       store,
		flows:       flows,
		services:    services,
		assigner:    assigner,
		invoker:     invoker,
		scheduler:   sched,
		publisher:   publisher,
		evaluator:   expression.NewEvaluator(time.Second),
		coordinator: coordinator.New(),
		retryPolicy: invocation.DefaultRetryPolicy(),
		maxRetries:  DEFAULT_MAX_RETRIES,
		now:         time.Now,
		locks:       newInstanceLocks(),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithRetryPolicy(policy invocation.RetryPolicy) *Engine {
	e.retryPolicy = policy
	return e
}

func (e *Engine) WithEvaluator(evaluator *expression.Evaluator) *Engine {
	e.evaluator = evaluator
	return e
}

// WithMaxRetries sets the retry budget of instances created without one.
func (e *Engine) WithMaxRetries(n int) *Engine {
	e.maxRetries = n
	return e
}

// Start registers the scheduler callback and starts the async call
// dispatcher. Without it async service calls wait for an external response.
func (e *Engine) Start(concurrency int, wg *sync.WaitGroup) {
	e.scheduler.SetHandler(e.handleJob)
	w := util.NewWorker("service-dispatcher", concurrency, 1000, e.runCall, wg)
	w.Start()
	e.mu.Lock()
	e.calls = w
	e.mu.Unlock()
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	w := e.calls
	e.calls = nil
	e.mu.Unlock()
	if w != nil {
		return w.Stop()
	}
	return nil
}

func (e *Engine) dispatcher() *util.Worker[invocation.Call] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calls
}

// execute runs one dispatch step of an instance under its lock: load,
// apply fn, advance every runnable branch, commit. Events and follow-up
// work registered by the step run after the lock is released.
func (e *Engine) execute(ctx context.Context, instanceId string, fn func(s *step) error) (*model.WorkflowInstance, error) {
	unlock := e.locks.lock(instanceId)
	wi, err := e.store.GetInstance(ctx, instanceId)
	if err != nil {
		unlock()
		return nil, err
	}
	s, err := e.newStep(ctx, wi)
	if err != nil {
		unlock()
		return nil, err
	}
	return e.process(s, fn, unlock)
}

func (e *Engine) process(s *step, fn func(s *step) error, unlock func()) (*model.WorkflowInstance, error) {
	if fn != nil {
		if err := fn(s); err != nil {
			unlock()
			return nil, err
		}
	}
	if !s.skip {
		if err := s.run(); err != nil {
			unlock()
			return nil, err
		}
		s.settle()
		s.cs.Instances = append([]*model.WorkflowInstance{s.wi}, s.cs.Instances...)
		if err := e.store.Commit(s.ctx, s.cs); err != nil {
			unlock()
			logger.Error("error committing instance step", zap.String("instance", s.wi.Id), zap.Error(err))
			return nil, err
		}
	}
	unlock()
	s.finish()
	return s.wi, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.publisher.Publish(ctx, ev)
}

// instanceLocks serializes steps per instance. Entries are reference
// counted and dropped once nobody holds or waits for them.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

func (l *instanceLocks) lock(id string) func() {
	l.mu.Lock()
	il, ok := l.locks[id]
	if !ok {
		il = &instanceLock{}
		l.locks[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			il.mu.Unlock()
			l.mu.Lock()
			il.refs--
			if il.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
