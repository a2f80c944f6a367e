package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/analytics"
	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/mohitkumar/caseflow/config"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/engine"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/expression"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/metadata"
	"github.com/mohitkumar/caseflow/persistence"
	badgerstore "github.com/mohitkumar/caseflow/persistence/badger"
	"github.com/mohitkumar/caseflow/persistence/memory"
	"github.com/mohitkumar/caseflow/persistence/postgres"
	redisstore "github.com/mohitkumar/caseflow/persistence/redis"
	"github.com/mohitkumar/caseflow/rest"
	"github.com/mohitkumar/caseflow/rpc"
	"github.com/mohitkumar/caseflow/scheduler"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type Agent struct {
	Config       config.Config
	store        persistence.Store
	redisClient  rd.UniversalClient
	metadata     *metadata.MetadataServiceImpl
	directory    *directory.MemoryDirectory
	ring         *cluster.Ring
	scheduler    *scheduler.Scheduler
	broker       *events.Broker
	publisher    events.Publisher
	collector    events.Publisher
	engine       *engine.Engine
	httpServer   *rest.Server
	grpcServer   *grpc.Server
	ctx          context.Context
	cancel       context.CancelFunc
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(config config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		Config:    config,
		ctx:       ctx,
		cancel:    cancel,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupLogger,
		a.setupRedis,
		a.setupStore,
		a.setupMetadata,
		a.setupDirectory,
		a.setupScheduler,
		a.setupEvents,
		a.setupEngine,
		a.setupHttpServer,
		a.setupGrpcServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			cancel()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	if a.Config.LogLevel == "" {
		return nil
	}
	return logger.Init(a.Config.LogLevel, a.Config.Development)
}

func (a *Agent) setupRedis() error {
	if !a.Config.NeedsRedis() {
		return nil
	}
	rc := a.Config.RedisConfig
	a.redisClient = rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    rc.Addrs,
		Password: rc.Password,
		PoolSize: rc.PoolSize,
	})
	if err := a.redisClient.Ping(a.ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return nil
}

func (a *Agent) setupStore() error {
	var err error
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		rc := a.Config.RedisConfig
		a.store = redisstore.NewRedisStore(redisstore.NewBaseDao(redisstore.Config{
			Addrs:     rc.Addrs,
			Namespace: rc.Namespace,
			PoolSize:  rc.PoolSize,
			Password:  rc.Password,
		}))
	case config.STORAGE_TYPE_POSTGRES:
		pc := a.Config.PostgresConfig
		a.store, err = postgres.Connect(a.ctx, postgres.Config{URL: pc.URL, MaxConns: pc.MaxConns})
	case config.STORAGE_TYPE_BADGER:
		bc := a.Config.BadgerConfig
		a.store, err = badgerstore.Open(badgerstore.Config{Dir: bc.Dir, InMemory: bc.InMemory})
	default:
		a.store = memory.NewStore()
	}
	if err != nil {
		return err
	}
	logger.Info("storage ready", zap.String("impl", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) setupMetadata() error {
	a.metadata = metadata.NewMetadataService(a.store)
	if a.Config.DefinitionsDir == "" {
		return nil
	}
	return a.loadDefinitions(a.Config.DefinitionsDir)
}

// loadDefinitions creates and activates every definition file in dir whose
// id is not stored yet.
func (a *Agent) loadDefinitions(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml" && ext != ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := metadata.LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		if def.Id != "" {
			if _, err := a.metadata.GetDefinition(a.ctx, def.Id); err == nil {
				continue
			} else if !api.IsNotFound(err) {
				return err
			}
		}
		created, err := a.metadata.CreateDefinition(a.ctx, def)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err := a.metadata.ActivateDefinition(a.ctx, created.Id, "system"); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("definition loaded", zap.String("file", path), zap.String("definition", created.Id))
	}
	return nil
}

func (a *Agent) setupDirectory() error {
	if a.Config.DirectoryFile == "" {
		a.directory = directory.NewMemoryDirectory()
		return nil
	}
	var err error
	a.directory, err = directory.LoadFile(a.Config.DirectoryFile)
	return err
}

func (a *Agent) setupScheduler() error {
	cc := a.Config.ClusterConfig
	a.ring = cluster.NewRing(cluster.RingConfig{
		PartitionCount: cc.PartitionCount,
		NodeName:       cc.NodeName,
		Members:        cc.Members,
	})
	var queue scheduler.Queue
	switch a.Config.QueueType {
	case config.QUEUE_TYPE_REDIS:
		queue = scheduler.NewRedisDelayQueueWithClient(a.redisClient, a.Config.RedisConfig.Namespace)
	default:
		queue = scheduler.NewMemoryQueue()
	}
	a.scheduler = scheduler.NewScheduler(queue, a.ring, a.Config.EngineConfig.PollInterval)
	return nil
}

func (a *Agent) setupEvents() error {
	var err error
	a.broker = events.NewBroker()
	a.collector, err = analytics.NewDataCollector(a.Config.AnalyticsConfig)
	if err != nil {
		return err
	}
	if !a.Config.EventsConfig.RedisFanout {
		a.publisher = events.Multi(a.broker, a.collector)
		return nil
	}
	rp := events.NewRedisPublisher(a.redisClient, a.Config.RedisConfig.Namespace)
	if err := rp.Relay(a.ctx, a.broker); err != nil {
		return fmt.Errorf("subscribe to event fanout: %w", err)
	}
	a.publisher = events.Multi(rp, a.collector)
	return nil
}

func (a *Agent) setupEngine() error {
	ec := a.Config.EngineConfig
	assigner := assignment.NewService(a.directory, a.store, a.store)
	policy := invocation.DefaultRetryPolicy()
	if ec.RetryInitialInterval > 0 {
		policy.InitialInterval = ec.RetryInitialInterval
	}
	if ec.RetryMaxInterval > 0 {
		policy.MaxInterval = ec.RetryMaxInterval
	}
	a.engine = engine.NewEngine(a.store, a.metadata, a.metadata, assigner,
		invocation.NewInvoker(ec.ServiceTimeout), a.scheduler, a.publisher).
		WithRetryPolicy(policy).
		WithMaxRetries(ec.MaxRetries)
	if ec.EvaluationTimeout > 0 {
		a.engine.WithEvaluator(expression.NewEvaluator(ec.EvaluationTimeout))
	}
	if ec.OverdueScanInterval > 0 {
		a.scheduler.Every("overdue-scan", ec.OverdueScanInterval, a.scanOverdue, &a.wg)
	}
	if ec.RetrySweepInterval > 0 {
		a.scheduler.Every("retry-sweep", ec.RetrySweepInterval, a.sweepRetries, &a.wg)
	}
	return nil
}

func (a *Agent) scanOverdue() {
	n, err := a.engine.MarkOverdueTasks(a.ctx, time.Now())
	if err != nil {
		logger.Error("error scanning overdue tasks", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("tasks marked overdue", zap.Int("count", n))
	}
}

// sweepRetries reschedules service retries whose job never ran. Jobs that
// are only late because they were pushed back are left alone.
func (a *Agent) sweepRetries() {
	grace := scheduler.MaxRequeueDelay + a.Config.EngineConfig.PollInterval
	n, err := a.engine.RescheduleStalledRetries(a.ctx, grace)
	if err != nil {
		logger.Error("error sweeping service retries", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("service retries rescheduled", zap.Int("count", n))
	}
}

func (a *Agent) setupHttpServer() error {
	if a.Config.HttpPort <= 0 {
		return nil
	}
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.metadata, a.engine, a.broker)
	return err
}

func (a *Agent) setupGrpcServer() error {
	if a.Config.GrpcPort <= 0 {
		return nil
	}
	var err error
	a.grpcServer, err = rpc.NewGrpcServer(&rpc.GrpcConfig{Engine: a.engine})
	return err
}

// Start runs the background workers, resumes interrupted instances and
// opens the inbound servers.
func (a *Agent) Start() error {
	a.engine.Start(a.Config.EngineConfig.DispatcherConcurrency, &a.wg)
	a.scheduler.Start(&a.wg)
	if err := a.engine.Recover(a.ctx); err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}

	if a.httpServer != nil {
		go func() {
			if err := a.httpServer.Start(); err != nil {
				logger.Error("http server failed", zap.Error(err))
				_ = a.Shutdown()
			}
		}()
	}

	if a.grpcServer != nil {
		logger.Info("starting grpc server on", zap.Int("port", a.Config.GrpcPort))
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.GrpcPort))
		if err != nil {
			return err
		}
		go func() {
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc server failed", zap.Error(err))
				_ = a.Shutdown()
			}
		}()
	}
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		func() error {
			if a.httpServer == nil {
				return nil
			}
			return a.httpServer.Stop()
		},
		func() error {
			if a.grpcServer != nil {
				logger.Info("stopping grpc server")
				a.grpcServer.GracefulStop()
			}
			return nil
		},
		a.scheduler.Stop,
		a.engine.Stop,
		func() error {
			a.cancel()
			a.broker.Close()
			if s, ok := a.collector.(interface{ Sync() error }); ok {
				_ = s.Sync()
			}
			return nil
		},
	}
	var errs []error
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	if c, ok := a.store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.redisClient != nil {
		errs = append(errs, a.redisClient.Close())
	}
	_ = logger.Sync()
	return errors.Join(errs...)
}

// Done is closed once Shutdown starts.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdowns
}
