package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohitkumar/caseflow/analytics"
	"github.com/spf13/viper"
)

type StorageType string

type QueueType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"
const STORAGE_TYPE_POSTGRES StorageType = "postgres"
const STORAGE_TYPE_BADGER StorageType = "badger"

const QUEUE_TYPE_REDIS QueueType = "redis"
const QUEUE_TYPE_INMEM QueueType = "memory"

type Config struct {
	RedisConfig     RedisStorageConfig
	PostgresConfig  PostgresStorageConfig
	BadgerConfig    BadgerStorageConfig
	HttpPort        int
	GrpcPort        int
	StorageType     StorageType
	QueueType       QueueType
	ClusterConfig   ClusterConfig
	EngineConfig    EngineConfig
	EventsConfig    EventsConfig
	AnalyticsConfig analytics.DataCollectorConfig
	// DirectoryFile seeds the user directory from a YAML file.
	DirectoryFile string
	// DefinitionsDir holds definition files loaded and activated at startup.
	DefinitionsDir string
	LogLevel       string
	Development    bool
}

type ClusterConfig struct {
	NodeName       string
	Members        []string
	PartitionCount int
}

type EngineConfig struct {
	DispatcherConcurrency int
	MaxRetries            int
	ServiceTimeout        time.Duration
	EvaluationTimeout     time.Duration
	RetryInitialInterval  time.Duration
	RetryMaxInterval      time.Duration
	PollInterval          time.Duration
	OverdueScanInterval   time.Duration
	RetrySweepInterval    time.Duration
}

type EventsConfig struct {
	// RedisFanout relays instance events through redis pub/sub so push
	// subscribers on every node see them.
	RedisFanout bool
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
	Password  string
	PoolSize  int
}

type PostgresStorageConfig struct {
	URL      string
	MaxConns int32
}

type BadgerStorageConfig struct {
	Dir      string
	InMemory bool
}

// SetDefaults registers the default of every key Load reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http-port", 8080)
	v.SetDefault("grpc-port", 8099)
	v.SetDefault("storage-impl", string(STORAGE_TYPE_INMEM))
	v.SetDefault("queue-impl", string(QUEUE_TYPE_INMEM))
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("namespace", "caseflow")
	v.SetDefault("redis-pool-size", 10)
	v.SetDefault("postgres-max-conns", 10)
	v.SetDefault("badger-dir", "data/badger")
	v.SetDefault("node-name", "local")
	v.SetDefault("partitions", 7)
	v.SetDefault("dispatcher-concurrency", 8)
	v.SetDefault("max-retries", 3)
	v.SetDefault("service-timeout", 30*time.Second)
	v.SetDefault("evaluation-timeout", time.Second)
	v.SetDefault("retry-initial-interval", time.Second)
	v.SetDefault("retry-max-interval", 5*time.Minute)
	v.SetDefault("poll-interval", time.Second)
	v.SetDefault("overdue-scan-interval", time.Minute)
	v.SetDefault("retry-sweep-interval", time.Minute)
	v.SetDefault("log-level", "info")
	v.SetDefault("analytics-collector", string(analytics.NOOP_DATA_COLLECTOR))
	v.SetDefault("analytics-file", "analytics.log")
}

// Load reads the configuration from v. Keys may also come from CASEFLOW_
// environment variables, e.g. CASEFLOW_STORAGE_IMPL.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("caseflow")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	c := Config{
		RedisConfig: RedisStorageConfig{
			Addrs:     splitList(v.GetString("redis-addr")),
			Namespace: v.GetString("namespace"),
			Password:  v.GetString("redis-password"),
			PoolSize:  v.GetInt("redis-pool-size"),
		},
		PostgresConfig: PostgresStorageConfig{
			URL:      v.GetString("postgres-url"),
			MaxConns: v.GetInt32("postgres-max-conns"),
		},
		BadgerConfig: BadgerStorageConfig{
			Dir:      v.GetString("badger-dir"),
			InMemory: v.GetBool("badger-in-memory"),
		},
		HttpPort:    v.GetInt("http-port"),
		GrpcPort:    v.GetInt("grpc-port"),
		StorageType: StorageType(v.GetString("storage-impl")),
		QueueType:   QueueType(v.GetString("queue-impl")),
		ClusterConfig: ClusterConfig{
			NodeName:       v.GetString("node-name"),
			Members:        splitList(v.GetString("members")),
			PartitionCount: v.GetInt("partitions"),
		},
		EngineConfig: EngineConfig{
			DispatcherConcurrency: v.GetInt("dispatcher-concurrency"),
			MaxRetries:            v.GetInt("max-retries"),
			ServiceTimeout:        v.GetDuration("service-timeout"),
			EvaluationTimeout:     v.GetDuration("evaluation-timeout"),
			RetryInitialInterval:  v.GetDuration("retry-initial-interval"),
			RetryMaxInterval:      v.GetDuration("retry-max-interval"),
			PollInterval:          v.GetDuration("poll-interval"),
			OverdueScanInterval:   v.GetDuration("overdue-scan-interval"),
			RetrySweepInterval:    v.GetDuration("retry-sweep-interval"),
		},
		EventsConfig: EventsConfig{
			RedisFanout: v.GetBool("redis-fanout"),
		},
		AnalyticsConfig: analytics.DataCollectorConfig{
			CollectorType: analytics.DataCollectorType(v.GetString("analytics-collector")),
			FileName:      v.GetString("analytics-file"),
		},
		DirectoryFile:  v.GetString("directory-file"),
		DefinitionsDir: v.GetString("definitions-dir"),
		LogLevel:       v.GetString("log-level"),
		Development:    v.GetBool("development"),
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM, STORAGE_TYPE_BADGER:
	case STORAGE_TYPE_REDIS:
		if len(c.RedisConfig.Addrs) == 0 {
			return fmt.Errorf("redis storage requires redis-addr")
		}
	case STORAGE_TYPE_POSTGRES:
		if c.PostgresConfig.URL == "" {
			return fmt.Errorf("postgres storage requires postgres-url")
		}
	default:
		return fmt.Errorf("unknown storage implementation %q", c.StorageType)
	}
	switch c.QueueType {
	case QUEUE_TYPE_INMEM:
	case QUEUE_TYPE_REDIS:
		if len(c.RedisConfig.Addrs) == 0 {
			return fmt.Errorf("redis queue requires redis-addr")
		}
	default:
		return fmt.Errorf("unknown queue implementation %q", c.QueueType)
	}
	if c.EventsConfig.RedisFanout && len(c.RedisConfig.Addrs) == 0 {
		return fmt.Errorf("redis event fanout requires redis-addr")
	}
	if c.HttpPort <= 0 && c.GrpcPort <= 0 {
		return fmt.Errorf("at least one of http-port and grpc-port must be set")
	}
	return nil
}

// NeedsRedis reports whether any component talks to redis.
func (c Config) NeedsRedis() bool {
	return c.StorageType == STORAGE_TYPE_REDIS || c.QueueType == QUEUE_TYPE_REDIS || c.EventsConfig.RedisFanout
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
