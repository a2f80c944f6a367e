package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohitkumar/caseflow/analytics"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, v *viper.Viper){
		"defaults": func(t *testing.T, v *viper.Viper) {
			c, err := Load(v)
			require.NoError(t, err)
			require.Equal(t, STORAGE_TYPE_INMEM, c.StorageType)
			require.Equal(t, QUEUE_TYPE_INMEM, c.QueueType)
			require.Equal(t, []string{"localhost:6379"}, c.RedisConfig.Addrs)
			require.Equal(t, 3, c.EngineConfig.MaxRetries)
			require.Equal(t, time.Minute, c.EngineConfig.OverdueScanInterval)
			require.Equal(t, analytics.NOOP_DATA_COLLECTOR, c.AnalyticsConfig.CollectorType)
			require.False(t, c.NeedsRedis())
		},
		"config file": func(t *testing.T, v *viper.Viper) {
			path := filepath.Join(t.TempDir(), "caseflow.yaml")
			require.NoError(t, os.WriteFile(path, []byte(`
storage-impl: redis
queue-impl: redis
redis-addr: "r1:6379, r2:6379"
service-timeout: 10s
members: a,b
`), 0o600))
			v.SetConfigFile(path)
			require.NoError(t, v.ReadInConfig())
			c, err := Load(v)
			require.NoError(t, err)
			require.Equal(t, STORAGE_TYPE_REDIS, c.StorageType)
			require.Equal(t, []string{"r1:6379", "r2:6379"}, c.RedisConfig.Addrs)
			require.Equal(t, 10*time.Second, c.EngineConfig.ServiceTimeout)
			require.Equal(t, []string{"a", "b"}, c.ClusterConfig.Members)
			require.True(t, c.NeedsRedis())
		},
		"environment": func(t *testing.T, v *viper.Viper) {
			t.Setenv("CASEFLOW_STORAGE_IMPL", "postgres")
			t.Setenv("CASEFLOW_POSTGRES_URL", "postgres://localhost/caseflow")
			c, err := Load(v)
			require.NoError(t, err)
			require.Equal(t, STORAGE_TYPE_POSTGRES, c.StorageType)
			require.Equal(t, "postgres://localhost/caseflow", c.PostgresConfig.URL)
		},
		"invalid": func(t *testing.T, v *viper.Viper) {
			v.Set("storage-impl", "dynamo")
			_, err := Load(v)
			require.Error(t, err)

			v.Set("storage-impl", "postgres")
			_, err = Load(v)
			require.ErrorContains(t, err, "postgres-url")
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			fn(t, v)
		})
	}
}
