package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/persistence/storetest"
)

func newTestDao(t *testing.T) *baseDao {
	srv := miniredis.RunT(t)
	return NewBaseDao(Config{Addrs: []string{srv.Addr()}, Namespace: "caseflow"})
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.Store {
		return NewRedisStore(newTestDao(t))
	})
}
