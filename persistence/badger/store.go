package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/util"
)

const definitionPrefix = "def/"
const servicePrefix = "svc/"
const instancePrefix = "inst/"
const taskPrefix = "task/"
const logPrefix = "log/"
const resultPrefix = "res/"
const counterPrefix = "ctr/"

type Config struct {
	Dir      string
	InMemory bool
}

var _ persistence.Store = new(badgerStore)

type badgerStore struct {
	db               *badger.DB
	definitionEncDec util.EncoderDecoder[model.WorkflowDefinition]
	serviceEncDec    util.EncoderDecoder[model.ServiceConfiguration]
	instanceEncDec   util.EncoderDecoder[model.WorkflowInstance]
	taskEncDec       util.EncoderDecoder[model.WorkflowTask]
	logEncDec        util.EncoderDecoder[model.WorkflowInstanceLog]
	resultEncDec     util.EncoderDecoder[model.ServiceExecutionResult]
}

func Open(conf Config) (*badgerStore, error) {
	opts := badger.DefaultOptions(conf.Dir).WithLogger(nil)
	if conf.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageError(err)
	}
	return NewBadgerStore(db), nil
}

func NewBadgerStore(db *badger.DB) *badgerStore {
	return &badgerStore{
		db:               db,
		definitionEncDec: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
		serviceEncDec:    util.NewJsonEncoderDecoder[model.ServiceConfiguration](),
		instanceEncDec:   util.NewJsonEncoderDecoder[model.WorkflowInstance](),
		taskEncDec:       util.NewJsonEncoderDecoder[model.WorkflowTask](),
		logEncDec:        util.NewJsonEncoderDecoder[model.WorkflowInstanceLog](),
		resultEncDec:     util.NewJsonEncoderDecoder[model.ServiceExecutionResult](),
	}
}

func storageError(err error) error {
	var conflict api.ConcurrencyConflict
	var notFound api.NotFoundError
	if errors.As(err, &conflict) || errors.As(err, &notFound) || api.IsPersistenceError(err) {
		return err
	}
	return api.PersistenceError{Message: err.Error()}
}

func logKey(instanceId string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", logPrefix, instanceId, seq))
}

func get[T any](txn *badger.Txn, encDec util.EncoderDecoder[T], key string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	var out *T
	err = item.Value(func(val []byte) error {
		v, err := encDec.Decode(val)
		out = v
		return err
	})
	return out, err
}

func (s *badgerStore) getOne(entity string, id string, fn func(txn *badger.Txn) error) error {
	err := s.db.View(fn)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return api.NotFoundError{Entity: entity, Id: id}
	}
	if err != nil {
		return storageError(err)
	}
	return nil
}

// scan decodes every value under prefix that keep accepts.
func scan[T any](db *badger.DB, encDec util.EncoderDecoder[T], prefix string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				v, err := encDec.Decode(val)
				if err != nil {
					return err
				}
				if keep == nil || keep(v) {
					out = append(out, v)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return out, nil
}

func put[T any](txn *badger.Txn, encDec util.EncoderDecoder[T], key []byte, v T) error {
	data, err := encDec.Encode(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *badgerStore) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return put(txn, s.definitionEncDec, []byte(definitionPrefix+def.Id), *def)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *badgerStore) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	var out *model.WorkflowDefinition
	err := s.getOne("definition", id, func(txn *badger.Txn) error {
		def, err := get(txn, s.definitionEncDec, definitionPrefix+id)
		out = def
		return err
	})
	return out, err
}

func (s *badgerStore) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	out, err := scan(s.db, s.definitionEncDec, definitionPrefix, nil)
	if err != nil {
		return nil, err
	}
	persistence.SortDefinitions(out)
	return out, nil
}

func (s *badgerStore) DeleteDefinition(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(definitionPrefix + id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return api.NotFoundError{Entity: "definition", Id: id}
	}
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *badgerStore) SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return put(txn, s.serviceEncDec, []byte(servicePrefix+cfg.Name), *cfg)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *badgerStore) GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error) {
	var out *model.ServiceConfiguration
	err := s.getOne("service configuration", name, func(txn *badger.Txn) error {
		cfg, err := get(txn, s.serviceEncDec, servicePrefix+name)
		out = cfg
		return err
	})
	return out, err
}

func (s *badgerStore) ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error) {
	return scan(s.db, s.serviceEncDec, servicePrefix, nil)
}

func (s *badgerStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	var out *model.WorkflowInstance
	err := s.getOne("instance", id, func(txn *badger.Txn) error {
		wi, err := get(txn, s.instanceEncDec, instancePrefix+id)
		out = wi
		return err
	})
	return out, err
}

func (s *badgerStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error) {
	out, err := scan(s.db, s.instanceEncDec, instancePrefix, filter.Match)
	if err != nil {
		return nil, err
	}
	persistence.SortInstances(out)
	return out, nil
}

func (s *badgerStore) CountActiveInstances(ctx context.Context, definitionId string) (int, error) {
	list, err := scan(s.db, s.instanceEncDec, instancePrefix, func(wi *model.WorkflowInstance) bool {
		return wi.DefinitionId == definitionId && !wi.Status.IsTerminal()
	})
	return len(list), err
}

func (s *badgerStore) DeleteInstance(ctx context.Context, id string) error {
	tasks, err := s.ListTasksByInstance(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(instancePrefix + id)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := txn.Delete([]byte(taskPrefix + t.Id)); err != nil {
				return err
			}
		}
		for _, prefix := range []string{logPrefix + id + "/", resultPrefix + id + "/"} {
			if err := deletePrefix(txn, prefix); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return api.NotFoundError{Entity: "instance", Id: id}
	}
	if err != nil {
		return storageError(err)
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) GetTask(ctx context.Context, id string) (*model.WorkflowTask, error) {
	var out *model.WorkflowTask
	err := s.getOne("task", id, func(txn *badger.Txn) error {
		t, err := get(txn, s.taskEncDec, taskPrefix+id)
		out = t
		return err
	})
	return out, err
}

func (s *badgerStore) scanTasks(keep func(*model.WorkflowTask) bool) ([]*model.WorkflowTask, error) {
	out, err := scan(s.db, s.taskEncDec, taskPrefix, keep)
	if err != nil {
		return nil, err
	}
	persistence.SortTasks(out)
	return out, nil
}

func (s *badgerStore) ListTasksByInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error) {
	return s.scanTasks(func(t *model.WorkflowTask) bool { return t.InstanceId == instanceId })
}

func (s *badgerStore) ListTasksByAssignee(ctx context.Context, userId string) ([]*model.WorkflowTask, error) {
	return s.scanTasks(func(t *model.WorkflowTask) bool { return t.AssignedToUserId == userId })
}

func (s *badgerStore) ListOpenTasksDueBefore(ctx context.Context, at time.Time) ([]*model.WorkflowTask, error) {
	return s.scanTasks(func(t *model.WorkflowTask) bool { return persistence.OpenDueBefore(t, at) })
}

func (s *badgerStore) GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error) {
	want := make(map[string]bool, len(userIds))
	for _, id := range userIds {
		want[id] = true
	}
	tasks, err := s.scanTasks(func(t *model.WorkflowTask) bool { return want[t.AssignedToUserId] })
	if err != nil {
		return nil, err
	}
	return persistence.Workloads(userIds, tasks), nil
}

func (s *badgerStore) ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error) {
	out, err := scan(s.db, s.logEncDec, logPrefix+instanceId+"/", nil)
	if err != nil {
		return nil, err
	}
	persistence.SortLogs(out)
	return out, nil
}

func (s *badgerStore) ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error) {
	out, err := scan(s.db, s.resultEncDec, resultPrefix+instanceId+"/", nil)
	if err != nil {
		return nil, err
	}
	persistence.SortResults(out)
	return out, nil
}

func (s *badgerStore) NextAssignmentCounter(ctx context.Context, key string) (int64, error) {
	for {
		var n int64
		err := s.db.Update(func(txn *badger.Txn) error {
			k := []byte(counterPrefix + key)
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				n = 0
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					n = int64(binary.BigEndian.Uint64(val))
					return nil
				}); err != nil {
					return err
				}
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(n+1))
			return txn.Set(k, buf)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, storageError(err)
		}
		return n, nil
	}
}

func (s *badgerStore) Commit(ctx context.Context, cs *persistence.ChangeSet) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, wi := range cs.Instances {
			var stored int64
			exists := true
			cur, err := get(txn, s.instanceEncDec, instancePrefix+wi.Id)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				exists = false
			case err != nil:
				return err
			default:
				stored = cur.Version
			}
			if err := persistence.CheckVersion(wi, stored, exists); err != nil {
				return err
			}
			next := *wi
			next.Version = wi.Version + 1
			if err := put(txn, s.instanceEncDec, []byte(instancePrefix+wi.Id), next); err != nil {
				return err
			}
		}
		for _, t := range cs.Tasks {
			if err := put(txn, s.taskEncDec, []byte(taskPrefix+t.Id), *t); err != nil {
				return err
			}
		}
		for _, l := range cs.Logs {
			if err := put(txn, s.logEncDec, logKey(l.InstanceId, l.Sequence), *l); err != nil {
				return err
			}
		}
		for _, r := range cs.ServiceResults {
			if err := put(txn, s.resultEncDec, []byte(resultPrefix+r.InstanceId+"/"+r.Id), *r); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return api.ConcurrencyConflict{Entity: "instance", Message: "instance was modified concurrently"}
	}
	if err != nil {
		return storageError(err)
	}
	persistence.BumpVersions(cs)
	return nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
