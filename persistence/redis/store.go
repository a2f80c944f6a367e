package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/util"
)

const DEFINITION_KEY string = "DEFINITION"
const SERVICE_KEY string = "SERVICE"
const INSTANCE_KEY string = "INSTANCE"
const INSTANCES_KEY string = "INSTANCES"
const TASK_KEY string = "TASK"
const TASKS_BY_INSTANCE_KEY string = "INSTANCE_TASKS"
const TASKS_BY_USER_KEY string = "USER_TASKS"
const TASKS_DUE_KEY string = "TASKS_DUE"
const LOG_KEY string = "LOG"
const RESULT_KEY string = "RESULT"
const COUNTER_KEY string = "ASSIGNMENT_COUNTER"

var _ persistence.Store = new(redisStore)

type redisStore struct {
	*baseDao
	definitionEncDec util.EncoderDecoder[model.WorkflowDefinition]
	serviceEncDec    util.EncoderDecoder[model.ServiceConfiguration]
	instanceEncDec   util.EncoderDecoder[model.WorkflowInstance]
	taskEncDec       util.EncoderDecoder[model.WorkflowTask]
	logEncDec        util.EncoderDecoder[model.WorkflowInstanceLog]
	resultEncDec     util.EncoderDecoder[model.ServiceExecutionResult]
}

func NewRedisStore(baseDao *baseDao) *redisStore {
	return &redisStore{
		baseDao:          baseDao,
		definitionEncDec: util.NewJsonEncoderDecoder[model.WorkflowDefinition](),
		serviceEncDec:    util.NewJsonEncoderDecoder[model.ServiceConfiguration](),
		instanceEncDec:   util.NewJsonEncoderDecoder[model.WorkflowInstance](),
		taskEncDec:       util.NewJsonEncoderDecoder[model.WorkflowTask](),
		logEncDec:        util.NewJsonEncoderDecoder[model.WorkflowInstanceLog](),
		resultEncDec:     util.NewJsonEncoderDecoder[model.ServiceExecutionResult](),
	}
}

func storageError(err error) error {
	return api.PersistenceError{Message: err.Error()}
}

func (r *redisStore) instanceKey(id string) string {
	return r.getNamespaceKey(INSTANCE_KEY, id)
}

func (r *redisStore) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	data, err := r.definitionEncDec.Encode(*def)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, r.getNamespaceKey(DEFINITION_KEY), def.Id, string(data)).Err(); err != nil {
		return storageError(err)
	}
	return nil
}

func (r *redisStore) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	data, err := r.redisClient.HGet(ctx, r.getNamespaceKey(DEFINITION_KEY), id).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, api.NotFoundError{Entity: "definition", Id: id}
		}
		return nil, storageError(err)
	}
	return r.definitionEncDec.Decode([]byte(data))
}

func (r *redisStore) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	values, err := r.redisClient.HVals(ctx, r.getNamespaceKey(DEFINITION_KEY)).Result()
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*model.WorkflowDefinition, 0, len(values))
	for _, v := range values {
		def, err := r.definitionEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	persistence.SortDefinitions(out)
	return out, nil
}

func (r *redisStore) DeleteDefinition(ctx context.Context, id string) error {
	n, err := r.redisClient.HDel(ctx, r.getNamespaceKey(DEFINITION_KEY), id).Result()
	if err != nil {
		return storageError(err)
	}
	if n == 0 {
		return api.NotFoundError{Entity: "definition", Id: id}
	}
	return nil
}

func (r *redisStore) SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) error {
	data, err := r.serviceEncDec.Encode(*cfg)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, r.getNamespaceKey(SERVICE_KEY), cfg.Name, string(data)).Err(); err != nil {
		return storageError(err)
	}
	return nil
}

func (r *redisStore) GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error) {
	data, err := r.redisClient.HGet(ctx, r.getNamespaceKey(SERVICE_KEY), name).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, api.NotFoundError{Entity: "service configuration", Id: name}
		}
		return nil, storageError(err)
	}
	return r.serviceEncDec.Decode([]byte(data))
}

func (r *redisStore) ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error) {
	values, err := r.redisClient.HVals(ctx, r.getNamespaceKey(SERVICE_KEY)).Result()
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*model.ServiceConfiguration, 0, len(values))
	for _, v := range values {
		cfg, err := r.serviceEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	persistence.SortServiceConfigurations(out)
	return out, nil
}

func (r *redisStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	data, err := r.redisClient.Get(ctx, r.instanceKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, api.NotFoundError{Entity: "instance", Id: id}
		}
		return nil, storageError(err)
	}
	return r.instanceEncDec.Decode([]byte(data))
}

func (r *redisStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error) {
	ids, err := r.redisClient.SMembers(ctx, r.getNamespaceKey(INSTANCES_KEY)).Result()
	if err != nil {
		return nil, storageError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.instanceKey(id))
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError(err)
	}
	var out []*model.WorkflowInstance
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		wi, err := r.instanceEncDec.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		if filter.Match(wi) {
			out = append(out, wi)
		}
	}
	persistence.SortInstances(out)
	return out, nil
}

func (r *redisStore) CountActiveInstances(ctx context.Context, definitionId string) (int, error) {
	list, err := r.ListInstances(ctx, model.InstanceFilter{DefinitionId: definitionId})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, wi := range list {
		if !wi.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (r *redisStore) DeleteInstance(ctx context.Context, id string) error {
	exists, err := r.redisClient.Exists(ctx, r.instanceKey(id)).Result()
	if err != nil {
		return storageError(err)
	}
	if exists == 0 {
		return api.NotFoundError{Entity: "instance", Id: id}
	}
	taskIds, err := r.redisClient.SMembers(ctx, r.getNamespaceKey(TASKS_BY_INSTANCE_KEY, id)).Result()
	if err != nil {
		return storageError(err)
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		if len(taskIds) > 0 {
			pipe.HDel(ctx, r.getNamespaceKey(TASK_KEY), taskIds...)
			members := make([]any, 0, len(taskIds))
			for _, t := range taskIds {
				members = append(members, t)
			}
			pipe.ZRem(ctx, r.getNamespaceKey(TASKS_DUE_KEY), members...)
		}
		pipe.Del(ctx,
			r.instanceKey(id),
			r.getNamespaceKey(TASKS_BY_INSTANCE_KEY, id),
			r.getNamespaceKey(LOG_KEY, id),
			r.getNamespaceKey(RESULT_KEY, id),
		)
		pipe.SRem(ctx, r.getNamespaceKey(INSTANCES_KEY), id)
		return nil
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (r *redisStore) GetTask(ctx context.Context, id string) (*model.WorkflowTask, error) {
	data, err := r.redisClient.HGet(ctx, r.getNamespaceKey(TASK_KEY), id).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, api.NotFoundError{Entity: "task", Id: id}
		}
		return nil, storageError(err)
	}
	return r.taskEncDec.Decode([]byte(data))
}

func (r *redisStore) getTasks(ctx context.Context, ids []string, keep func(*model.WorkflowTask) bool) ([]*model.WorkflowTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.redisClient.HMGet(ctx, r.getNamespaceKey(TASK_KEY), ids...).Result()
	if err != nil {
		return nil, storageError(err)
	}
	var out []*model.WorkflowTask
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t, err := r.taskEncDec.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	persistence.SortTasks(out)
	return out, nil
}

func (r *redisStore) ListTasksByInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error) {
	ids, err := r.redisClient.SMembers(ctx, r.getNamespaceKey(TASKS_BY_INSTANCE_KEY, instanceId)).Result()
	if err != nil {
		return nil, storageError(err)
	}
	return r.getTasks(ctx, ids, func(t *model.WorkflowTask) bool { return t.InstanceId == instanceId })
}

// ListTasksByAssignee filters on the stored assignee since the per-user index
// keeps ids of tasks that were later reassigned.
func (r *redisStore) ListTasksByAssignee(ctx context.Context, userId string) ([]*model.WorkflowTask, error) {
	ids, err := r.redisClient.SMembers(ctx, r.getNamespaceKey(TASKS_BY_USER_KEY, userId)).Result()
	if err != nil {
		return nil, storageError(err)
	}
	return r.getTasks(ctx, ids, func(t *model.WorkflowTask) bool { return t.AssignedToUserId == userId })
}

func (r *redisStore) ListOpenTasksDueBefore(ctx context.Context, at time.Time) ([]*model.WorkflowTask, error) {
	ids, err := r.redisClient.ZRangeByScore(ctx, r.getNamespaceKey(TASKS_DUE_KEY), &rd.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(at.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storageError(err)
	}
	return r.getTasks(ctx, ids, func(t *model.WorkflowTask) bool { return persistence.OpenDueBefore(t, at) })
}

func (r *redisStore) GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error) {
	var tasks []*model.WorkflowTask
	for _, id := range userIds {
		list, err := r.ListTasksByAssignee(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, list...)
	}
	return persistence.Workloads(userIds, tasks), nil
}

func (r *redisStore) ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error) {
	values, err := r.redisClient.ZRange(ctx, r.getNamespaceKey(LOG_KEY, instanceId), 0, -1).Result()
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*model.WorkflowInstanceLog, 0, len(values))
	for _, v := range values {
		l, err := r.logEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	persistence.SortLogs(out)
	return out, nil
}

func (r *redisStore) ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error) {
	values, err := r.redisClient.LRange(ctx, r.getNamespaceKey(RESULT_KEY, instanceId), 0, -1).Result()
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*model.ServiceExecutionResult, 0, len(values))
	for _, v := range values {
		res, err := r.resultEncDec.Decode([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	persistence.SortResults(out)
	return out, nil
}

func (r *redisStore) NextAssignmentCounter(ctx context.Context, key string) (int64, error) {
	n, err := r.redisClient.HIncrBy(ctx, r.getNamespaceKey(COUNTER_KEY), key, 1).Result()
	if err != nil {
		return 0, storageError(err)
	}
	return n - 1, nil
}

// Commit watches every instance key in the change set, checks the stored
// versions and writes all records in one MULTI block.
func (r *redisStore) Commit(ctx context.Context, cs *persistence.ChangeSet) error {
	keys := make([]string, 0, len(cs.Instances))
	for _, wi := range cs.Instances {
		keys = append(keys, r.instanceKey(wi.Id))
	}
	txf := func(tx *rd.Tx) error {
		for _, wi := range cs.Instances {
			var stored int64
			exists := true
			data, err := tx.Get(ctx, r.instanceKey(wi.Id)).Result()
			switch {
			case errors.Is(err, rd.Nil):
				exists = false
			case err != nil:
				return storageError(err)
			default:
				cur, err := r.instanceEncDec.Decode([]byte(data))
				if err != nil {
					return err
				}
				stored = cur.Version
			}
			if err := persistence.CheckVersion(wi, stored, exists); err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			return r.write(ctx, pipe, cs)
		})
		return err
	}
	err := r.redisClient.Watch(ctx, txf, keys...)
	if errors.Is(err, rd.TxFailedErr) {
		return api.ConcurrencyConflict{Entity: "instance", Message: "instance was modified concurrently"}
	}
	if err != nil {
		var conflict api.ConcurrencyConflict
		if errors.As(err, &conflict) || api.IsPersistenceError(err) {
			return err
		}
		return storageError(err)
	}
	persistence.BumpVersions(cs)
	return nil
}

func (r *redisStore) write(ctx context.Context, pipe rd.Pipeliner, cs *persistence.ChangeSet) error {
	for _, wi := range cs.Instances {
		next := *wi
		next.Version = wi.Version + 1
		data, err := r.instanceEncDec.Encode(next)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.instanceKey(wi.Id), string(data), 0)
		pipe.SAdd(ctx, r.getNamespaceKey(INSTANCES_KEY), wi.Id)
	}
	for _, t := range cs.Tasks {
		data, err := r.taskEncDec.Encode(*t)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, r.getNamespaceKey(TASK_KEY), t.Id, string(data))
		pipe.SAdd(ctx, r.getNamespaceKey(TASKS_BY_INSTANCE_KEY, t.InstanceId), t.Id)
		if t.AssignedToUserId != "" {
			pipe.SAdd(ctx, r.getNamespaceKey(TASKS_BY_USER_KEY, t.AssignedToUserId), t.Id)
		}
		if t.DueDate != nil && !t.Status.IsTerminal() {
			pipe.ZAdd(ctx, r.getNamespaceKey(TASKS_DUE_KEY), rd.Z{Score: float64(t.DueDate.UnixMilli()), Member: t.Id})
		} else {
			pipe.ZRem(ctx, r.getNamespaceKey(TASKS_DUE_KEY), t.Id)
		}
	}
	for _, l := range cs.Logs {
		data, err := r.logEncDec.Encode(*l)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, r.getNamespaceKey(LOG_KEY, l.InstanceId), rd.Z{Score: float64(l.Sequence), Member: string(data)})
	}
	for _, res := range cs.ServiceResults {
		data, err := r.resultEncDec.Encode(*res)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, r.getNamespaceKey(RESULT_KEY, res.InstanceId), string(data))
	}
	return nil
}

func (r *redisStore) Close() error {
	return r.redisClient.Close()
}
