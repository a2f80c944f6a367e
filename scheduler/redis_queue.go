package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

const DELAY_QUEUE_KEY string = "DELAY_QUEUE"

type RedisQueueConfig struct {
	Addrs     []string
	Namespace string
	Password  string
}

var _ Queue = new(redisDelayQueue)

// redisDelayQueue keeps one sorted set per partition scored by due time in
// milliseconds.
type redisDelayQueue struct {
	redisClient rd.UniversalClient
	namespace   string
	ownsClient  bool
	encDec      util.EncoderDecoder[queuedJob]
}

// queuedJob makes otherwise identical jobs distinct set members.
type queuedJob struct {
	Id  string `json:"id"`
	Job Job    `json:"job"`
}

func NewRedisDelayQueue(conf RedisQueueConfig) *redisDelayQueue {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
	})
	q := NewRedisDelayQueueWithClient(client, conf.Namespace)
	q.ownsClient = true
	return q
}

func NewRedisDelayQueueWithClient(client rd.UniversalClient, namespace string) *redisDelayQueue {
	return &redisDelayQueue{
		redisClient: client,
		namespace:   namespace,
		encDec:      util.NewJsonEncoderDecoder[queuedJob](),
	}
}

func (rq *redisDelayQueue) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", rq.namespace, strings.Join(args, ":"))
}

func (rq *redisDelayQueue) queueName(partition int) string {
	return rq.getNamespaceKey(DELAY_QUEUE_KEY, strconv.Itoa(partition))
}

func (rq *redisDelayQueue) Push(ctx context.Context, partition int, job Job, at time.Time) error {
	queueName := rq.queueName(partition)
	data, err := rq.encDec.Encode(queuedJob{Id: uuid.NewString(), Job: job})
	if err != nil {
		return err
	}
	member := rd.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(data),
	}
	if err := rq.redisClient.ZAdd(ctx, queueName, member).Err(); err != nil {
		logger.Error("error while push to redis delay queue", zap.String("queue", queueName), zap.Error(err))
		return api.PersistenceError{Message: err.Error()}
	}
	return nil
}

func (rq *redisDelayQueue) PopDue(ctx context.Context, partition int, now time.Time) ([]Job, error) {
	queueName := rq.queueName(partition)
	upTo := strconv.FormatInt(now.UnixMilli(), 10)
	var zr *rd.StringSliceCmd
	_, err := rq.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		zr = pipe.ZRangeByScore(ctx, queueName, &rd.ZRangeBy{Min: "-inf", Max: upTo})
		pipe.ZRemRangeByScore(ctx, queueName, "-inf", upTo)
		return nil
	})
	if err != nil && !errors.Is(err, rd.Nil) {
		logger.Error("error while pop from redis delay queue", zap.String("queue", queueName), zap.Error(err))
		return nil, api.PersistenceError{Message: err.Error()}
	}
	values, err := zr.Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, api.PersistenceError{Message: err.Error()}
	}
	jobs := make([]Job, 0, len(values))
	for _, v := range values {
		qj, err := rq.encDec.Decode([]byte(v))
		if err != nil {
			logger.Error("dropping undecodable job", zap.String("queue", queueName), zap.Error(err))
			continue
		}
		jobs = append(jobs, qj.Job)
	}
	return jobs, nil
}

func (rq *redisDelayQueue) Close() error {
	if !rq.ownsClient {
		return nil
	}
	return rq.redisClient.Close()
}
