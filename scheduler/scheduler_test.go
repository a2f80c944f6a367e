package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	rd "github.com/go-redis/redis/v9"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestQueues(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, queue Queue){
		"pop returns only due jobs": testPopDue,
		"partitions are separate":   testPartitions,
		"identical jobs are kept":   testDuplicates,
	} {
		t.Run("memory "+scenario, func(t *testing.T) {
			fn(t, NewMemoryQueue())
		})
		t.Run("redis "+scenario, func(t *testing.T) {
			srv := miniredis.RunT(t)
			queue := NewRedisDelayQueue(RedisQueueConfig{Addrs: []string{srv.Addr()}, Namespace: "test"})
			defer queue.Close()
			fn(t, queue)
		})
	}
}

func testPopDue(t *testing.T, queue Queue) {
	ctx := context.Background()
	require.NoError(t, queue.Push(ctx, 0, Job{Kind: JOB_SERVICE_RETRY, InstanceId: "late"}, epoch.Add(5*time.Second)))
	require.NoError(t, queue.Push(ctx, 0, Job{Kind: JOB_SERVICE_RETRY, InstanceId: "early"}, epoch.Add(time.Second)))

	jobs, err := queue.PopDue(ctx, 0, epoch)
	require.NoError(t, err)
	require.Empty(t, jobs)

	jobs, err = queue.PopDue(ctx, 0, epoch.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "early", jobs[0].InstanceId)

	jobs, err = queue.PopDue(ctx, 0, epoch.Add(2*time.Second))
	require.NoError(t, err)
	require.Empty(t, jobs)

	jobs, err = queue.PopDue(ctx, 0, epoch.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "late", jobs[0].InstanceId)
}

func testPartitions(t *testing.T, queue Queue) {
	ctx := context.Background()
	require.NoError(t, queue.Push(ctx, 1, Job{InstanceId: "a"}, epoch))
	require.NoError(t, queue.Push(ctx, 2, Job{InstanceId: "b"}, epoch))
	jobs, err := queue.PopDue(ctx, 1, epoch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].InstanceId)
	jobs, err = queue.PopDue(ctx, 2, epoch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "b", jobs[0].InstanceId)
}

func testDuplicates(t *testing.T, queue Queue) {
	ctx := context.Background()
	job := Job{Kind: JOB_SERVICE_RETRY, InstanceId: "a", RequestId: "r1", Attempt: 2}
	require.NoError(t, queue.Push(ctx, 0, job, epoch))
	require.NoError(t, queue.Push(ctx, 0, job, epoch))
	jobs, err := queue.PopDue(ctx, 0, epoch)
	require.NoError(t, err)
	require.Equal(t, []Job{job, job}, jobs)
}

func TestSchedulerPoll(t *testing.T) {
	now := epoch
	ring := cluster.NewRing(cluster.RingConfig{PartitionCount: 3, NodeName: "n1"})
	s := NewScheduler(NewMemoryQueue(), ring, time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.Equal(t, 0, s.Poll(ctx))

	var mu sync.Mutex
	var ran []string
	s.SetHandler(func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, job.InstanceId)
		return nil
	})
	for _, id := range []string{"i1", "i2", "i3", "i4"} {
		require.NoError(t, s.Schedule(ctx, Job{Kind: JOB_SERVICE_RETRY, InstanceId: id}, epoch.Add(time.Minute)))
	}
	require.Equal(t, 0, s.Poll(ctx))
	now = epoch.Add(time.Minute)
	require.Equal(t, 4, s.Poll(ctx))
	require.ElementsMatch(t, []string{"i1", "i2", "i3", "i4"}, ran)
	require.Equal(t, 0, s.Poll(ctx))
}

func TestSchedulerRequeue(t *testing.T) {
	for name, newQueue := range map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue { return NewMemoryQueue() },
		"redis": func(t *testing.T) Queue {
			srv := miniredis.RunT(t)
			return NewRedisDelayQueue(RedisQueueConfig{Addrs: []string{srv.Addr()}, Namespace: "test"})
		},
	} {
		t.Run(name+" failed jobs are pushed back", func(t *testing.T) {
			now := epoch
			queue := newQueue(t)
			defer queue.Close()
			s := NewScheduler(queue, cluster.NewRing(cluster.RingConfig{}), time.Second).WithClock(func() time.Time { return now })
			ctx := context.Background()

			var seen []Job
			fail := 2
			s.SetHandler(func(ctx context.Context, job Job) error {
				seen = append(seen, job)
				if fail > 0 {
					fail--
					return api.PersistenceError{Message: "store down"}
				}
				return nil
			})
			require.NoError(t, s.Schedule(ctx, Job{Kind: JOB_SERVICE_RETRY, InstanceId: "i1", RequestId: "r1"}, epoch))

			require.Equal(t, 1, s.Poll(ctx))
			require.Equal(t, 0, s.Poll(ctx))
			now = now.Add(time.Second)
			require.Equal(t, 1, s.Poll(ctx))
			// second failure doubles the delay
			now = now.Add(time.Second)
			require.Equal(t, 0, s.Poll(ctx))
			now = now.Add(time.Second)
			require.Equal(t, 1, s.Poll(ctx))
			require.Equal(t, 0, s.Poll(ctx))

			require.Len(t, seen, 3)
			require.Equal(t, "r1", seen[2].RequestId)
			require.Equal(t, 2, seen[2].Failures)
		})
		t.Run(name+" permanent failures are dropped", func(t *testing.T) {
			now := epoch
			queue := newQueue(t)
			defer queue.Close()
			s := NewScheduler(queue, cluster.NewRing(cluster.RingConfig{}), time.Second).WithClock(func() time.Time { return now })
			ctx := context.Background()
			s.SetHandler(func(ctx context.Context, job Job) error {
				return backoff.Permanent(api.InvalidRequestError{Message: "bad job"})
			})
			require.NoError(t, s.Schedule(ctx, Job{Kind: "unknown", InstanceId: "i1"}, epoch))
			require.Equal(t, 1, s.Poll(ctx))
			now = now.Add(MaxRequeueDelay)
			require.Equal(t, 0, s.Poll(ctx))
		})
	}
}

func TestRequeueDelay(t *testing.T) {
	s := NewScheduler(NewMemoryQueue(), cluster.NewRing(cluster.RingConfig{}), time.Second)
	require.Equal(t, time.Second, s.requeueDelay(1))
	require.Equal(t, 2*time.Second, s.requeueDelay(2))
	require.Equal(t, 8*time.Second, s.requeueDelay(4))
	require.Equal(t, MaxRequeueDelay, s.requeueDelay(20))
}

func TestSchedulerStartStop(t *testing.T) {
	srv := miniredis.RunT(t)
	client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: []string{srv.Addr()}})
	defer client.Close()
	ring := cluster.NewRing(cluster.RingConfig{PartitionCount: 2, NodeName: "n1"})
	s := NewScheduler(NewRedisDelayQueueWithClient(client, "test"), ring, 10*time.Millisecond)

	done := make(chan Job, 1)
	s.SetHandler(func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	ticks := make(chan struct{}, 100)
	var wg sync.WaitGroup
	s.Every("ticker", 10*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}, &wg)
	s.Start(&wg)

	require.NoError(t, s.Schedule(context.Background(), Job{Kind: JOB_SERVICE_RETRY, InstanceId: "i1"}, time.Now()))
	select {
	case job := <-done:
		require.Equal(t, "i1", job.InstanceId)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled job did not run")
	}
	select {
	case <-ticks:
	case <-time.After(5 * time.Second):
		t.Fatal("periodic job did not run")
	}
	require.NoError(t, s.Stop())
	wg.Wait()
	require.NoError(t, client.Ping(context.Background()).Err())
}
