package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	job Job
	at  time.Time
	seq uint64
}

var _ Queue = new(memoryQueue)

type memoryQueue struct {
	mu         sync.Mutex
	partitions map[int][]entry
	seq        uint64
}

func NewMemoryQueue() *memoryQueue {
	return &memoryQueue{partitions: make(map[int][]entry)}
}

func (q *memoryQueue) Push(ctx context.Context, partition int, job Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	list := append(q.partitions[partition], entry{job: job, at: at, seq: q.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].at.Equal(list[j].at) {
			return list[i].seq < list[j].seq
		}
		return list[i].at.Before(list[j].at)
	})
	q.partitions[partition] = list
	return nil
}

func (q *memoryQueue) PopDue(ctx context.Context, partition int, now time.Time) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.partitions[partition]
	i := 0
	for i < len(list) && !list[i].at.After(now) {
		i++
	}
	if i == 0 {
		return nil, nil
	}
	due := make([]Job, 0, i)
	for _, e := range list[:i] {
		due = append(due, e.job)
	}
	q.partitions[partition] = append([]entry(nil), list[i:]...)
	return due, nil
}

func (q *memoryQueue) Close() error {
	return nil
}
