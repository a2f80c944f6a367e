package cluster

import (
	"sort"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

type hasher struct{}

func (h hasher) Sum64(data []byte) uint64 {
	return murmur3.Sum64(data)
}

type RingConfig struct {
	PartitionCount int
	NodeName       string
	// Members lists every node of a static cluster. The local node is added
	// when missing.
	Members []string
}

type Member string

func (m Member) String() string {
	return string(m)
}

// Ring assigns instance ids to partitions and partitions to nodes, so each
// node polls only the scheduler partitions it owns.
type Ring struct {
	RingConfig
	hring   *consistent.Consistent
	members map[string]bool
	mu      sync.RWMutex
}

func NewRing(c RingConfig) *Ring {
	if c.PartitionCount <= 0 {
		c.PartitionCount = 7
	}
	if c.NodeName == "" {
		c.NodeName = "local"
	}
	cfg := consistent.Config{
		PartitionCount:    c.PartitionCount,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	r := &Ring{
		RingConfig: c,
		hring:      consistent.New(nil, cfg),
		members:    make(map[string]bool),
	}
	r.Join(c.NodeName)
	for _, m := range c.Members {
		r.Join(m)
	}
	return r
}

func (r *Ring) Join(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[name] {
		return
	}
	logger.Info("adding member to ring", zap.String("node", name))
	r.members[name] = true
	r.hring.Add(Member(name))
}

func (r *Ring) Leave(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.members[name] || name == r.NodeName {
		return
	}
	logger.Info("removing member from ring", zap.String("node", name))
	delete(r.members, name)
	r.hring.Remove(name)
}

func (r *Ring) GetPartition(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hring.FindPartitionID([]byte(key))
}

// LocalPartitions returns the partitions owned by this node in ascending order.
func (r *Ring) LocalPartitions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partitions := make([]int, 0)
	for i := 0; i < r.PartitionCount; i++ {
		if r.hring.GetPartitionOwner(i).String() == r.NodeName {
			partitions = append(partitions, i)
		}
	}
	return partitions
}

func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
