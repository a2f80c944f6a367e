package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleNodeOwnsAllPartitions(t *testing.T) {
	r := NewRing(RingConfig{PartitionCount: 5, NodeName: "n1"})
	require.Equal(t, []int{0, 1, 2, 3, 4}, r.LocalPartitions())
	p := r.GetPartition("instance-1")
	require.GreaterOrEqual(t, p, 0)
	require.Less(t, p, 5)
	require.Equal(t, p, r.GetPartition("instance-1"))
}

func TestPartitionsSplitAcrossMembers(t *testing.T) {
	members := []string{"n1", "n2", "n3"}
	owned := make(map[int]string)
	for _, name := range members {
		r := NewRing(RingConfig{PartitionCount: 13, NodeName: name, Members: members})
		require.Equal(t, members, r.Members())
		for _, p := range r.LocalPartitions() {
			prev, dup := owned[p]
			require.False(t, dup, fmt.Sprintf("partition %d owned by %s and %s", p, prev, name))
			owned[p] = name
		}
	}
	require.Len(t, owned, 13)
}

func TestLeave(t *testing.T) {
	r := NewRing(RingConfig{PartitionCount: 9, NodeName: "n1", Members: []string{"n2"}})
	r.Leave("n2")
	r.Leave("n1")
	require.Equal(t, []string{"n1"}, r.Members())
	require.Len(t, r.LocalPartitions(), 9)
}
