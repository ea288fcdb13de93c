package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reset()

	Routed("local")
	Routed("parallel")
	Routed("parallel")
	Routed("remote_single")
	Routed("empty")
	TopologyRefreshed()
	RoutingFailed()
	PartitionExecuted("r2", 4, 2*time.Millisecond, nil)
	PartitionExecuted("r1", 3, 1*time.Millisecond, nil)
	PartitionExecuted("r1", 1, 3*time.Millisecond, nil)
	PartitionExecuted("r1", 0, 0, errors.New("boom"))

	s := GetStats()
	assert.Equal(t, 1, s.Routing.Local)
	assert.Equal(t, 2, s.Routing.Parallel)
	assert.Equal(t, 1, s.Routing.RemoteSingle)
	assert.Equal(t, 1, s.Routing.Empty)
	assert.Equal(t, 1, s.Routing.TopologyRefreshes)
	assert.Equal(t, 1, s.Routing.RoutingFailures)

	if assert.Len(t, s.Partitions, 2) {
		assert.Equal(t, "r1", s.Partitions[0].Partition)
		assert.Equal(t, 3, s.Partitions[0].Executions)
		assert.Equal(t, 1, s.Partitions[0].Failures)
		assert.Equal(t, 4, s.Partitions[0].Rows)
		assert.InDelta(t, 3000, s.Partitions[0].P99, 10)
		assert.InDelta(t, 1000, s.Partitions[0].P50, 10)
		assert.Equal(t, "r2", s.Partitions[1].Partition)
		assert.Equal(t, 4, s.Partitions[1].Rows)
	}

	// snapshots don't change with later updates
	Routed("local")
	assert.Equal(t, 1, s.Routing.Local)
}
