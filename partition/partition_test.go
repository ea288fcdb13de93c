package partition

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/getlantern/regiondb/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersRanges(t *testing.T) *Range {
	r, err := NewRange(
		RangePartition{"r1", 20},
		RangePartition{"r2", 50},
		RangePartition{"r3", nil},
	)
	require.NoError(t, err)
	return r
}

func TestRangePartitionFor(t *testing.T) {
	r := ordersRanges(t)
	for value, expected := range map[interface{}]common.Partition{
		-5:    "r1",
		20:    "r1",
		21:    "r2",
		42:    "r2",
		50:    "r2",
		50.5:  "r3",
		10000: "r3",
	} {
		p, err := r.PartitionFor([]interface{}{value})
		if assert.NoError(t, err) {
			assert.Equal(t, expected, p, "wrong partition for %v", value)
		}
	}

	_, err := r.PartitionFor([]interface{}{nil})
	assert.Error(t, err)
	_, err = r.PartitionFor([]interface{}{1, 2})
	assert.Error(t, err)
}

func TestRangeValidation(t *testing.T) {
	_, err := NewRange(RangePartition{"a", nil}, RangePartition{"b", 10})
	assert.Error(t, err, "only the last range may be unbounded")
	_, err = NewRange(RangePartition{"a", 10}, RangePartition{"b", 10})
	assert.Error(t, err, "bounds must increase")
	_, err = NewRange()
	assert.Error(t, err)
}

func TestPartitionsInRange(t *testing.T) {
	r := ordersRanges(t)
	assert.Equal(t, common.Partitions{"r1", "r2", "r3"}, r.PartitionsInRange(nil, nil))
	assert.Equal(t, common.Partitions{"r2", "r3"}, r.PartitionsInRange(&Bound{20, false}, nil))
	assert.Equal(t, common.Partitions{"r1", "r2", "r3"}, r.PartitionsInRange(&Bound{20, true}, nil))
	assert.Equal(t, common.Partitions{"r1"}, r.PartitionsInRange(nil, &Bound{20, true}))
	assert.Equal(t, common.Partitions{"r2"}, r.PartitionsInRange(&Bound{30, true}, &Bound{40, true}))
	assert.Equal(t, common.Partitions{"r2", "r3"}, r.PartitionsInRange(&Bound{30, true}, &Bound{60, false}))
	assert.Equal(t, common.Partitions{"r3"}, r.PartitionsInRange(&Bound{51, true}, nil))
}

func TestHash(t *testing.T) {
	h, err := NewHash("h0", "h1", "h2", "h3")
	require.NoError(t, err)
	counts := make(map[common.Partition]int)
	for i := 0; i < 1000; i++ {
		p, err := h.PartitionFor([]interface{}{i})
		require.NoError(t, err)
		counts[p]++

		again, _ := h.PartitionFor([]interface{}{int64(i)})
		assert.Equal(t, p, again, "hashing should not depend on integer width")
	}
	assert.Len(t, counts, 4, "all partitions should get keys")

	p1, _ := h.PartitionFor([]interface{}{1, "a"})
	p2, _ := h.PartitionFor([]interface{}{1, "a"})
	assert.Equal(t, p1, p2)

	_, err = NewHash()
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	l, err := NewList(map[common.Partition][]interface{}{
		"eu": {"de", "fr"},
		"us": {"us", "ca"},
	}, "other")
	require.NoError(t, err)
	assert.Equal(t, common.Partitions{"eu", "other", "us"}, l.Partitions())
	p, _ := l.PartitionFor([]interface{}{"fr"})
	assert.EqualValues(t, "eu", p)
	p, _ = l.PartitionFor([]interface{}{"jp"})
	assert.EqualValues(t, "other", p)

	strict, err := NewList(map[common.Partition][]interface{}{"a": {1}}, "")
	require.NoError(t, err)
	_, err = strict.PartitionFor([]interface{}{2})
	assert.Error(t, err)

	_, err = NewList(map[common.Partition][]interface{}{"a": {1}, "b": {1}}, "")
	assert.Error(t, err)
}

func TestTopology(t *testing.T) {
	topo := &Topology{
		Self:       "n1",
		Nodes:      map[common.NodeID]string{"n1": "localhost:1", "n2": "localhost:2"},
		Partitions: map[common.Partition]common.NodeID{"r1": "n1", "r2": "n2", "r3": "n1"},
	}
	assert.True(t, topo.IsLocal("r1"))
	assert.False(t, topo.IsLocal("r2"))
	assert.False(t, topo.IsLocal("r9"))
	assert.Equal(t, common.Partitions{"r1", "r3"}, topo.LocalPartitions(common.Partitions{"r1", "r2", "r3"}))
	node, err := topo.Locate("r2")
	assert.NoError(t, err)
	assert.EqualValues(t, "n2", node)
	_, err = topo.Locate("r9")
	assert.True(t, common.IsRetryable(err))
	addr, err := topo.Address("n2")
	assert.NoError(t, err)
	assert.Equal(t, "localhost:2", addr)
}

func TestDynamicRefresh(t *testing.T) {
	next := Local("n1", "r1")
	d := NewDynamic(Local("n1"), func(ctx context.Context) (*Topology, error) {
		return next, nil
	})
	_, err := d.Locate("r1")
	assert.Error(t, err)

	snapshot := d.Snapshot()
	require.NoError(t, d.Refresh(context.Background()))
	node, err := d.Locate("r1")
	assert.NoError(t, err)
	assert.EqualValues(t, "n1", node)
	_, err = snapshot.Locate("r1")
	assert.Error(t, err, "snapshot should not see refreshed topology")

	next.Partitions["r2"] = "n1"
	assert.False(t, d.IsLocal("r2"), "installed topology should not alias the source's")

	assert.NoError(t, Static(Local("n1")).Refresh(context.Background()))
}

func TestLoadTopology(t *testing.T) {
	dir, err := ioutil.TempDir("", "partitiontest")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	filename := filepath.Join(dir, "topology.yaml")
	require.NoError(t, ioutil.WriteFile(filename, []byte(`
self: n1
nodes:
  n1: localhost:40000
  n2: localhost:40001
partitions:
  r1: n1
  r2: n2
`), 0644))

	topo, err := FileSource(filename)(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, "n1", topo.Self)
	assert.True(t, topo.IsLocal("r1"))
	assert.False(t, topo.IsLocal("r2"))

	_, err = ParseTopology([]byte("nodes: {}"))
	assert.Error(t, err)
	_, err = LoadTopology(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
