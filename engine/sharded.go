package engine

import (
	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/common"
)

const (
	// OptMultiPartitionScan controls whether a sharded table scans several
	// local partitions in one call ("true", the default) or is fanned out per
	// partition ("false").
	OptMultiPartitionScan = "multi_partition_scan"
)

type shardedEngine struct{}

// Sharded returns the partitioned engine. Each partition gets its own bucket
// in a bolt database when the table has a Dir, otherwise its own heap store.
func Sharded() Engine {
	return &shardedEngine{}
}

func (e *shardedEngine) Name() string {
	return "sharded"
}

func (e *shardedEngine) CreateTable(spec *TableSpec) (Table, error) {
	if len(spec.ShardKey) == 0 || spec.Scheme == nil {
		return nil, errors.New("Sharded table %v needs a shard key and partition scheme", spec.Name)
	}
	caps := Capabilities{
		Partitioned:        true,
		MultiPartitionScan: spec.option(OptMultiPartitionScan, true),
	}
	if spec.Dir == "" {
		caps.InMemory = true
		return newTable(spec, caps, func(p common.Partition) (store, error) {
			return newMemStore(), nil
		}, nil), nil
	}

	db, err := openBolt(spec)
	if err != nil {
		return nil, err
	}
	return newTable(spec, caps, func(p common.Partition) (store, error) {
		return newBoltStore(db, "partition_"+string(p))
	}, db.Close), nil
}
