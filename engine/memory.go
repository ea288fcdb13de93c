package engine

import (
	"github.com/getlantern/regiondb/common"
)

type memoryEngine struct{}

// Memory returns the default engine. It keeps rows on the heap and never
// partitions tables, even ones declaring a shard key.
func Memory() Engine {
	return &memoryEngine{}
}

func (e *memoryEngine) Name() string {
	return DefaultEngine
}

func (e *memoryEngine) CreateTable(spec *TableSpec) (Table, error) {
	return newTable(spec, Capabilities{InMemory: true}, func(p common.Partition) (store, error) {
		return newMemStore(), nil
	}, nil), nil
}
