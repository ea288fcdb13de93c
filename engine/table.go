package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
)

// table implements Table on top of one store per partition. Non-partitioned
// tables keep everything in the store for the empty partition.
type table struct {
	spec     *TableSpec
	caps     Capabilities
	newStore func(p common.Partition) (store, error)
	close    func() error
	stores   map[common.Partition]store
	mx       sync.RWMutex
}

func newTable(spec *TableSpec, caps Capabilities, newStore func(p common.Partition) (store, error), close func() error) *table {
	return &table{
		spec:     spec,
		caps:     caps,
		newStore: newStore,
		close:    close,
		stores:   make(map[common.Partition]store),
	}
}

func (t *table) Name() string {
	return t.spec.Name
}

func (t *table) Spec() *TableSpec {
	return t.spec
}

func (t *table) Capabilities() Capabilities {
	return t.caps
}

func (t *table) partitionsFor(partitions common.Partitions) common.Partitions {
	if !t.caps.Partitioned {
		return common.Partitions{""}
	}
	if len(partitions) > 0 {
		return partitions
	}
	t.mx.RLock()
	defer t.mx.RUnlock()
	all := make(common.Partitions, 0, len(t.stores))
	for p := range t.stores {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// storeFor returns the store for p, creating it if necessary.
func (t *table) storeFor(p common.Partition) (store, error) {
	if !t.caps.Partitioned {
		p = ""
	} else if p == "" {
		return nil, errors.New("Table %v is partitioned, a partition is required", t.spec.Name)
	}
	t.mx.RLock()
	s, found := t.stores[p]
	t.mx.RUnlock()
	if found {
		return s, nil
	}

	t.mx.Lock()
	defer t.mx.Unlock()
	s, found = t.stores[p]
	if !found {
		var err error
		s, err = t.newStore(p)
		if err != nil {
			return nil, err
		}
		t.stores[p] = s
	}
	return s, nil
}

func (t *table) Scan(ctx context.Context, partitions common.Partitions, onRow core.OnRow) error {
	for _, p := range t.partitionsFor(partitions) {
		s, err := t.storeFor(p)
		if err != nil {
			return err
		}
		more, err := s.scan(ctx, onRow)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *table) Insert(ctx context.Context, p common.Partition, rows ...core.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := t.storeFor(p)
	if err != nil {
		return 0, err
	}
	err = s.insert(rows)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (t *table) Update(ctx context.Context, partitions common.Partitions, fn func(core.Row) (core.Row, bool)) (int, error) {
	total := 0
	for _, p := range t.partitionsFor(partitions) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		s, err := t.storeFor(p)
		if err != nil {
			return total, err
		}
		count, err := s.update(fn)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *table) Delete(ctx context.Context, partitions common.Partitions, match func(core.Row) bool) (int, error) {
	total := 0
	for _, p := range t.partitionsFor(partitions) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		s, err := t.storeFor(p)
		if err != nil {
			return total, err
		}
		count, err := s.delete(match)
		total += count
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *table) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}
