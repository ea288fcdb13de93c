// Package engine provides the pluggable storage engines that hold table rows
// and the registry used to look them up by name.
package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/partition"
)

var (
	log = golog.LoggerFor("regiondb.engine")
)

const (
	// DefaultEngine is the engine used for memory-only tables and tables that
	// don't name an engine. It is never partitioned.
	DefaultEngine = "memory"
)

// Capabilities describe what a table's engine supports.
type Capabilities struct {
	// Partitioned tables are split into partitions by a shard key.
	Partitioned bool
	// InMemory tables don't persist their data.
	InMemory bool
	// MultiPartitionScan tables can scan several local partitions in a single
	// call.
	MultiPartitionScan bool
}

// TableSpec describes a table to create.
type TableSpec struct {
	Name   string
	Engine string
	// ShardKey lists the columns whose values choose a row's partition.
	ShardKey []string
	// Scheme assigns shard key values to partitions.
	Scheme partition.Scheme
	// MemoryOnly tables always use the default engine.
	MemoryOnly bool
	// Dir is where persistent engines keep their files.
	Dir string
	// Options are engine specific settings.
	Options map[string]string
}

func (spec *TableSpec) option(name string, dflt bool) bool {
	val, found := spec.Options[name]
	if !found {
		return dflt
	}
	return val == "true"
}

// Engine creates tables.
type Engine interface {
	Name() string

	CreateTable(spec *TableSpec) (Table, error)
}

// Table is storage for one table's rows. Non-partitioned tables ignore the
// partitions passed to them.
type Table interface {
	Name() string

	Spec() *TableSpec

	Capabilities() Capabilities

	// Scan iterates over the rows of the given partitions, all stored partitions
	// if partitions is empty.
	Scan(ctx context.Context, partitions common.Partitions, onRow core.OnRow) error

	Insert(ctx context.Context, p common.Partition, rows ...core.Row) (int, error)

	// Update replaces every row for which fn returns true with the row it
	// returns.
	Update(ctx context.Context, partitions common.Partitions, fn func(core.Row) (core.Row, bool)) (int, error)

	Delete(ctx context.Context, partitions common.Partitions, match func(core.Row) bool) (int, error)

	Close() error
}

// Registry maps engine names to engines. The default engine is fixed when the
// registry is created and can't be replaced by registering another engine
// under its name.
type Registry struct {
	engines map[string]Engine
	deflt   Engine
	mx      sync.RWMutex
}

// Default is the process-wide registry that built-in engines register into.
var Default = NewRegistry()

// NewRegistry creates a registry holding only the default memory engine.
func NewRegistry() *Registry {
	r := &Registry{engines: make(map[string]Engine), deflt: Memory()}
	r.Register(r.deflt)
	return r
}

// Register adds an engine, replacing any engine of the same name.
func (r *Registry) Register(engine Engine) {
	name := strings.ToLower(engine.Name())
	r.mx.Lock()
	_, replaced := r.engines[name]
	r.engines[name] = engine
	r.mx.Unlock()
	if replaced {
		log.Debugf("Replaced storage engine %v", name)
	}
}

// Register adds an engine to the Default registry.
func Register(engine Engine) {
	Default.Register(engine)
}

// Resolve looks up an engine by name, case insensitively.
func (r *Registry) Resolve(name string) (Engine, error) {
	r.mx.RLock()
	engine, found := r.engines[strings.ToLower(name)]
	r.mx.RUnlock()
	if !found {
		return nil, &common.EngineNotFoundError{Name: name}
	}
	return engine, nil
}

// Names lists registered engines.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// CreateTable creates a table on the engine named by spec. Memory-only
// tables always go to the default engine regardless of the requested one.
func (r *Registry) CreateTable(spec *TableSpec) (Table, error) {
	engine := r.deflt
	switch {
	case spec.MemoryOnly:
		if spec.Engine != "" && !strings.EqualFold(spec.Engine, DefaultEngine) {
			log.Debugf("Table %v is memory only, using %v instead of %v", spec.Name, DefaultEngine, spec.Engine)
		}
	case spec.Engine != "":
		var err error
		engine, err = r.Resolve(spec.Engine)
		if err != nil {
			return nil, err
		}
	}
	table, err := engine.CreateTable(spec)
	if err != nil {
		return nil, errors.New("Unable to create table %v on %v: %v", spec.Name, engine.Name(), err)
	}
	log.Debugf("Created table %v on %v with %+v", spec.Name, engine.Name(), table.Capabilities())
	return table, nil
}
