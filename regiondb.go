package regiondb

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/engine"
	"github.com/getlantern/regiondb/executor"
	"github.com/getlantern/regiondb/metrics"
	"github.com/getlantern/regiondb/partition"
	"github.com/getlantern/regiondb/planner"
	"github.com/getlantern/regiondb/rpc"
	"github.com/getlantern/regiondb/scheduler"
	"github.com/getlantern/regiondb/sql"
)

var (
	log = golog.LoggerFor("regiondb")
)

// DBOpts provides options for configuring the database.
type DBOpts struct {
	// Dir points at the directory that contains the data files of persistent
	// engines. Leave empty to keep everything in memory.
	Dir string
	// SchemaFile points at a YAML schema file that configures the tables in the
	// database.
	SchemaFile string
	// RunMode governs whether statements are routed across partitions.
	RunMode common.RunMode
	// TopologyFile points at a YAML file mapping partitions to nodes. Required
	// in partitioned run modes unless Topology is given.
	TopologyFile string
	// Topology is a fixed topology, used when TopologyFile is empty.
	Topology *partition.Topology
	// TopologyRefreshInterval, if positive, periodically reloads the topology
	// from TopologyFile in addition to the refreshes triggered by routing
	// failures.
	TopologyRefreshInterval time.Duration
	// Registry resolves storage engines, defaults to engine.Default.
	Registry *engine.Registry
	// Scheduler runs partition sub-executions. Defaults to a worker pool of
	// PoolSize.
	Scheduler *scheduler.Scheduler
	// PoolSize sizes the default worker pool, defaults to 8 x NumCPU.
	PoolSize int
	// Forwarder sends commands to remote nodes. Defaults to an RPC client pool
	// dialing the addresses in the topology.
	Forwarder command.Forwarder
	// Password is presented to remote nodes by the default Forwarder.
	Password string
	// Dialer, if given, is used by the default Forwarder to dial remote nodes.
	Dialer func(addr string, timeout time.Duration) (net.Conn, error)
}

// DB is a regiondb database.
type DB struct {
	opts        *DBOpts
	registry    *engine.Registry
	sched       *scheduler.Scheduler
	ownsSched   bool
	locator     *partition.Dynamic
	forwarder   command.Forwarder
	executor    *executor.Parallel
	tables      map[string]engine.Table
	tablesMutex sync.RWMutex
	closeOnce   sync.Once
	stop        chan interface{}
	goroutines  sync.WaitGroup
}

// NewDB creates a database using the given options.
func NewDB(opts *DBOpts) (*DB, error) {
	db := &DB{
		opts:      opts,
		registry:  opts.Registry,
		sched:     opts.Scheduler,
		forwarder: opts.Forwarder,
		tables:    make(map[string]engine.Table),
		stop:      make(chan interface{}),
	}
	if db.registry == nil {
		db.registry = engine.Default
	}

	if opts.Dir != "" {
		err := os.MkdirAll(opts.Dir, 0755)
		if err != nil && !os.IsExist(err) {
			return nil, errors.New("Unable to create db dir at %v: %v", opts.Dir, err)
		}
	}

	if opts.RunMode.Partitioned() {
		err := db.initTopology()
		if err != nil {
			return nil, err
		}
	}

	if db.sched == nil {
		poolSize := opts.PoolSize
		if poolSize <= 0 {
			poolSize = runtime.NumCPU() * 8
		}
		pool, err := scheduler.Pool(poolSize)
		if err != nil {
			return nil, errors.New("Unable to start worker pool: %v", err)
		}
		db.sched = scheduler.New(pool)
		db.ownsSched = true
	}

	if db.forwarder == nil && db.locator != nil {
		db.forwarder = rpc.NewForwarder(db.addressOf, &rpc.ClientOpts{
			Password: opts.Password,
			Dialer:   opts.Dialer,
		})
	}
	db.executor = executor.New(db.sched, db.forwarder)

	if db.locator != nil && opts.TopologyFile != "" && opts.TopologyRefreshInterval > 0 {
		db.scheduleTopologyRefresh(opts.TopologyRefreshInterval)
	}

	if opts.SchemaFile != "" {
		err := db.pollForSchema(opts.SchemaFile)
		if err != nil {
			db.Close()
			return nil, errors.New("Unable to apply schema: %v", err)
		}
	}
	log.Debugf("Dir: %v    SchemaFile: %v    RunMode: %v", opts.Dir, opts.SchemaFile, opts.RunMode)

	return db, nil
}

func (db *DB) initTopology() error {
	opts := db.opts
	switch {
	case opts.TopologyFile != "":
		topology, err := partition.LoadTopology(opts.TopologyFile)
		if err != nil {
			return errors.New("Unable to load topology from %v: %v", opts.TopologyFile, err)
		}
		db.locator = partition.NewDynamic(topology, partition.FileSource(opts.TopologyFile))
	case opts.Topology != nil:
		db.locator = partition.Static(opts.Topology)
	default:
		return errors.New("Run mode %v requires a topology", opts.RunMode)
	}
	return nil
}

func (db *DB) scheduleTopologyRefresh(interval time.Duration) {
	stopRefreshing, err := db.sched.ScheduleRepeating(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if refreshErr := db.locator.Refresh(ctx); refreshErr != nil {
			log.Errorf("Unable to refresh topology: %v", refreshErr)
		}
	}, interval, interval)
	if err != nil {
		log.Errorf("Unable to schedule topology refresh every %v: %v", interval, err)
		return
	}
	db.Go(func(stop <-chan interface{}) {
		<-stop
		stopRefreshing()
	})
}

func (db *DB) addressOf(node common.NodeID) (string, error) {
	return db.locator.Snapshot().Address(node)
}

// Locator returns the partition locator, nil outside of partitioned run modes.
func (db *DB) Locator() partition.Locator {
	if db.locator == nil {
		return nil
	}
	return db.locator
}

// RunMode returns the mode the database runs in.
func (db *DB) RunMode() common.RunMode {
	return db.opts.RunMode
}

// CreateTable creates a table from spec using the registered engines.
func (db *DB) CreateTable(spec *engine.TableSpec) error {
	spec.Name = strings.ToLower(spec.Name)
	if spec.Dir == "" && !spec.MemoryOnly {
		spec.Dir = db.opts.Dir
	}

	db.tablesMutex.Lock()
	defer db.tablesMutex.Unlock()
	if _, exists := db.tables[spec.Name]; exists {
		return errors.New("Table %v already exists", spec.Name)
	}
	t, err := db.registry.CreateTable(spec)
	if err != nil {
		return err
	}
	db.tables[spec.Name] = t
	return nil
}

// Table returns the named table.
func (db *DB) Table(name string) (engine.Table, error) {
	db.tablesMutex.RLock()
	t, found := db.tables[strings.ToLower(name)]
	db.tablesMutex.RUnlock()
	if !found {
		return nil, errors.New("Table %v not found", name)
	}
	return t, nil
}

// TableNames returns the names of all tables, sorted.
func (db *DB) TableNames() []string {
	db.tablesMutex.RLock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	db.tablesMutex.RUnlock()
	sort.Strings(names)
	return names
}

func (db *DB) planOpts() *planner.Opts {
	return &planner.Opts{
		GetTable:  db.Table,
		RunMode:   db.opts.RunMode,
		Locator:   db.Locator(),
		Forwarder: db.forwarder,
		Executor:  db.executor,
	}
}

// Plan plans sqlString without executing it.
func (db *DB) Plan(sqlString string, params sql.Params) (*planner.Routed, error) {
	return planner.Plan(sqlString, params, db.planOpts())
}

// Execute runs sqlString. A positive limit caps the rows returned on top of
// the statement's own LIMIT.
func (db *DB) Execute(ctx context.Context, sqlString string, params sql.Params, limit int) (*core.Result, error) {
	routed, err := db.Plan(sqlString, params)
	if err != nil {
		return nil, err
	}
	return routed.Execute(ctx, limit)
}

// Query runs a SELECT.
func (db *DB) Query(ctx context.Context, sqlString string, params sql.Params) (*core.Result, error) {
	return db.Execute(ctx, sqlString, params, 0)
}

// QueryTo runs sqlString and adds its rows to sink as well.
func (db *DB) QueryTo(ctx context.Context, sqlString string, params sql.Params, sink *core.Result) error {
	routed, err := db.Plan(sqlString, params)
	if err != nil {
		return err
	}
	_, err = routed.CopyTo(sink).Execute(ctx, 0)
	return err
}

// Exec runs an UPDATE or DELETE and returns the number of affected rows.
func (db *DB) Exec(ctx context.Context, sqlString string, params sql.Params) (int, error) {
	result, err := db.Execute(ctx, sqlString, params, 0)
	if err != nil {
		return 0, err
	}
	return result.RowCount, nil
}

// Insert inserts rows into the named table, routing each row to the partition
// for its shard key.
func (db *DB) Insert(ctx context.Context, table string, rows ...core.Row) (int, error) {
	routed, err := planner.PlanInsert(table, rows, db.planOpts())
	if err != nil {
		return 0, err
	}
	result, err := routed.Execute(ctx, 0)
	if err != nil {
		return 0, err
	}
	return result.RowCount, nil
}

// ExecuteRequest executes a request forwarded by another node. The request is
// bound to a partition that this node must host.
func (db *DB) ExecuteRequest(ctx context.Context, req *command.Request) (*core.Result, error) {
	t, err := db.Table(req.Table)
	if err != nil {
		return nil, err
	}
	p := req.Partition
	if t.Capabilities().Partitioned && db.locator != nil && !db.locator.IsLocal(p) {
		return nil, &common.PartitionError{Partition: p, Err: common.ErrPartitionNotHosted}
	}

	var cmd command.Command
	if req.SQL == "" {
		insert, insertErr := command.NewInsert(t, req.Rows)
		if insertErr != nil {
			return nil, insertErr
		}
		targets, _ := insert.Targets()
		for _, target := range targets {
			if target != p {
				return nil, errors.New("Row for partition %v sent to partition %v", target, p)
			}
		}
		cmd = insert
	} else {
		stmt, parseErr := sql.Parse(req.SQL)
		if parseErr != nil {
			return nil, parseErr
		}
		compiled, compileErr := command.Compile(stmt, req.Params, t)
		if compileErr != nil {
			return nil, compileErr
		}
		cmd = compiled
	}
	if p != "" {
		cmd = cmd.CloneForPartition(p)
	}
	log.Debugf("Executing %v for remote request %v", cmd, req.ID)
	return cmd.Execute(ctx, req.Limit)
}

// Stats returns routing and partition execution stats.
func (db *DB) Stats() *metrics.Stats {
	return metrics.GetStats()
}

// PrintStats prints the routing stats to a string.
func (db *DB) PrintStats() string {
	stats := db.Stats().Routing
	return fmt.Sprintf("Local: %v    Remote: %v    Parallel: %v    Empty: %v    Refreshes: %v    Failures: %v",
		humanize.Comma(int64(stats.Local)),
		humanize.Comma(int64(stats.RemoteSingle)),
		humanize.Comma(int64(stats.Parallel)),
		humanize.Comma(int64(stats.Empty)),
		humanize.Comma(int64(stats.TopologyRefreshes)),
		humanize.Comma(int64(stats.RoutingFailures)))
}

// Go starts fn in a goroutine that is told to stop when the database closes.
func (db *DB) Go(fn func(stop <-chan interface{})) {
	db.goroutines.Add(1)
	go func() {
		defer db.goroutines.Done()
		fn(db.stop)
	}()
}

// Close closes the database, its tables and its background work.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		close(db.stop)
		db.goroutines.Wait()

		db.tablesMutex.Lock()
		for name, t := range db.tables {
			if err := t.Close(); err != nil {
				log.Errorf("Error closing table %v: %v", name, err)
			}
		}
		db.tablesMutex.Unlock()

		if closer, ok := db.forwarder.(interface{ Close() error }); ok && db.opts.Forwarder == nil {
			closer.Close()
		}
		if db.ownsSched {
			db.sched.Close()
		}
	})
	return nil
}
