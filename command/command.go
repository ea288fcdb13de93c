// Package command compiles statements against a table into executable
// commands that can be narrowed to individual partitions and forwarded to
// remote nodes.
package command

import (
	"context"
	"fmt"
	"sort"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/engine"
	"github.com/getlantern/regiondb/sql"
	"github.com/getlantern/sqlparser"
	"github.com/getlantern/uuid"
)

var (
	log = golog.LoggerFor("regiondb.command")
)

// Request is a command bound to a single partition in a form that can be
// sent to the node hosting that partition.
type Request struct {
	ID        string
	Table     string
	SQL       string
	Params    map[string]interface{}
	Rows      []core.Row
	Partition common.Partition
	Limit     int
}

// Forwarder sends requests to remote nodes.
type Forwarder interface {
	Forward(ctx context.Context, node common.NodeID, req *Request) (*core.Result, error)
}

// Command is an executable statement.
type Command interface {
	// Filter is the WHERE clause, nil if there is none.
	Filter() sqlparser.Expr

	// Params are the bind parameters referenced by Filter.
	Params() sql.Params

	Table() engine.Table

	// RowLimit is the LIMIT of the statement, 0 if unlimited.
	RowLimit() int

	IsQuery() bool

	OrderBy() []core.OrderBy

	// Targets returns the partitions the command writes to when they are
	// known without looking at Filter (inserts).
	Targets() (common.Partitions, bool)

	// Partition is the single partition the command is bound to, empty if it
	// isn't bound to exactly one.
	Partition() common.Partition

	// CloneForPartition returns an independent copy bound to p.
	CloneForPartition(p common.Partition) Command

	// CloneForPartitions returns an independent copy bound to several local
	// partitions scanned in one call.
	CloneForPartitions(ps common.Partitions) Command

	// Execute runs the command against local storage. A positive limit
	// further caps the context's limit.
	Execute(ctx context.Context, limit int) (*core.Result, error)

	// Request builds a request to run this command on a remote node.
	Request(limit int) *Request

	// WithSink returns a copy whose results are also copied into sink.
	WithSink(sink *core.Result) Command

	String() string
}

// ExecutionContext is the per-execution state of a command. It is copied, never
// shared, between executions.
type ExecutionContext struct {
	Partitions common.Partitions
	Limit      int
	Sink       *core.Result
}

// Compiled is the Command implementation for SELECT, UPDATE, DELETE and
// INSERT.
type Compiled struct {
	stmt  *sql.Bound
	table engine.Table
	rows  map[common.Partition][]core.Row
	ec    ExecutionContext
}

// Compile binds params to stmt and compiles it against table.
func Compile(stmt *sql.Statement, params sql.Params, table engine.Table) (*Compiled, error) {
	if stmt.Table != table.Name() {
		return nil, errors.New("Statement targets %v, not %v", stmt.Table, table.Name())
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return nil, err
	}
	return &Compiled{
		stmt:  bound,
		table: table,
		ec:    ExecutionContext{Limit: stmt.Limit},
	}, nil
}

// NewInsert creates a command inserting rows into table. Rows of partitioned
// tables are assigned to partitions by their shard key values.
func NewInsert(table engine.Table, rows []core.Row) (*Compiled, error) {
	byPartition := make(map[common.Partition][]core.Row)
	spec := table.Spec()
	for _, row := range rows {
		var p common.Partition
		if table.Capabilities().Partitioned {
			values := make([]interface{}, 0, len(spec.ShardKey))
			for _, column := range spec.ShardKey {
				value, found := row[column]
				if !found || value == nil {
					return nil, errors.New("Row for %v is missing shard key column %v", table.Name(), column)
				}
				values = append(values, value)
			}
			var err error
			p, err = spec.Scheme.PartitionFor(values)
			if err != nil {
				return nil, errors.New("Unable to place row in %v: %v", table.Name(), err)
			}
		}
		byPartition[p] = append(byPartition[p], row)
	}
	return &Compiled{table: table, rows: byPartition}, nil
}

func (c *Compiled) isInsert() bool {
	return c.stmt == nil
}

func (c *Compiled) Filter() sqlparser.Expr {
	if c.isInsert() {
		return nil
	}
	return c.stmt.Where
}

func (c *Compiled) Params() sql.Params {
	if c.isInsert() {
		return nil
	}
	return c.stmt.Params
}

func (c *Compiled) Table() engine.Table {
	return c.table
}

func (c *Compiled) RowLimit() int {
	return c.ec.Limit
}

func (c *Compiled) IsQuery() bool {
	return !c.isInsert() && c.stmt.IsQuery()
}

func (c *Compiled) OrderBy() []core.OrderBy {
	if c.isInsert() {
		return nil
	}
	return c.stmt.OrderBy
}

func (c *Compiled) Targets() (common.Partitions, bool) {
	if !c.isInsert() {
		return nil, false
	}
	targets := make(common.Partitions, 0, len(c.rows))
	for p := range c.rows {
		targets = append(targets, p)
	}
	return targets.Sorted(), true
}

func (c *Compiled) Partition() common.Partition {
	if len(c.ec.Partitions) != 1 {
		return ""
	}
	return c.ec.Partitions[0]
}

func (c *Compiled) CloneForPartition(p common.Partition) Command {
	return c.CloneForPartitions(common.Partitions{p})
}

func (c *Compiled) CloneForPartitions(ps common.Partitions) Command {
	clone := *c
	clone.ec.Partitions = append(common.Partitions(nil), ps...)
	clone.ec.Sink = nil
	return &clone
}

func (c *Compiled) WithSink(sink *core.Result) Command {
	clone := *c
	clone.ec.Sink = sink
	return &clone
}

func (c *Compiled) Execute(ctx context.Context, limit int) (*core.Result, error) {
	limit = core.EffectiveLimit(c.ec.Limit, limit)
	log.Tracef("Executing %v with limit %d", c, limit)
	var result *core.Result
	var err error
	switch {
	case c.isInsert():
		result, err = c.insert(ctx)
	case c.stmt.Kind == sql.Select:
		result, err = c.query(ctx, limit)
	case c.stmt.Kind == sql.Update:
		result, err = c.update(ctx)
	default:
		result, err = c.delete(ctx)
	}
	if err != nil {
		return nil, err
	}
	result.CopyTo(c.ec.Sink)
	return result, nil
}

func (c *Compiled) query(ctx context.Context, limit int) (*core.Result, error) {
	result := core.NewQueryResult(c.stmt.Fields)
	ordered := len(c.stmt.OrderBy) > 0
	err := c.table.Scan(ctx, c.ec.Partitions, func(row core.Row) (bool, error) {
		if !c.stmt.Match(row) {
			return true, nil
		}
		result.AddRow(c.stmt.Project(row))
		// ordered results need every match before they can be cut
		return ordered || limit <= 0 || result.RowCount < limit, nil
	})
	if err != nil {
		return nil, err
	}
	if ordered {
		core.SortRows(result.Rows, c.stmt.OrderBy...)
		if limit > 0 && len(result.Rows) > limit {
			result.Rows = result.Rows[:limit]
			result.RowCount = limit
		}
	}
	if result.Fields == nil {
		result.Fields = fieldsOf(result.Rows)
	}
	return result, nil
}

func (c *Compiled) update(ctx context.Context) (*core.Result, error) {
	return c.write(c.ec.Partitions, func(partitions common.Partitions) (int, error) {
		return c.table.Update(ctx, partitions, func(row core.Row) (core.Row, bool) {
			if !c.stmt.Match(row) {
				return nil, false
			}
			return c.stmt.Apply(row), true
		})
	})
}

func (c *Compiled) delete(ctx context.Context) (*core.Result, error) {
	return c.write(c.ec.Partitions, func(partitions common.Partitions) (int, error) {
		return c.table.Delete(ctx, partitions, c.stmt.Match)
	})
}

func (c *Compiled) insert(ctx context.Context) (*core.Result, error) {
	targets, _ := c.Targets()
	if len(c.ec.Partitions) > 0 {
		targets = c.ec.Partitions
	}
	var nonEmpty common.Partitions
	for _, p := range targets {
		if len(c.rows[p]) > 0 {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return core.NewCountResult(0), nil
	}
	return c.write(nonEmpty, func(partitions common.Partitions) (int, error) {
		total := 0
		for _, p := range partitions {
			count, err := c.table.Insert(ctx, p, c.rows[p]...)
			total += count
			if err != nil {
				return total, err
			}
		}
		return total, nil
	})
}

// write applies fn to each of several partitions in turn. Partitions that
// committed before a failure are reported in a *common.PartialWriteError,
// nothing is rolled back.
func (c *Compiled) write(partitions common.Partitions, fn func(common.Partitions) (int, error)) (*core.Result, error) {
	if len(partitions) <= 1 || !c.table.Capabilities().Partitioned {
		count, err := fn(partitions)
		if err != nil {
			return nil, err
		}
		return core.NewCountResult(count), nil
	}

	total := 0
	var applied common.Partitions
	for _, p := range partitions {
		count, err := fn(common.Partitions{p})
		total += count
		if err != nil {
			err = &common.PartitionError{Partition: p, Err: err}
			if len(applied) == 0 {
				return nil, err
			}
			log.Debugf("Write to %v failed after %v committed: %v", p, applied, err)
			return nil, &common.PartialWriteError{Applied: applied, RowsAffected: total, Err: err}
		}
		applied = append(applied, p)
	}
	return core.NewCountResult(total), nil
}

func (c *Compiled) Request(limit int) *Request {
	req := &Request{
		ID:        uuid.New().String(),
		Table:     c.table.Name(),
		Partition: c.Partition(),
		Limit:     limit,
	}
	if c.isInsert() {
		if req.Partition != "" {
			req.Rows = c.rows[req.Partition]
		} else {
			for _, p := range c.rowPartitions() {
				req.Rows = append(req.Rows, c.rows[p]...)
			}
		}
		return req
	}
	req.SQL = c.stmt.SQL
	req.Params = c.stmt.Params
	return req
}

func (c *Compiled) rowPartitions() common.Partitions {
	targets, _ := c.Targets()
	return targets
}

func (c *Compiled) String() string {
	what := "insert"
	if !c.isInsert() {
		what = c.stmt.SQL
	}
	if len(c.ec.Partitions) == 0 {
		return what
	}
	return fmt.Sprintf("%v on %v", what, c.ec.Partitions)
}

func fieldsOf(rows []core.Row) core.Fields {
	names := make(map[string]bool)
	for _, row := range rows {
		for name := range row {
			names[name] = true
		}
	}
	fields := make(core.Fields, 0, len(names))
	for name := range names {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}
