// Package planner provides functionality for planning the execution of
// statements across partitions.
package planner

import (
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/engine"
	"github.com/getlantern/regiondb/executor"
	"github.com/getlantern/regiondb/partition"
	"github.com/getlantern/regiondb/sql"
)

var (
	log = golog.LoggerFor("regiondb.planner")
)

type Opts struct {
	GetTable func(table string) (engine.Table, error)
	RunMode  common.RunMode
	// Locator is required for partitioned run modes
	Locator   partition.Locator
	Forwarder command.Forwarder
	Executor  *executor.Parallel
}

// Plan parses sqlString and plans its execution.
func Plan(sqlString string, params sql.Params, opts *Opts) (*Routed, error) {
	stmt, err := sql.Parse(sqlString)
	if err != nil {
		return nil, err
	}
	table, err := opts.GetTable(stmt.Table)
	if err != nil {
		return nil, err
	}
	cmd, err := command.Compile(stmt, params, table)
	if err != nil {
		return nil, err
	}
	return NewRouted(cmd, opts), nil
}

// PlanInsert plans inserting rows into the named table.
func PlanInsert(tableName string, rows []core.Row, opts *Opts) (*Routed, error) {
	table, err := opts.GetTable(tableName)
	if err != nil {
		return nil, err
	}
	cmd, err := command.NewInsert(table, rows)
	if err != nil {
		return nil, err
	}
	return NewRouted(cmd, opts), nil
}
