// Package core provides the rows and results shared by local execution,
// remote forwarding and the parallel merge.
package core

import (
	"fmt"
	"strings"
)

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// Get implements the interface method from goexpr.Params
func (r Row) Get(name string) interface{} {
	return r[name]
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	result := make(Row, len(r))
	for k, v := range r {
		result[k] = v
	}
	return result
}

// Fields is the ordered list of column names in a result.
type Fields []string

func (f Fields) String() string {
	return strings.Join(f, ", ")
}

// Equals compares two field lists positionally.
func (f Fields) Equals(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for i, name := range f {
		if other[i] != name {
			return false
		}
	}
	return true
}

// OnRow is called for each row. Returning false stops iteration.
type OnRow func(row Row) (bool, error)

// Result is a fully materialized result: rows for queries, an affected row
// count for writes.
type Result struct {
	Fields   Fields
	Rows     []Row
	RowCount int
	IsQuery  bool
}

// NewQueryResult creates an empty query result with the given fields.
func NewQueryResult(fields Fields) *Result {
	return &Result{Fields: fields, IsQuery: true}
}

// NewCountResult creates a write result with the given affected row count.
func NewCountResult(count int) *Result {
	return &Result{RowCount: count}
}

// AddRow appends a row and bumps the row count.
func (r *Result) AddRow(row Row) {
	r.Rows = append(r.Rows, row)
	r.RowCount++
}

func (r *Result) String() string {
	if !r.IsQuery {
		return fmt.Sprintf("count %d", r.RowCount)
	}
	return fmt.Sprintf("result (%v) %d rows", r.Fields, len(r.Rows))
}

// CopyTo copies this result's rows into target, mirroring a result written
// directly into a caller's sink.
func (r *Result) CopyTo(target *Result) {
	if target == nil {
		return
	}
	if target.Fields == nil {
		target.Fields = r.Fields
	}
	target.IsQuery = r.IsQuery
	if !r.IsQuery {
		target.RowCount += r.RowCount
		return
	}
	for _, row := range r.Rows {
		target.AddRow(row)
	}
}

// EffectiveLimit combines row limits, the smallest positive one wins. 0 means
// unlimited.
func EffectiveLimit(limits ...int) int {
	result := 0
	for _, limit := range limits {
		if limit > 0 && (result == 0 || limit < result) {
			result = limit
		}
	}
	return result
}
