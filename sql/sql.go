// Package sql parses the small SQL dialect understood by regiondb (single
// table SELECT, UPDATE and DELETE) and compiles WHERE clauses into goexpr
// expressions for row evaluation.
package sql

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/sqlparser"
)

var (
	log = golog.LoggerFor("regiondb.sql")
)

var (
	ErrInvalidFrom        = errors.New("Please specify a single table in the FROM clause")
	ErrUnsupported        = errors.New("Unsupported statement, only SELECT, UPDATE and DELETE are supported")
	ErrSelectNoName       = errors.New("All expressions in SELECT must reference a column name")
	ErrOffsetNotSupported = errors.New("OFFSET is not supported")
)

// Kind is the kind of statement.
type Kind int

const (
	Select Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Select:
		return "select"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Params are bind parameters for placeholders like :customer. Keys omit the
// leading colon.
type Params map[string]interface{}

// Assignment is a single column = expression in an UPDATE.
type Assignment struct {
	Column string
	Expr   sqlparser.Expr
}

// Statement is a parsed statement. It is immutable once parsed and may be
// shared between concurrent executions.
type Statement struct {
	Kind  Kind
	SQL   string
	Table string
	// Fields lists selected columns, nil for SELECT *
	Fields   core.Fields
	Where    sqlparser.Expr
	WhereSQL string
	OrderBy  []core.OrderBy
	Limit    int
	Set      []Assignment
}

// IsQuery indicates whether the statement returns rows.
func (s *Statement) IsQuery() bool {
	return s.Kind == Select
}

func (s *Statement) String() string {
	return s.SQL
}

// TableFor returns the lowercase name of the table a statement targets.
func TableFor(sqlString string) (string, error) {
	stmt, err := Parse(sqlString)
	if err != nil {
		return "", err
	}
	return stmt.Table, nil
}

// Parse parses a SQL statement.
func Parse(sqlString string) (*Statement, error) {
	parsed, err := sqlparser.Parse(sqlString)
	if err != nil {
		return nil, fmt.Errorf("Error parsing %v: %v", sqlString, err)
	}
	switch stmt := parsed.(type) {
	case *sqlparser.Select:
		return parseSelect(stmt)
	case *sqlparser.Update:
		return parseUpdate(stmt)
	case *sqlparser.Delete:
		return parseDelete(stmt)
	}
	return nil, ErrUnsupported
}

func parseSelect(stmt *sqlparser.Select) (*Statement, error) {
	s := &Statement{
		Kind: Select,
		SQL:  nodeToString(stmt),
	}
	if len(stmt.From) != 1 {
		return nil, ErrInvalidFrom
	}
	table, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, ErrInvalidFrom
	}
	tableName, ok := table.Expr.(*sqlparser.TableName)
	if !ok {
		return nil, fmt.Errorf("Unknown from expression of type %v", reflect.TypeOf(table.Expr))
	}
	s.Table = strings.ToLower(string(tableName.Name))

	star := false
	for _, _e := range stmt.SelectExprs {
		switch e := _e.(type) {
		case *sqlparser.StarExpr:
			star = true
		case *sqlparser.NonStarExpr:
			col, isCol := e.Expr.(*sqlparser.ColName)
			if !isCol {
				return nil, ErrSelectNoName
			}
			s.Fields = append(s.Fields, ColumnName(col))
		}
	}
	if star {
		s.Fields = nil
	}

	if stmt.Where != nil {
		s.applyWhere(stmt.Where)
	}
	for _, o := range stmt.OrderBy {
		field := strings.ToLower(nodeToString(o.Expr))
		desc := strings.EqualFold("desc", o.Direction)
		s.OrderBy = append(s.OrderBy, core.NewOrderBy(field, desc))
	}
	if err := s.applyLimit(stmt.Limit); err != nil {
		return nil, err
	}
	return s, nil
}

func parseUpdate(stmt *sqlparser.Update) (*Statement, error) {
	s := &Statement{
		Kind:  Update,
		SQL:   nodeToString(stmt),
		Table: strings.ToLower(string(stmt.Table.Name)),
	}
	for _, ue := range stmt.Exprs {
		s.Set = append(s.Set, Assignment{
			Column: ColumnName(ue.Name),
			Expr:   ue.Expr,
		})
	}
	if stmt.Where != nil {
		s.applyWhere(stmt.Where)
	}
	return s, nil
}

func parseDelete(stmt *sqlparser.Delete) (*Statement, error) {
	s := &Statement{
		Kind:  Delete,
		SQL:   nodeToString(stmt),
		Table: strings.ToLower(string(stmt.Table.Name)),
	}
	if stmt.Where != nil {
		s.applyWhere(stmt.Where)
	}
	return s, nil
}

func (s *Statement) applyWhere(where *sqlparser.Where) {
	s.Where = where.Expr
	s.WhereSQL = strings.TrimSpace(nodeToString(where))
	log.Tracef("Applying where: %v", s.WhereSQL)
}

func (s *Statement) applyLimit(limit *sqlparser.Limit) error {
	if limit == nil {
		return nil
	}
	if limit.Offset != nil {
		return ErrOffsetNotSupported
	}
	if limit.Rowcount != nil {
		_limit := nodeToString(limit.Rowcount)
		lim, err := strconv.Atoi(strings.ToLower(strings.Trim(_limit, "''")))
		if err != nil {
			return fmt.Errorf("Unable to parse limit %v: %v", _limit, err)
		}
		s.Limit = lim
	}
	return nil
}

// ColumnName returns the normalized (lowercase) name of a column reference.
func ColumnName(col *sqlparser.ColName) string {
	return strings.TrimSpace(strings.ToLower(string(col.Name)))
}

// Value returns the constant value of a literal or bound placeholder. ok is
// false for anything that isn't a constant known at planning time, including
// NULL.
func Value(e sqlparser.Expr, params Params) (interface{}, bool) {
	switch v := e.(type) {
	case sqlparser.NumVal:
		intVal, err := strconv.Atoi(string(v))
		if err == nil {
			return intVal, true
		}
		floatVal, err := strconv.ParseFloat(string(v), 64)
		if err == nil {
			return floatVal, true
		}
	case sqlparser.StrVal:
		return string(v), true
	case sqlparser.ValArg:
		val, found := params[strings.TrimPrefix(string(v), ":")]
		if found && val != nil {
			return val, true
		}
	}
	return nil, false
}

func nodeToString(node sqlparser.SQLNode) string {
	buf := sqlparser.NewTrackedBuffer(nil)
	node.Format(buf)
	return buf.String()
}

// NodeToString formats an AST node back into SQL.
func NodeToString(node sqlparser.SQLNode) string {
	return nodeToString(node)
}
