package sql

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/getlantern/goexpr"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/sqlparser"
)

// Bound is a Statement with its parameters bound and its expressions compiled
// for evaluation against rows.
type Bound struct {
	*Statement
	Params Params
	where  goexpr.Expr
	set    []boundAssignment
}

type boundAssignment struct {
	column string
	expr   goexpr.Expr
}

// Bind binds params to the statement and compiles its expressions.
func (s *Statement) Bind(params Params) (*Bound, error) {
	b := &Bound{Statement: s, Params: params}
	if s.Where != nil {
		where, err := goExprFor(s.Where, params)
		if err != nil {
			return nil, fmt.Errorf("Unable to compile where %v: %v", s.WhereSQL, err)
		}
		b.where = where
	}
	for _, a := range s.Set {
		expr, err := goExprFor(a.Expr, params)
		if err != nil {
			return nil, fmt.Errorf("Unable to compile value for %v: %v", a.Column, err)
		}
		b.set = append(b.set, boundAssignment{a.Column, expr})
	}
	return b, nil
}

// Match indicates whether the row satisfies the WHERE clause.
func (b *Bound) Match(row core.Row) bool {
	if b.where == nil {
		return true
	}
	result, ok := b.where.Eval(row).(bool)
	return ok && result
}

// Apply returns a copy of row with the UPDATE assignments applied. Expressions
// see the original row.
func (b *Bound) Apply(row core.Row) core.Row {
	updated := row.Clone()
	for _, a := range b.set {
		updated[a.column] = common.Normalize(a.expr.Eval(row))
	}
	return updated
}

// Project returns the selected columns of row.
func (b *Bound) Project(row core.Row) core.Row {
	if len(b.Fields) == 0 {
		return row
	}
	projected := make(core.Row, len(b.Fields))
	for _, field := range b.Fields {
		projected[field] = row[field]
	}
	return projected
}

func goExprFor(_e sqlparser.Expr, params Params) (goexpr.Expr, error) {
	if log.IsTraceEnabled() {
		log.Tracef("Parsing goexpr of type %v: %v", reflect.TypeOf(_e), nodeToString(_e))
	}
	switch e := _e.(type) {
	case *sqlparser.AndExpr:
		left, err := goExprFor(e.Left, params)
		if err != nil {
			return nil, err
		}
		right, err := goExprFor(e.Right, params)
		if err != nil {
			return nil, err
		}
		return goexpr.Binary("AND", left, right)
	case *sqlparser.OrExpr:
		left, err := goExprFor(e.Left, params)
		if err != nil {
			return nil, err
		}
		right, err := goExprFor(e.Right, params)
		if err != nil {
			return nil, err
		}
		return goexpr.Binary("OR", left, right)
	case *sqlparser.ParenBoolExpr:
		return goExprFor(e.Expr, params)
	case *sqlparser.NotExpr:
		wrapped, err := goExprFor(e.Expr, params)
		if err != nil {
			return nil, err
		}
		return goexpr.Not(wrapped), nil
	case *sqlparser.ComparisonExpr:
		op := strings.ToUpper(e.Operator)
		left, err := goExprFor(e.Left, params)
		if err != nil {
			return nil, err
		}
		if op == "IN" || op == "NOT IN" {
			tuple, ok := e.Right.(sqlparser.ValTuple)
			if !ok {
				return nil, fmt.Errorf("IN requires a list of values on the right hand side, not %v %v", reflect.TypeOf(e.Right), nodeToString(e.Right))
			}
			list := make(goexpr.ArrayList, 0, len(tuple))
			for _, ve := range tuple {
				valE, valErr := goExprFor(ve, params)
				if valErr != nil {
					return nil, valErr
				}
				list = append(list, valE)
			}
			in := goexpr.In(left, list)
			if op == "NOT IN" {
				return goexpr.Not(in), nil
			}
			return in, nil
		}
		right, err := goExprFor(e.Right, params)
		if err != nil {
			return nil, err
		}
		return goexpr.Binary(op, left, right)
	case *sqlparser.RangeCond:
		left, err := goExprFor(e.Left, params)
		if err != nil {
			return nil, err
		}
		from, err := goExprFor(e.From, params)
		if err != nil {
			return nil, err
		}
		to, err := goExprFor(e.To, params)
		if err != nil {
			return nil, err
		}
		lower, err := goexpr.Binary(">=", left, from)
		if err != nil {
			return nil, err
		}
		upper, err := goexpr.Binary("<=", left, to)
		if err != nil {
			return nil, err
		}
		between, err := goexpr.Binary("AND", lower, upper)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(e.Operator, "not between") {
			return goexpr.Not(between), nil
		}
		return between, nil
	case *sqlparser.ColName:
		colName := ColumnName(e)
		bl, err := strconv.ParseBool(colName)
		if err == nil {
			return goexpr.Constant(bl), nil
		}
		return goexpr.Param(colName), nil
	case sqlparser.StrVal, sqlparser.NumVal:
		val, _ := Value(e, params)
		if val == nil {
			return nil, fmt.Errorf("Unable to parse number %v", nodeToString(e))
		}
		return goexpr.Constant(val), nil
	case sqlparser.ValArg:
		name := strings.TrimPrefix(string(e), ":")
		val, found := params[name]
		if !found {
			return nil, fmt.Errorf("Missing value for parameter %v", name)
		}
		return goexpr.Constant(common.Normalize(val)), nil
	case *sqlparser.NullCheck:
		wrapped, err := goExprFor(e.Expr, params)
		if err != nil {
			return nil, err
		}
		op := "=="
		if "is not null" == e.Operator {
			op = "<>"
		}
		return goexpr.Binary(op, wrapped, goexpr.Constant(nil))
	default:
		return nil, fmt.Errorf("Unknown expression of type %v: %v", reflect.TypeOf(_e), nodeToString(_e))
	}
}
