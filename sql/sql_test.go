package sql

import (
	"testing"

	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/sqlparser"
	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
)

func TestParseSelect(t *testing.T) {
	stmt, err := Parse(`
SELECT customer, total
FROM Orders
WHERE customer = 42 AND total > 10
ORDER BY total DESC, customer
LIMIT 10
`)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, Select, stmt.Kind)
	assert.True(t, stmt.IsQuery())
	assert.Equal(t, "orders", stmt.Table)
	assert.Equal(t, core.Fields{"customer", "total"}, stmt.Fields)
	assert.NotNil(t, stmt.Where)
	assert.Contains(t, stmt.WhereSQL, "customer = 42")
	assert.Empty(t, pretty.Compare(stmt.OrderBy, []core.OrderBy{core.NewOrderBy("total", true), core.NewOrderBy("customer", false)}))
	assert.Equal(t, 10, stmt.Limit)
}

func TestParseStar(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders")
	if !assert.NoError(t, err) {
		return
	}
	assert.Nil(t, stmt.Fields)
	assert.Nil(t, stmt.Where)
	assert.Equal(t, 0, stmt.Limit)
}

func TestParseUpdateAndDelete(t *testing.T) {
	update, err := Parse("UPDATE orders SET total = total + 1, status = 'paid' WHERE customer = :c")
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, Update, update.Kind)
	assert.False(t, update.IsQuery())
	assert.Equal(t, "orders", update.Table)
	if assert.Len(t, update.Set, 2) {
		assert.Equal(t, "total", update.Set[0].Column)
		assert.Equal(t, "status", update.Set[1].Column)
	}

	del, err := Parse("DELETE FROM orders WHERE customer IN (1, 2)")
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, Delete, del.Kind)
	assert.Equal(t, "orders", del.Table)
	assert.NotNil(t, del.Where)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("SELECT * FROM a, b")
	assert.Equal(t, ErrInvalidFrom, err)

	_, err = Parse("SELECT * FROM orders LIMIT 5, 10")
	assert.Equal(t, ErrOffsetNotSupported, err)

	_, err = Parse("SELECT total + 1 FROM orders")
	assert.Equal(t, ErrSelectNoName, err)

	_, err = Parse("this is not sql")
	assert.Error(t, err)
}

func TestTableFor(t *testing.T) {
	table, err := TableFor("select * from Customers where id = 1")
	assert.NoError(t, err)
	assert.Equal(t, "customers", table)
}

func TestMatch(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM orders WHERE (customer = :c OR customer IN (7, 8)) AND total BETWEEN 10 AND 20 AND note IS NULL`)
	if !assert.NoError(t, err) {
		return
	}
	bound, err := stmt.Bind(Params{"c": 42})
	if !assert.NoError(t, err) {
		return
	}
	assert.True(t, bound.Match(core.Row{"customer": 42, "total": 15}))
	assert.True(t, bound.Match(core.Row{"customer": 8, "total": 10}))
	assert.False(t, bound.Match(core.Row{"customer": 9, "total": 15}))
	assert.False(t, bound.Match(core.Row{"customer": 42, "total": 21}))
	assert.False(t, bound.Match(core.Row{"customer": 42, "total": 15, "note": "x"}))
}

func TestBindMissingParam(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders WHERE customer = :c")
	if !assert.NoError(t, err) {
		return
	}
	_, err = stmt.Bind(nil)
	assert.Error(t, err)
}

func TestApplyAndProject(t *testing.T) {
	stmt, err := Parse("UPDATE orders SET status = 'paid', total = 5 WHERE customer = 1")
	if !assert.NoError(t, err) {
		return
	}
	bound, err := stmt.Bind(nil)
	if !assert.NoError(t, err) {
		return
	}
	row := core.Row{"customer": 1, "status": "new", "total": 3}
	updated := bound.Apply(row)
	assert.Equal(t, core.Row{"customer": 1, "status": "paid", "total": 5}, updated)
	assert.Equal(t, "new", row["status"], "original row should be untouched")

	sel, _ := Parse("SELECT customer FROM orders")
	boundSel, _ := sel.Bind(nil)
	assert.Equal(t, core.Row{"customer": 1}, boundSel.Project(row))
}

func TestValue(t *testing.T) {
	stmt, err := Parse("SELECT * FROM t WHERE a = 1 AND b = 2.5 AND c = 'x' AND d = :p AND e = :missing")
	if !assert.NoError(t, err) {
		return
	}
	assert.NotNil(t, stmt.Where)
	params := Params{"p": "y"}
	var vals []interface{}
	var oks []bool
	collectComparisonValues(stmt, params, &vals, &oks)
	assert.Equal(t, []interface{}{1, 2.5, "x", "y", nil}, vals)
	assert.Equal(t, []bool{true, true, true, true, false}, oks)
}

func collectComparisonValues(stmt *Statement, params Params, vals *[]interface{}, oks *[]bool) {
	var walk func(e sqlparser.Expr)
	walk = func(e sqlparser.Expr) {
		switch t := e.(type) {
		case *sqlparser.AndExpr:
			walk(t.Left)
			walk(t.Right)
		case *sqlparser.ComparisonExpr:
			val, ok := Value(t.Right, params)
			*vals = append(*vals, val)
			*oks = append(*oks, ok)
		}
	}
	walk(stmt.Where)
}
