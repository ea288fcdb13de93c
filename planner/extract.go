package planner

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/partition"
	"github.com/getlantern/regiondb/sql"
	"github.com/getlantern/sqlparser"
)

const (
	// maxKeyCombinations caps the cartesian product of per-column values for
	// multi-column shard keys. Larger products are treated as unbounded.
	maxKeyCombinations = 64
)

// CandidateSet is the set of partitions a filter may touch. Bounded sets may
// contain partitions that turn out to hold no matching rows, but never miss
// one that does.
type CandidateSet struct {
	unbounded      bool
	notPartitioned bool
	partitions     map[common.Partition]bool
}

var (
	// Unbounded means any partition may hold matching rows.
	Unbounded = CandidateSet{unbounded: true}

	// NotPartitioned is the candidate set of tables without a shard key.
	NotPartitioned = CandidateSet{notPartitioned: true}
)

// Bounded creates a candidate set holding exactly partitions.
func Bounded(partitions ...common.Partition) CandidateSet {
	cs := CandidateSet{partitions: make(map[common.Partition]bool, len(partitions))}
	for _, p := range partitions {
		cs.partitions[p] = true
	}
	return cs
}

func (cs CandidateSet) IsUnbounded() bool {
	return cs.unbounded
}

func (cs CandidateSet) IsNotPartitioned() bool {
	return cs.notPartitioned
}

// Partitions returns the sorted partitions of a bounded set.
func (cs CandidateSet) Partitions() common.Partitions {
	result := make(common.Partitions, 0, len(cs.partitions))
	for p := range cs.partitions {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (cs CandidateSet) Len() int {
	return len(cs.partitions)
}

func (cs CandidateSet) union(other CandidateSet) CandidateSet {
	if cs.unbounded || other.unbounded {
		return Unbounded
	}
	result := Bounded(cs.Partitions()...)
	for p := range other.partitions {
		result.partitions[p] = true
	}
	return result
}

func (cs CandidateSet) intersect(other CandidateSet) CandidateSet {
	if cs.unbounded {
		return other
	}
	if other.unbounded {
		return cs
	}
	result := Bounded()
	for p := range cs.partitions {
		if other.partitions[p] {
			result.partitions[p] = true
		}
	}
	return result
}

func (cs CandidateSet) String() string {
	switch {
	case cs.notPartitioned:
		return "not partitioned"
	case cs.unbounded:
		return "unbounded"
	}
	return cs.Partitions().String()
}

// Extract determines which partitions of a table sharded on key by scheme may
// hold rows matching where. It never fails: anything it can't reason about
// is Unbounded.
func Extract(where sqlparser.Expr, key []string, scheme partition.Scheme, params sql.Params) CandidateSet {
	if len(key) == 0 || scheme == nil {
		return NotPartitioned
	}
	if where == nil {
		return Unbounded
	}
	x := &extractor{key: key, scheme: scheme, params: params}
	cs := x.extract(where)
	log.Tracef("Candidates for %v: %v", sql.NodeToString(where), cs)
	return cs
}

type extractor struct {
	key    []string
	scheme partition.Scheme
	params sql.Params
}

func (x *extractor) extract(_e sqlparser.Expr) CandidateSet {
	switch e := _e.(type) {
	case *sqlparser.ParenBoolExpr:
		return x.extract(e.Expr)
	case *sqlparser.OrExpr:
		left := x.extract(e.Left)
		if left.unbounded {
			return Unbounded
		}
		return left.union(x.extract(e.Right))
	case *sqlparser.AndExpr:
		conjuncts := flattenAnd(e, nil)
		result := Unbounded
		for _, conjunct := range conjuncts {
			result = result.intersect(x.extract(conjunct))
		}
		if len(x.key) > 1 {
			result = result.intersect(x.extractCompositeKey(conjuncts))
		}
		return result
	case *sqlparser.ComparisonExpr:
		return x.extractComparison(e)
	case *sqlparser.RangeCond:
		if !strings.EqualFold(e.Operator, "between") || !x.isKey(e.Left) {
			return Unbounded
		}
		from, fromOK := sql.Value(e.From, x.params)
		to, toOK := sql.Value(e.To, x.params)
		if !fromOK || !toOK {
			return Unbounded
		}
		return x.inRange(&partition.Bound{Value: from, Inclusive: true}, &partition.Bound{Value: to, Inclusive: true})
	}
	// NOT, IS NULL, EXISTS, functions and the like
	return Unbounded
}

func (x *extractor) extractComparison(e *sqlparser.ComparisonExpr) CandidateSet {
	op := strings.ToLower(e.Operator)
	left, right := e.Left, e.Right
	if !x.isKey(left) && x.isKey(right) {
		left, right = right, left
		op = flip(op)
	}
	if !x.isKey(left) {
		return Unbounded
	}

	switch op {
	case "=":
		if len(x.key) > 1 {
			// resolved together with the other key columns by the enclosing AND
			return Unbounded
		}
		value, ok := sql.Value(right, x.params)
		if !ok {
			return Unbounded
		}
		return x.partitionForAny(value)
	case "in":
		if len(x.key) > 1 {
			return Unbounded
		}
		values, ok := x.values(right)
		if !ok {
			return Unbounded
		}
		result := Bounded()
		for _, value := range values {
			result = result.union(x.partitionForAny(value))
			if result.unbounded {
				return Unbounded
			}
		}
		return result
	case "<", "<=", ">", ">=":
		value, ok := sql.Value(right, x.params)
		if !ok {
			return Unbounded
		}
		bound := &partition.Bound{Value: value, Inclusive: strings.HasSuffix(op, "=")}
		if op[0] == '<' {
			return x.inRange(nil, bound)
		}
		return x.inRange(bound, nil)
	}
	// !=, <>, LIKE, NOT IN, <=>
	return Unbounded
}

// extractCompositeKey resolves multi-column keys from equality and IN
// conjuncts covering every key column.
func (x *extractor) extractCompositeKey(conjuncts []sqlparser.Expr) CandidateSet {
	valuesByColumn := make(map[string][]interface{}, len(x.key))
	for _, _conjunct := range conjuncts {
		if paren, ok := _conjunct.(*sqlparser.ParenBoolExpr); ok {
			_conjunct = paren.Expr
		}
		conjunct, ok := _conjunct.(*sqlparser.ComparisonExpr)
		if !ok {
			continue
		}
		op := strings.ToLower(conjunct.Operator)
		left, right := conjunct.Left, conjunct.Right
		if !x.isKey(left) && x.isKey(right) && op == "=" {
			left, right = right, left
		}
		col, isCol := left.(*sqlparser.ColName)
		if !isCol || !x.isKey(left) {
			continue
		}
		var values []interface{}
		switch op {
		case "=":
			value, ok := sql.Value(right, x.params)
			if !ok {
				continue
			}
			values = []interface{}{value}
		case "in":
			var ok bool
			values, ok = x.values(right)
			if !ok {
				continue
			}
		default:
			continue
		}
		values = expandKeyForms(values)
		name := sql.ColumnName(col)
		if existing, found := valuesByColumn[name]; found {
			// two constraints on the same column, keep the smaller one
			if len(existing) <= len(values) {
				continue
			}
		}
		valuesByColumn[name] = values
	}

	combinations := 1
	for _, column := range x.key {
		values := valuesByColumn[column]
		if len(values) == 0 {
			return Unbounded
		}
		combinations *= len(values)
		if combinations > maxKeyCombinations {
			return Unbounded
		}
	}

	result := Bounded()
	tuple := make([]interface{}, len(x.key))
	var combine func(i int) bool
	combine = func(i int) bool {
		if i == len(x.key) {
			p, err := x.scheme.PartitionFor(tuple)
			if err != nil {
				return false
			}
			result.partitions[p] = true
			return true
		}
		for _, value := range valuesByColumn[x.key[i]] {
			tuple[i] = value
			if !combine(i + 1) {
				return false
			}
		}
		return true
	}
	if !combine(0) {
		return Unbounded
	}
	return result
}

func (x *extractor) partitionFor(value interface{}) CandidateSet {
	p, err := x.scheme.PartitionFor([]interface{}{value})
	if err != nil {
		log.Tracef("Unable to place %v: %v", value, err)
		return Unbounded
	}
	return Bounded(p)
}

// partitionForAny places every form a matching key may take.
func (x *extractor) partitionForAny(value interface{}) CandidateSet {
	result := Bounded()
	for _, form := range keyForms(value) {
		result = result.union(x.partitionFor(form))
		if result.unbounded {
			return Unbounded
		}
	}
	return result
}

func (x *extractor) inRange(lower *partition.Bound, upper *partition.Bound) CandidateSet {
	ordered, ok := x.scheme.(partition.Ordered)
	if !ok || len(x.key) != 1 {
		return Unbounded
	}
	result := Bounded()
	for _, l := range boundForms(lower) {
		for _, u := range boundForms(upper) {
			for _, p := range ordered.PartitionsInRange(l, u) {
				result.partitions[p] = true
			}
		}
	}
	return result
}

// keyForms returns the key values that compare equal to value when rows are
// evaluated. Row predicates coerce numeric strings to numbers, so '42' matches
// both "42" and 42, which range schemes place in different partitions.
func keyForms(value interface{}) []interface{} {
	s, ok := value.(string)
	if !ok {
		return []interface{}{value}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return []interface{}{value}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return []interface{}{value, int(f)}
	}
	return []interface{}{value, f}
}

func expandKeyForms(values []interface{}) []interface{} {
	result := make([]interface{}, 0, len(values))
	for _, value := range values {
		result = append(result, keyForms(value)...)
	}
	return result
}

func boundForms(b *partition.Bound) []*partition.Bound {
	if b == nil {
		return []*partition.Bound{nil}
	}
	forms := keyForms(b.Value)
	result := make([]*partition.Bound, 0, len(forms))
	for _, form := range forms {
		result = append(result, &partition.Bound{Value: form, Inclusive: b.Inclusive})
	}
	return result
}

func (x *extractor) values(e sqlparser.Expr) ([]interface{}, bool) {
	tuple, ok := e.(sqlparser.ValTuple)
	if !ok {
		// subqueries
		return nil, false
	}
	values := make([]interface{}, 0, len(tuple))
	for _, ve := range tuple {
		value, ok := sql.Value(ve, x.params)
		if !ok {
			return nil, false
		}
		values = append(values, value)
	}
	return values, true
}

func (x *extractor) isKey(e sqlparser.Expr) bool {
	col, ok := e.(*sqlparser.ColName)
	if !ok {
		return false
	}
	name := sql.ColumnName(col)
	for _, column := range x.key {
		if column == name {
			return true
		}
	}
	return false
}

func flattenAnd(e sqlparser.Expr, conjuncts []sqlparser.Expr) []sqlparser.Expr {
	switch t := e.(type) {
	case *sqlparser.AndExpr:
		conjuncts = flattenAnd(t.Left, conjuncts)
		return flattenAnd(t.Right, conjuncts)
	case *sqlparser.ParenBoolExpr:
		if _, isAnd := t.Expr.(*sqlparser.AndExpr); isAnd {
			return flattenAnd(t.Expr, conjuncts)
		}
	}
	return append(conjuncts, e)
}

func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}
