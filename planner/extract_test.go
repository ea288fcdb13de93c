package planner

import (
	"testing"

	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/partition"
	"github.com/getlantern/regiondb/sql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeScheme(t *testing.T) partition.Scheme {
	scheme, err := partition.NewRange(
		partition.RangePartition{Partition: "r1", Upper: 20},
		partition.RangePartition{Partition: "r2", Upper: 50},
		partition.RangePartition{Partition: "r3"},
	)
	require.NoError(t, err)
	return scheme
}

func extractFrom(t *testing.T, where string, key []string, scheme partition.Scheme, params sql.Params) CandidateSet {
	stmt, err := sql.Parse("SELECT * FROM orders WHERE " + where)
	require.NoError(t, err, where)
	return Extract(stmt.Where, key, scheme, params)
}

func TestExtractRangeScheme(t *testing.T) {
	scheme := rangeScheme(t)
	key := []string{"customer"}
	params := sql.Params{"c": 42, "n": nil, "s": "42"}

	bounded := map[string]common.Partitions{
		"customer = 42":                             {"r2"},
		"42 = customer":                             {"r2"},
		"customer = :c":                             {"r2"},
		"customer IN (1, 42, 99)":                   {"r1", "r2", "r3"},
		"customer IN (1, 2)":                        {"r1"},
		"customer = 1 OR customer = 60":             {"r1", "r3"},
		"(customer = 1 OR customer = 21) AND x = 3": {"r1", "r2"},
		"customer = 1 AND total > 100":              {"r1"},
		"customer = 5 AND customer = 60":            {},
		"customer > 20":                             {"r2", "r3"},
		"customer >= 20":                            {"r1", "r2", "r3"},
		"customer < 21":                             {"r1", "r2"},
		"50 < customer":                             {"r3"},
		"customer > 25 AND customer <= 30":          {"r2"},
		"customer BETWEEN 10 AND 30":                {"r1", "r2"},
		"customer in (1) or (customer > 60)":        {"r1", "r3"},
		// numeric strings match numeric keys as well as string keys
		"customer = '42'":                 {"r2", "r3"},
		"customer > '30'":                 {"r2", "r3"},
		"customer < '15'":                 {"r1", "r2", "r3"},
		"customer IN ('1', 2)":            {"r1", "r3"},
		"customer = 'abc'":                {"r3"},
		"customer BETWEEN '10' AND '30'":  {"r1", "r2", "r3"},
		"customer = :s":                   {"r2", "r3"},
	}
	for where, expected := range bounded {
		cs := extractFrom(t, where, key, scheme, params)
		if assert.False(t, cs.IsUnbounded(), where) {
			assert.Equal(t, expected.Sorted(), cs.Partitions(), where)
		}
	}

	unbounded := []string{
		"total = 42",
		"customer != 42",
		"customer <> 42",
		"NOT customer = 42",
		"customer LIKE '4%'",
		"customer NOT IN (1, 2)",
		"customer NOT BETWEEN 1 AND 2",
		"customer IN (SELECT id FROM vips)",
		"customer = abs(-42)",
		"customer = :missing",
		"customer = :n",
		"customer IS NULL",
		"customer = 1 OR total = 2",
		"customer IN (1, :missing)",
	}
	for _, where := range unbounded {
		assert.True(t, extractFrom(t, where, key, scheme, params).IsUnbounded(), where)
	}
}

func TestExtractHashScheme(t *testing.T) {
	scheme, err := partition.NewHash("h1", "h2", "h3", "h4")
	require.NoError(t, err)
	key := []string{"id"}

	cs := extractFrom(t, "id = 7", key, scheme, nil)
	expected, _ := scheme.PartitionFor([]interface{}{7})
	assert.Equal(t, common.Partitions{expected}, cs.Partitions())

	assert.Equal(t, common.Partitions{expected}, extractFrom(t, "id = '7'", key, scheme, nil).Partitions())
	assert.True(t, extractFrom(t, "id > 7", key, scheme, nil).IsUnbounded(), "ranges can't prune hash partitions")
	assert.True(t, extractFrom(t, "id BETWEEN 1 AND 3", key, scheme, nil).IsUnbounded())
	assert.True(t, extractFrom(t, "id = 7 OR id > 100", key, scheme, nil).IsUnbounded())
	assert.Equal(t, 1, extractFrom(t, "id = 7 AND id > 100", key, scheme, nil).Len(), "AND with unbounded side keeps bounded side")
}

func TestExtractCompositeKey(t *testing.T) {
	scheme, err := partition.NewHash("h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8")
	require.NoError(t, err)
	key := []string{"region", "id"}

	expected := Bounded()
	for _, region := range []string{"eu", "us"} {
		for _, id := range []int{1, 2} {
			p, _ := scheme.PartitionFor([]interface{}{region, id})
			expected.partitions[p] = true
		}
	}
	cs := extractFrom(t, "region IN ('eu', 'us') AND id IN (1, 2) AND total > 3", key, scheme, nil)
	assert.Equal(t, expected.Partitions(), cs.Partitions())

	single, _ := scheme.PartitionFor([]interface{}{"eu", 1})
	cs = extractFrom(t, "id = 1 AND (region = 'eu')", key, scheme, nil)
	assert.Equal(t, common.Partitions{single}, cs.Partitions())

	assert.True(t, extractFrom(t, "region = 'eu'", key, scheme, nil).IsUnbounded(), "partial key")
	assert.True(t, extractFrom(t, "id = 1", key, scheme, nil).IsUnbounded(), "partial key")
	assert.True(t, extractFrom(t, "region = 'eu' AND id > 1", key, scheme, nil).IsUnbounded())

	var ids, regions []string
	for i := 0; i < 9; i++ {
		ids = append(ids, string(rune('1'+i)))
		regions = append(regions, "'r"+string(rune('a'+i))+"'")
	}
	big := "region IN (" + join(regions) + ") AND id IN (" + join(ids) + ")"
	assert.True(t, extractFrom(t, big, key, scheme, nil).IsUnbounded(), "too many combinations")
}

func TestExtractNotPartitioned(t *testing.T) {
	assert.True(t, Extract(nil, nil, nil, nil).IsNotPartitioned())
	assert.True(t, Extract(nil, []string{"id"}, rangeScheme(t), nil).IsUnbounded(), "no WHERE")
}

func join(items []string) string {
	result := ""
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += item
	}
	return result
}
