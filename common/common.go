// Package common holds the identifiers, run modes and error kinds shared by
// every layer of regiondb.
package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Partition names a disjoint shard (region) of a table's rows.
type Partition string

// NodeID identifies a storage node hosting partitions.
type NodeID string

// Partitions is a list of partitions.
type Partitions []Partition

// Sorted returns a sorted copy.
func (ps Partitions) Sorted() Partitions {
	result := make(Partitions, len(ps))
	copy(result, ps)
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Contains indicates whether p is in the list.
func (ps Partitions) Contains(p Partition) bool {
	for _, candidate := range ps {
		if candidate == p {
			return true
		}
	}
	return false
}

func (ps Partitions) String() string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, string(p))
	}
	return "{" + strings.Join(names, ",") + "}"
}

// RunMode is the process-wide deployment topology.
type RunMode int

const (
	Embedded RunMode = iota
	ClientServer
	Replication
	Sharding
)

var runModeNames = map[RunMode]string{
	Embedded:     "embedded",
	ClientServer: "client_server",
	Replication:  "replication",
	Sharding:     "sharding",
}

func (m RunMode) String() string {
	name, found := runModeNames[m]
	if !found {
		return fmt.Sprintf("runmode(%d)", int(m))
	}
	return name
}

// Partitioned indicates whether tables may span multiple partitions in this
// mode. Embedded and client-server tables are always single-partition.
func (m RunMode) Partitioned() bool {
	return m == Sharding || m == Replication
}

// ParseRunMode parses a run mode name (case insensitive, dashes allowed).
func ParseRunMode(s string) (RunMode, error) {
	normalized := strings.Replace(strings.ToLower(strings.TrimSpace(s)), "-", "_", -1)
	for mode, name := range runModeNames {
		if name == normalized {
			return mode, nil
		}
	}
	return Embedded, fmt.Errorf("Unknown run mode '%v'", s)
}

// IsEmbedded checks the "embedded" key of a connection config.
func IsEmbedded(config map[string]string) bool {
	embedded, err := strconv.ParseBool(config["embedded"])
	return err == nil && embedded
}

// Normalize converts numeric values to the canonical representations used
// for hashing, comparison and predicate evaluation (int and float64).
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case uint64:
		return int(t)
	case uint:
		return int(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	default:
		return v
	}
}

// Compare orders two normalized values. Numbers order before strings, nil
// orders first.
func Compare(a interface{}, b interface{}) int {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	af, aNumeric := toFloat(a)
	bf, bNumeric := toFloat(b)
	if aNumeric && bNumeric {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if aNumeric != bNumeric {
		if aNumeric {
			return -1
		}
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
