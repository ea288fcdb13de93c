// Package partition maps shard key values to partitions and partitions to the
// nodes that host them.
package partition

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/common"
	"github.com/spaolacci/murmur3"
)

var (
	log = golog.LoggerFor("regiondb.partition")
)

// Scheme assigns shard key values to partitions.
type Scheme interface {
	// PartitionFor returns the partition holding the given shard key values,
	// one value per key column.
	PartitionFor(values []interface{}) (common.Partition, error)

	// Partitions returns all partitions of the scheme in declaration order.
	Partitions() common.Partitions

	String() string
}

// Bound is one end of a range. A nil *Bound means unbounded.
type Bound struct {
	Value     interface{}
	Inclusive bool
}

// Ordered is a Scheme whose partitions hold contiguous ranges of a single key
// column, which allows range predicates to prune partitions.
type Ordered interface {
	Scheme

	// PartitionsInRange returns every partition that may hold values between
	// lower and upper.
	PartitionsInRange(lower *Bound, upper *Bound) common.Partitions
}

// Hash spreads keys across partitions using murmur3.
type Hash struct {
	partitions common.Partitions
}

// NewHash creates a hash scheme over the given partitions.
func NewHash(partitions ...common.Partition) (*Hash, error) {
	if len(partitions) == 0 {
		return nil, errors.New("Hash scheme needs at least one partition")
	}
	return &Hash{partitions: partitions}, nil
}

func (h *Hash) PartitionFor(values []interface{}) (common.Partition, error) {
	hash := murmur3.New32()
	var buf bytes.Buffer
	for i, value := range values {
		if i > 0 {
			buf.WriteByte(0)
		}
		fmt.Fprint(&buf, common.Normalize(value))
	}
	hash.Write(buf.Bytes())
	return h.partitions[int(hash.Sum32()%uint32(len(h.partitions)))], nil
}

func (h *Hash) Partitions() common.Partitions {
	return h.partitions
}

func (h *Hash) String() string {
	return fmt.Sprintf("hash%v", h.partitions)
}

// RangePartition is a partition holding all values up to and including Upper.
// A nil Upper means no upper limit.
type RangePartition struct {
	Partition common.Partition
	Upper     interface{}
}

// Range assigns a single key column to contiguous ranges. Partition i holds
// values in (ranges[i-1].Upper, ranges[i].Upper].
type Range struct {
	ranges []RangePartition
}

// NewRange creates a range scheme. Upper bounds must be strictly increasing
// and only the last range may be unbounded.
func NewRange(ranges ...RangePartition) (*Range, error) {
	if len(ranges) == 0 {
		return nil, errors.New("Range scheme needs at least one partition")
	}
	for i, r := range ranges {
		if r.Upper == nil && i != len(ranges)-1 {
			return nil, errors.New("Only the last range of %v may be unbounded", r.Partition)
		}
		if i > 0 && common.Compare(ranges[i-1].Upper, r.Upper) >= 0 && r.Upper != nil {
			return nil, errors.New("Upper bound of %v must be greater than that of %v", r.Partition, ranges[i-1].Partition)
		}
	}
	return &Range{ranges: ranges}, nil
}

func (r *Range) PartitionFor(values []interface{}) (common.Partition, error) {
	if len(values) != 1 {
		return "", errors.New("Range scheme takes exactly one key value, got %d", len(values))
	}
	value := values[0]
	if value == nil {
		return "", errors.New("Range scheme can't place a null key")
	}
	i := sort.Search(len(r.ranges), func(i int) bool {
		upper := r.ranges[i].Upper
		return upper == nil || common.Compare(value, upper) <= 0
	})
	if i == len(r.ranges) {
		return "", errors.New("Value %v is above the last range", value)
	}
	return r.ranges[i].Partition, nil
}

func (r *Range) PartitionsInRange(lower *Bound, upper *Bound) common.Partitions {
	var result common.Partitions
	for i, rp := range r.ranges {
		if lower != nil && rp.Upper != nil {
			cmp := common.Compare(rp.Upper, lower.Value)
			if cmp < 0 || (cmp == 0 && !lower.Inclusive) {
				// entirely below lower
				continue
			}
		}
		if upper != nil && i > 0 {
			if common.Compare(r.ranges[i-1].Upper, upper.Value) >= 0 {
				// entirely above upper
				continue
			}
		}
		result = append(result, rp.Partition)
	}
	return result
}

func (r *Range) Partitions() common.Partitions {
	result := make(common.Partitions, 0, len(r.ranges))
	for _, rp := range r.ranges {
		result = append(result, rp.Partition)
	}
	return result
}

func (r *Range) String() string {
	return fmt.Sprintf("range%v", r.Partitions())
}

// List assigns explicit key values to partitions, with an optional default
// partition for everything else.
type List struct {
	partitions common.Partitions
	values     map[string]common.Partition
	deflt      common.Partition
}

// NewList creates a list scheme. Values are matched by their normalized string
// form. deflt may be empty.
func NewList(assignments map[common.Partition][]interface{}, deflt common.Partition) (*List, error) {
	l := &List{values: make(map[string]common.Partition), deflt: deflt}
	for p, values := range assignments {
		l.partitions = append(l.partitions, p)
		for _, value := range values {
			key := listKey(value)
			if existing, found := l.values[key]; found {
				return nil, errors.New("Value %v assigned to both %v and %v", value, existing, p)
			}
			l.values[key] = p
		}
	}
	if deflt != "" && !l.partitions.Contains(deflt) {
		l.partitions = append(l.partitions, deflt)
	}
	if len(l.partitions) == 0 {
		return nil, errors.New("List scheme needs at least one partition")
	}
	l.partitions = l.partitions.Sorted()
	return l, nil
}

func (l *List) PartitionFor(values []interface{}) (common.Partition, error) {
	if len(values) != 1 {
		return "", errors.New("List scheme takes exactly one key value, got %d", len(values))
	}
	p, found := l.values[listKey(values[0])]
	if found {
		return p, nil
	}
	if l.deflt != "" {
		return l.deflt, nil
	}
	return "", errors.New("No partition for value %v", values[0])
}

func (l *List) Partitions() common.Partitions {
	return l.partitions
}

func (l *List) String() string {
	return fmt.Sprintf("list%v", l.partitions)
}

func listKey(value interface{}) string {
	return fmt.Sprint(common.Normalize(value))
}
