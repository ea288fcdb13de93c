package core

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/getlantern/regiondb/common"
)

// OrderBy specifies a field by which to order rows.
type OrderBy struct {
	Field      string
	Descending bool
}

func (o OrderBy) String() string {
	ascending := "asc"
	if o.Descending {
		ascending = "desc"
	}
	return fmt.Sprintf("%v(%v)", o.Field, ascending)
}

func NewOrderBy(field string, descending bool) OrderBy {
	return OrderBy{
		Field:      field,
		Descending: descending,
	}
}

// CompareRows orders a and b by the given order bys.
func CompareRows(a Row, b Row, by []OrderBy) int {
	for _, o := range by {
		c := common.Compare(a.Get(o.Field), b.Get(o.Field))
		if c == 0 {
			continue
		}
		if o.Descending {
			return -c
		}
		return c
	}
	return 0
}

// SortRows sorts rows in place (stable).
func SortRows(rows []Row, by ...OrderBy) {
	if len(by) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return CompareRows(rows[i], rows[j], by) < 0
	})
}

// MergeSorted performs a k-way merge of already sorted streams, emitting at
// most limit rows (limit <= 0 means all).
func MergeSorted(streams [][]Row, limit int, by ...OrderBy) []Row {
	h := &mergeHeap{by: by}
	total := 0
	for i, stream := range streams {
		total += len(stream)
		if len(stream) > 0 {
			h.items = append(h.items, &mergeCursor{stream: i, rows: stream})
		}
	}
	if limit > 0 && limit < total {
		total = limit
	}
	heap.Init(h)

	result := make([]Row, 0, total)
	for h.Len() > 0 && len(result) < total {
		cursor := h.items[0]
		result = append(result, cursor.rows[cursor.pos])
		cursor.pos++
		if cursor.pos == len(cursor.rows) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
	return result
}

type mergeCursor struct {
	stream int
	rows   []Row
	pos    int
}

type mergeHeap struct {
	items []*mergeCursor
	by    []OrderBy
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := CompareRows(a.rows[a.pos], b.rows[b.pos], h.by)
	if c == 0 {
		// keep merge deterministic for equal keys
		return a.stream < b.stream
	}
	return c < 0
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*mergeCursor))
}

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
