package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
)

var (
	routingStats *RoutingStats
	byPartition  map[string]*partitionStats

	mx sync.RWMutex
)

func init() {
	reset()
}

func reset() {
	routingStats = &RoutingStats{}
	byPartition = make(map[string]*partitionStats, 0)
}

// Stats are the overall stats
type Stats struct {
	Routing    *RoutingStats
	Partitions sortedPartitionStats
}

// RoutingStats counts routing decisions
type RoutingStats struct {
	Local             int
	RemoteSingle      int
	Parallel          int
	Empty             int
	TopologyRefreshes int
	RoutingFailures   int
}

// PartitionStats provides stats for executions against a single partition
type PartitionStats struct {
	Partition  string
	Executions int
	Failures   int
	Rows       int
	// Latencies in microseconds
	P50 int64
	P95 int64
	P99 int64
}

type partitionStats struct {
	PartitionStats
	latency *hdrhistogram.Histogram
}

type sortedPartitionStats []*PartitionStats

func (s sortedPartitionStats) Len() int      { return len(s) }
func (s sortedPartitionStats) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortedPartitionStats) Less(i, j int) bool {
	return s[i].Partition < s[j].Partition
}

// Routed records a routing decision of the given kind
func Routed(kind string) {
	mx.Lock()
	switch kind {
	case "local":
		routingStats.Local++
	case "remote_single":
		routingStats.RemoteSingle++
	case "parallel":
		routingStats.Parallel++
	case "empty":
		routingStats.Empty++
	}
	mx.Unlock()
}

// TopologyRefreshed records a refresh of the partition locator
func TopologyRefreshed() {
	mx.Lock()
	routingStats.TopologyRefreshes++
	mx.Unlock()
}

// RoutingFailed records a routing failure that survived a refresh
func RoutingFailed() {
	mx.Lock()
	routingStats.RoutingFailures++
	mx.Unlock()
}

// PartitionExecuted records one execution against a partition
func PartitionExecuted(partition string, rows int, elapsed time.Duration, err error) {
	mx.Lock()
	defer mx.Unlock()
	ps := byPartition[partition]
	if ps == nil {
		ps = &partitionStats{
			PartitionStats: PartitionStats{Partition: partition},
			latency:        hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
		}
		byPartition[partition] = ps
	}
	ps.Executions++
	if err != nil {
		ps.Failures++
		return
	}
	ps.Rows += rows
	micros := int64(elapsed / time.Microsecond)
	if micros < 1 {
		micros = 1
	}
	ps.latency.RecordValue(micros)
}

func GetStats() *Stats {
	mx.RLock()
	rs := *routingStats
	s := &Stats{
		Routing:    &rs,
		Partitions: make(sortedPartitionStats, 0, len(byPartition)),
	}

	for _, ps := range byPartition {
		snapshot := ps.PartitionStats
		snapshot.P50 = ps.latency.ValueAtQuantile(50)
		snapshot.P95 = ps.latency.ValueAtQuantile(95)
		snapshot.P99 = ps.latency.ValueAtQuantile(99)
		s.Partitions = append(s.Partitions, &snapshot)
	}
	mx.RUnlock()

	sort.Sort(s.Partitions)
	return s
}
