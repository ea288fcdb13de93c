// Package executor fans a command out over several partitions and merges the
// results.
package executor

import (
	"context"
	serrors "errors"
	"sync/atomic"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/mtime"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/metrics"
	"github.com/getlantern/regiondb/scheduler"
)

var (
	log = golog.LoggerFor("regiondb.executor")
)

// Leg is one partition of a parallel execution and where it runs.
type Leg struct {
	Partition common.Partition
	Node      common.NodeID
	Local     bool
}

// Parallel executes commands across partitions using a scheduler for the
// per-partition sub-executions.
type Parallel struct {
	scheduler *scheduler.Scheduler
	forwarder command.Forwarder
}

// New creates a Parallel executor. forwarder may be nil if every leg is local.
func New(sched *scheduler.Scheduler, forwarder command.Forwarder) *Parallel {
	if sched == nil {
		sched = scheduler.New()
	}
	return &Parallel{scheduler: sched, forwarder: forwarder}
}

type legResult struct {
	leg     Leg
	result  *core.Result
	err     error
	skipped bool
}

// Execute runs cmd on every leg and blocks until the merged result is
// available.
//
// Queries return at most limit rows (all rows if limit <= 0). Unordered
// queries stop consuming and cancel outstanding legs once limit rows have
// arrived. Ordered queries merge the per-partition sorted results. The first
// failing leg fails the whole query.
//
// Writes run on every leg and return the sum of affected rows. If any leg
// fails, the error is a *common.PartialWriteError listing the partitions that
// applied their portion.
func (p *Parallel) Execute(ctx context.Context, cmd command.Command, legs []Leg, limit int) (*core.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	isQuery := cmd.IsQuery()
	ordered := isQuery && len(cmd.OrderBy()) > 0
	legLimit := limit
	if !isQuery {
		legLimit = 0
	}

	// rows produced so far, lets legs that haven't started skip once an
	// unordered query already has enough
	produced := int64(0)
	enough := func() bool {
		return isQuery && !ordered && limit > 0 && atomic.LoadInt64(&produced) >= int64(limit)
	}

	results := make(chan *legResult, len(legs))
	for _, leg := range legs {
		leg := leg
		err := p.scheduler.Dispatch(func() {
			if !isQuery && ctx.Err() != nil {
				results <- &legResult{leg: leg, err: &common.PartitionError{Partition: leg.Partition, Err: ctx.Err()}}
				return
			}
			if ctx.Err() != nil || enough() {
				results <- &legResult{leg: leg, skipped: true}
				return
			}
			elapsed := mtime.Stopwatch()
			result, err := p.executeLeg(ctx, cmd, leg, legLimit)
			rows := 0
			if result != nil {
				rows = len(result.Rows)
				atomic.AddInt64(&produced, int64(rows))
			}
			metrics.PartitionExecuted(string(leg.Partition), rows, elapsed(), err)
			log.Tracef("Executed %v on %v in %v", cmd, leg.Partition, elapsed())
			results <- &legResult{leg: leg, result: result, err: err}
		})
		if err != nil {
			results <- &legResult{leg: leg, err: &common.PartitionError{Partition: leg.Partition, Err: errors.New("Unable to schedule: %v", err)}}
		}
	}

	if !isQuery {
		return p.collectWrites(results, len(legs))
	}
	return p.collectQuery(ctx, cmd, results, len(legs), limit, ordered)
}

func (p *Parallel) executeLeg(ctx context.Context, cmd command.Command, leg Leg, limit int) (*core.Result, error) {
	clone := cmd.CloneForPartition(leg.Partition)
	if leg.Local {
		result, err := clone.Execute(ctx, limit)
		if err != nil {
			return nil, &common.PartitionError{Partition: leg.Partition, Err: err}
		}
		return result, nil
	}
	if p.forwarder == nil {
		return nil, &common.RemoteDispatchError{Node: leg.Node, Partition: leg.Partition, Err: errors.New("No forwarder configured")}
	}
	result, err := p.forwarder.Forward(ctx, leg.Node, clone.Request(limit))
	if err != nil {
		var dispatchErr *common.RemoteDispatchError
		if serrors.As(err, &dispatchErr) {
			return nil, err
		}
		return nil, &common.RemoteDispatchError{Node: leg.Node, Partition: leg.Partition, Err: err}
	}
	return result, nil
}

func (p *Parallel) collectQuery(ctx context.Context, cmd command.Command, results chan *legResult, numLegs int, limit int, ordered bool) (*core.Result, error) {
	merged := core.NewQueryResult(nil)
	var streams [][]core.Row
	for pending := numLegs; pending > 0; pending-- {
		var r *legResult
		select {
		case r = <-results:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			log.Debugf("Leg %v failed, abandoning query: %v", r.leg.Partition, r.err)
			return nil, r.err
		}
		if r.skipped {
			continue
		}
		if merged.Fields == nil {
			merged.Fields = r.result.Fields
		}
		if ordered {
			streams = append(streams, r.result.Rows)
			continue
		}
		for _, row := range r.result.Rows {
			merged.AddRow(row)
			if limit > 0 && merged.RowCount >= limit {
				// cancel outstanding legs, anything still in flight is ignored
				log.Tracef("Reached limit of %d with %d legs pending", limit, pending-1)
				return merged, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ordered {
		for _, row := range core.MergeSorted(streams, limit, cmd.OrderBy()...) {
			merged.AddRow(row)
		}
	}
	return merged, nil
}

func (p *Parallel) collectWrites(results chan *legResult, numLegs int) (*core.Result, error) {
	total := 0
	var applied common.Partitions
	var firstErr error
	for pending := numLegs; pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.skipped {
			continue
		}
		total += r.result.RowCount
		applied = append(applied, r.leg.Partition)
	}
	if firstErr != nil {
		if len(applied) == 0 {
			return nil, firstErr
		}
		return nil, &common.PartialWriteError{Applied: applied.Sorted(), RowsAffected: total, Err: firstErr}
	}
	return core.NewCountResult(total), nil
}
