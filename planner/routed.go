package planner

import (
	"context"
	serrors "errors"

	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/executor"
	"github.com/getlantern/regiondb/metrics"
)

// Routed wraps a command and decides on every execution whether it runs
// locally, on a single remote node or in parallel across partitions.
type Routed struct {
	cmd  command.Command
	opts *Opts
	sink *core.Result
}

// NewRouted creates a Routed for cmd.
func NewRouted(cmd command.Command, opts *Opts) *Routed {
	return &Routed{cmd: cmd, opts: opts}
}

// CopyTo returns a Routed that also copies its results into sink.
func (r *Routed) CopyTo(sink *core.Result) *Routed {
	return &Routed{cmd: r.cmd, opts: r.opts, sink: sink}
}

// Command returns the wrapped command.
func (r *Routed) Command() command.Command {
	return r.cmd
}

// partitioned indicates whether the command needs partition routing at all.
// Outside of sharding and replication modes, and for tables that aren't
// partitioned, everything executes locally.
func (r *Routed) partitioned() bool {
	return r.opts.RunMode.Partitioned() &&
		r.opts.Locator != nil &&
		r.cmd.Table().Capabilities().Partitioned
}

// Candidates returns the partitions the command may touch.
func (r *Routed) Candidates() CandidateSet {
	if targets, ok := r.cmd.Targets(); ok {
		if !r.cmd.Table().Capabilities().Partitioned {
			return NotPartitioned
		}
		return Bounded(targets...)
	}
	spec := r.cmd.Table().Spec()
	return Extract(r.cmd.Filter(), spec.ShardKey, spec.Scheme, r.cmd.Params())
}

// Decide routes the command against the current topology, refreshing the
// topology and retrying once if a partition can't be located.
func (r *Routed) Decide(ctx context.Context) (Decision, error) {
	if !r.partitioned() {
		return Decision{Kind: Local}, nil
	}
	cs := r.Candidates()
	all := r.cmd.Table().Spec().Scheme.Partitions()
	caps := r.cmd.Table().Capabilities()

	decision, err := Route(cs, all, r.opts.Locator.Snapshot(), caps)
	if err != nil && common.IsRetryable(err) {
		log.Debugf("Unable to route %v, refreshing topology: %v", r.cmd, err)
		metrics.TopologyRefreshed()
		refreshErr := r.opts.Locator.Refresh(ctx)
		if refreshErr != nil {
			log.Errorf("Unable to refresh topology: %v", refreshErr)
		}
		decision, err = Route(cs, all, r.opts.Locator.Snapshot(), caps)
	}
	if err != nil {
		metrics.RoutingFailed()
		routingErr := &common.RoutingError{Table: r.cmd.Table().Name(), Err: err}
		var locationErr *common.LocationError
		if serrors.As(err, &locationErr) {
			routingErr.Partition = locationErr.Partition
		}
		return Decision{}, routingErr
	}
	return decision, nil
}

// Execute executes the command. A positive limit caps the number of rows
// returned by queries on top of the statement's own LIMIT.
func (r *Routed) Execute(ctx context.Context, limit int) (*core.Result, error) {
	limit = core.EffectiveLimit(r.cmd.RowLimit(), limit)
	decision, err := r.Decide(ctx)
	if err != nil {
		return nil, err
	}
	metrics.Routed(decision.Kind.String())
	log.Debugf("Routing %v: %v", r.cmd, decision)

	switch decision.Kind {
	case Empty:
		var result *core.Result
		if r.cmd.IsQuery() {
			result = core.NewQueryResult(nil)
		} else {
			result = core.NewCountResult(0)
		}
		result.CopyTo(r.sink)
		return result, nil
	case Local:
		cmd := r.cmd
		if decision.Partition != "" {
			cmd = cmd.CloneForPartition(decision.Partition)
		} else if len(decision.Partitions) > 0 {
			cmd = cmd.CloneForPartitions(decision.Partitions)
		}
		// local execution writes straight into the sink
		return cmd.WithSink(r.sink).Execute(ctx, limit)
	case RemoteSingle:
		result, err := r.forward(ctx, decision, limit)
		if err != nil {
			return nil, err
		}
		result.CopyTo(r.sink)
		return result, nil
	}

	exec := r.opts.Executor
	if exec == nil {
		exec = executor.New(nil, r.opts.Forwarder)
	}
	result, err := exec.Execute(ctx, r.cmd, decision.Legs, limit)
	if err != nil {
		return nil, err
	}
	result.CopyTo(r.sink)
	return result, nil
}

func (r *Routed) forward(ctx context.Context, decision Decision, limit int) (*core.Result, error) {
	if r.opts.Forwarder == nil {
		return nil, &common.RemoteDispatchError{Node: decision.Node, Partition: decision.Partition, Err: errors.New("No forwarder configured")}
	}
	req := r.cmd.CloneForPartition(decision.Partition).Request(limit)
	result, err := r.opts.Forwarder.Forward(ctx, decision.Node, req)
	if err != nil {
		var dispatchErr *common.RemoteDispatchError
		if serrors.As(err, &dispatchErr) {
			return nil, err
		}
		return nil, &common.RemoteDispatchError{Node: decision.Node, Partition: decision.Partition, Err: err}
	}
	return result, nil
}
