package planner

import (
	"fmt"

	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/engine"
	"github.com/getlantern/regiondb/executor"
)

// Kind is the kind of routing decision.
type Kind int

const (
	// Local executes on this node, against one partition, several partitions
	// in a single scan, or the whole of a non-partitioned table.
	Local Kind = iota
	// RemoteSingle forwards to the node hosting the only candidate partition.
	RemoteSingle
	// Parallel fans out to every candidate partition and merges the results.
	Parallel
	// Empty means no partition can hold matching rows.
	Empty
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case RemoteSingle:
		return "remote_single"
	case Parallel:
		return "parallel"
	case Empty:
		return "empty"
	}
	return "unknown"
}

// Decision is the result of routing a candidate set.
type Decision struct {
	Kind Kind
	// Partition is set for single partition Local and RemoteSingle decisions
	Partition common.Partition
	// Node is set for RemoteSingle decisions
	Node common.NodeID
	// Partitions is set for multi-partition Local and Parallel decisions
	Partitions common.Partitions
	// Legs is set for Parallel decisions
	Legs []executor.Leg
}

func (d Decision) String() string {
	switch d.Kind {
	case Local:
		if len(d.Partitions) > 0 {
			return fmt.Sprintf("local %v", d.Partitions)
		}
		return fmt.Sprintf("local %v", d.Partition)
	case RemoteSingle:
		return fmt.Sprintf("remote_single %v on %v", d.Partition, d.Node)
	case Parallel:
		return fmt.Sprintf("parallel %v", d.Partitions)
	}
	return d.Kind.String()
}

// Locality tells where partitions live. *partition.Topology implements it.
type Locality interface {
	Locate(p common.Partition) (common.NodeID, error)

	IsLocal(p common.Partition) bool
}

// Route decides how to execute against the partitions in cs. all lists every
// partition of the table and is used for Unbounded candidate sets. Errors
// locating partitions wrap common.ErrPartitionLocationUnknown.
func Route(cs CandidateSet, all common.Partitions, locality Locality, caps engine.Capabilities) (Decision, error) {
	if cs.IsNotPartitioned() {
		return Decision{Kind: Local}, nil
	}

	targets := append(common.Partitions(nil), all...)
	if !cs.IsUnbounded() {
		targets = cs.Partitions()
	}

	switch len(targets) {
	case 0:
		return Decision{Kind: Empty}, nil
	case 1:
		p := targets[0]
		if locality.IsLocal(p) {
			return Decision{Kind: Local, Partition: p}, nil
		}
		node, err := locality.Locate(p)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Kind: RemoteSingle, Partition: p, Node: node}, nil
	}

	legs := make([]executor.Leg, 0, len(targets))
	allLocal := true
	for _, p := range targets {
		if locality.IsLocal(p) {
			legs = append(legs, executor.Leg{Partition: p, Local: true})
			continue
		}
		allLocal = false
		node, err := locality.Locate(p)
		if err != nil {
			return Decision{}, err
		}
		legs = append(legs, executor.Leg{Partition: p, Node: node})
	}
	if allLocal && caps.MultiPartitionScan {
		return Decision{Kind: Local, Partitions: targets}, nil
	}
	return Decision{Kind: Parallel, Partitions: targets, Legs: legs}, nil
}
