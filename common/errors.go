package common

import (
	serrors "errors"
	"fmt"
)

var (
	// ErrPartitionLocationUnknown means the locality map has no node for a
	// partition. It is retryable after a topology refresh.
	ErrPartitionLocationUnknown = serrors.New("partition location unknown")

	// ErrEngineNotFound means no storage engine is registered under the
	// requested name. It is fatal.
	ErrEngineNotFound = serrors.New("storage engine not found")

	// ErrPartialWrite marks a write that failed after some partitions had
	// already applied their portion. Applied portions are not rolled back.
	ErrPartialWrite = serrors.New("write partially applied")

	// ErrPartitionNotHosted is returned by a node asked to execute against a
	// partition it does not host (stale ownership at the coordinator).
	ErrPartitionNotHosted = serrors.New("partition not hosted by this node")
)

// LocationError reports a partition whose owning node could not be resolved.
type LocationError struct {
	Table     string
	Partition Partition
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("no node known for partition %v of table %v", e.Partition, e.Table)
}

func (e *LocationError) Unwrap() error {
	return ErrPartitionLocationUnknown
}

// RoutingError is a routing failure surfaced after the retry on refreshed
// topology also failed.
type RoutingError struct {
	Table     string
	Partition Partition
	Err       error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("unable to route %v partition %v: %v", e.Table, e.Partition, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// EngineNotFoundError names the storage engine that could not be resolved.
type EngineNotFoundError struct {
	Name string
}

func (e *EngineNotFoundError) Error() string {
	return fmt.Sprintf("%v: %v", ErrEngineNotFound, e.Name)
}

func (e *EngineNotFoundError) Unwrap() error {
	return ErrEngineNotFound
}

// RemoteDispatchError is a network or serialization failure forwarding a
// command to a remote node. It is not retried by the routing layer.
type RemoteDispatchError struct {
	Node      NodeID
	Partition Partition
	Err       error
}

func (e *RemoteDispatchError) Error() string {
	return fmt.Sprintf("dispatch of partition %v to node %v failed: %v", e.Partition, e.Node, e.Err)
}

func (e *RemoteDispatchError) Unwrap() error {
	return e.Err
}

// PartitionError attributes a sub-execution failure to its partition.
type PartitionError struct {
	Partition Partition
	Err       error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %v: %v", e.Partition, e.Err)
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}

// PartialWriteError is surfaced when a multi-partition write fails after
// other partitions committed.
type PartialWriteError struct {
	Applied      Partitions
	RowsAffected int
	Err          error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%v: %d rows already written on partitions %v: %v", ErrPartialWrite, e.RowsAffected, e.Applied, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrPartialWrite as well as the underlying cause.
func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

// IsRetryable indicates whether the error may succeed when retried against
// refreshed topology.
func IsRetryable(err error) bool {
	return serrors.Is(err, ErrPartitionLocationUnknown)
}
