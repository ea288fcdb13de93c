package partition

import (
	"context"
	"io/ioutil"
	"sync"

	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/yaml"
)

// Locator resolves which node hosts each partition.
type Locator interface {
	// Locate returns the node currently hosting p. An unknown partition yields
	// a *common.LocationError.
	Locate(p common.Partition) (common.NodeID, error)

	// IsLocal indicates whether p is hosted by this node.
	IsLocal(p common.Partition) bool

	// LocalPartitions filters candidates down to the ones hosted locally.
	LocalPartitions(candidates common.Partitions) common.Partitions

	// Refresh reloads the partition to node mapping.
	Refresh(ctx context.Context) error

	// Snapshot returns an immutable view of the current mapping, to be used for
	// the duration of one execution.
	Snapshot() *Topology
}

// Topology is the partition to node mapping as seen by one node.
type Topology struct {
	// Self is the id of this node
	Self common.NodeID `yaml:"self"`
	// Nodes maps node ids to RPC addresses
	Nodes map[common.NodeID]string `yaml:"nodes"`
	// Partitions maps partitions to the node hosting them
	Partitions map[common.Partition]common.NodeID `yaml:"partitions"`
}

// Local builds a single node topology hosting all of the given partitions.
func Local(self common.NodeID, partitions ...common.Partition) *Topology {
	t := &Topology{
		Self:       self,
		Nodes:      map[common.NodeID]string{},
		Partitions: make(map[common.Partition]common.NodeID, len(partitions)),
	}
	for _, p := range partitions {
		t.Partitions[p] = self
	}
	return t
}

func (t *Topology) Locate(p common.Partition) (common.NodeID, error) {
	node, found := t.Partitions[p]
	if !found || node == "" {
		return "", &common.LocationError{Partition: p}
	}
	return node, nil
}

func (t *Topology) IsLocal(p common.Partition) bool {
	node, found := t.Partitions[p]
	return found && node == t.Self
}

func (t *Topology) LocalPartitions(candidates common.Partitions) common.Partitions {
	var result common.Partitions
	for _, p := range candidates {
		if t.IsLocal(p) {
			result = append(result, p)
		}
	}
	return result
}

// Address returns the RPC address of the given node.
func (t *Topology) Address(node common.NodeID) (string, error) {
	addr, found := t.Nodes[node]
	if !found {
		return "", errors.New("Unknown node %v", node)
	}
	return addr, nil
}

func (t *Topology) clone() *Topology {
	c := &Topology{
		Self:       t.Self,
		Nodes:      make(map[common.NodeID]string, len(t.Nodes)),
		Partitions: make(map[common.Partition]common.NodeID, len(t.Partitions)),
	}
	for node, addr := range t.Nodes {
		c.Nodes[node] = addr
	}
	for p, node := range t.Partitions {
		c.Partitions[p] = node
	}
	return c
}

// Source supplies fresh topologies.
type Source func(ctx context.Context) (*Topology, error)

// FileSource reads a YAML topology from filename.
func FileSource(filename string) Source {
	return func(ctx context.Context) (*Topology, error) {
		return LoadTopology(filename)
	}
}

// LoadTopology reads a YAML topology file.
func LoadTopology(filename string) (*Topology, error) {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.New("Unable to read topology from %v: %v", filename, err)
	}
	return ParseTopology(b)
}

// ParseTopology parses a YAML topology.
func ParseTopology(b []byte) (*Topology, error) {
	t := &Topology{}
	err := yaml.Unmarshal(b, t)
	if err != nil {
		return nil, errors.New("Unable to parse topology: %v", err)
	}
	if t.Self == "" {
		return nil, errors.New("Topology is missing self")
	}
	if t.Nodes == nil {
		t.Nodes = map[common.NodeID]string{}
	}
	if t.Partitions == nil {
		t.Partitions = map[common.Partition]common.NodeID{}
	}
	return t, nil
}

// Dynamic is a Locator whose topology is replaced on Refresh.
type Dynamic struct {
	source   Source
	topology *Topology
	mx       sync.RWMutex
}

// NewDynamic creates a Locator starting at initial and refreshing from
// source. source may be nil, in which case Refresh is a no-op.
func NewDynamic(initial *Topology, source Source) *Dynamic {
	return &Dynamic{source: source, topology: initial.clone()}
}

// Static creates a Locator that never changes.
func Static(t *Topology) *Dynamic {
	return NewDynamic(t, nil)
}

func (d *Dynamic) current() *Topology {
	d.mx.RLock()
	t := d.topology
	d.mx.RUnlock()
	return t
}

func (d *Dynamic) Locate(p common.Partition) (common.NodeID, error) {
	return d.current().Locate(p)
}

func (d *Dynamic) IsLocal(p common.Partition) bool {
	return d.current().IsLocal(p)
}

func (d *Dynamic) LocalPartitions(candidates common.Partitions) common.Partitions {
	return d.current().LocalPartitions(candidates)
}

// Snapshot implements Locator. Topologies are never mutated once installed, so
// the current one is returned as is.
func (d *Dynamic) Snapshot() *Topology {
	return d.current()
}

func (d *Dynamic) Refresh(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	t, err := d.source(ctx)
	if err != nil {
		return errors.New("Unable to refresh topology: %v", err)
	}
	d.Update(t)
	return nil
}

// Update installs a new topology.
func (d *Dynamic) Update(t *Topology) {
	t = t.clone()
	d.mx.Lock()
	d.topology = t
	d.mx.Unlock()
	log.Debugf("Installed topology for %v with %d partitions", t.Self, len(t.Partitions))
}
