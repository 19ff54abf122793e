package grid

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/solar"
)

var ErrDuplicateAddress = errors.New("duplicate node address")

// Population is the fixed set of nodes of a run, kept in insertion order.
// Iteration order is the matching order, so it must stay deterministic.
type Population struct {
	nodes []*Node
	index map[string]int
}

// NewPopulation creates a population from nodes in the given order.
func NewPopulation(nodes ...*Node) (*Population, error) {
	p := &Population{index: make(map[string]int, len(nodes))}
	for _, n := range nodes {
		if err := p.Add(n); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add appends a node. Addresses must be unique.
func (p *Population) Add(n *Node) error {
	if n == nil {
		return errors.New("nil node")
	}
	if _, ok := p.index[n.Address()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, n.Address())
	}
	p.index[n.Address()] = len(p.nodes)
	p.nodes = append(p.nodes, n)
	return nil
}

// Len returns the number of nodes.
func (p *Population) Len() int { return len(p.nodes) }

// Nodes returns the nodes in insertion order. The slice is a copy; the
// nodes are shared.
func (p *Population) Nodes() []*Node {
	out := make([]*Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Get looks up a node by address.
func (p *Population) Get(address string) (*Node, bool) {
	i, ok := p.index[address]
	if !ok {
		return nil, false
	}
	return p.nodes[i], true
}

// Snapshots returns every node's state in insertion order.
func (p *Population) Snapshots() []model.NodeSnapshot {
	out := make([]model.NodeSnapshot, len(p.nodes))
	for i, n := range p.nodes {
		out[i] = n.Snapshot()
	}
	return out
}

// Spec describes a homogeneous population.
type Spec struct {
	Count         int
	CapacityKWh   float64
	InitialSoCKWh float64
	DefaultLoadKW float64
	StepHours     float64
	Generation    solar.Params
}

// Build creates Count nodes with ids 1..Count and addresses from Address.
// Every node gets its own generation model seeded from rng.
func Build(spec Spec, rng *rand.Rand) (*Population, error) {
	if spec.Count < 1 {
		return nil, fmt.Errorf("node count must be >= 1, got %d", spec.Count)
	}
	p := &Population{index: make(map[string]int, spec.Count)}
	for id := 1; id <= spec.Count; id++ {
		var nodeRng *rand.Rand
		if rng != nil {
			nodeRng = rand.New(rand.NewPCG(rng.Uint64(), uint64(id)))
		}
		gen, err := solar.New(spec.Generation, nodeRng)
		if err != nil {
			return nil, err
		}
		storage, err := NewStorageUnit(spec.CapacityKWh, spec.InitialSoCKWh)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		n, err := NewNode(id, Address(id), gen, storage, spec.DefaultLoadKW)
		if err != nil {
			return nil, err
		}
		n.SetStepHours(spec.StepHours)
		if err := p.Add(n); err != nil {
			return nil, err
		}
	}
	return p, nil
}
