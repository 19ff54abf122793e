package grid

import (
	"errors"
	"fmt"
	"math"

	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/solar"
)

// Node is one household nanogrid. It exclusively owns its generation model
// and storage unit. Node is not safe for concurrent use; the simulation
// engine serializes all mutation on its tick goroutine.
type Node struct {
	id      int
	address string

	generation solar.Model
	storage    *StorageUnit
	stepHours  float64

	loadDemand   float64
	solarOutput  float64
	powerBalance float64
}

// Address formats the trading address of the node with the given id.
func Address(id int) string {
	return fmt.Sprintf("0x%040x", id)
}

// NewNode creates a node. loadDemand is the demand presented before the first tick.
func NewNode(id int, address string, gen solar.Model, storage *StorageUnit, loadDemand float64) (*Node, error) {
	if address == "" {
		return nil, errors.New("node address must not be empty")
	}
	if gen == nil {
		return nil, fmt.Errorf("node %s: generation model is required", address)
	}
	if storage == nil {
		return nil, fmt.Errorf("node %s: storage unit is required", address)
	}
	return &Node{
		id:         id,
		address:    address,
		generation: gen,
		storage:    storage,
		stepHours:  DefaultStepHours,
		loadDemand: loadDemand,
	}, nil
}

// SetStepHours sets the integration step for battery updates (default 1h).
func (n *Node) SetStepHours(h float64) {
	if h > 0 {
		n.stepHours = h
	}
}

// Generate samples the node's generation model for the given hour of day.
func (n *Node) Generate(hour float64) float64 {
	out := n.generation.Output(hour)
	if out < 0 || math.IsNaN(out) {
		return 0
	}
	return out
}

// SetLoadDemand replaces the current demand. Any value is accepted except
// NaN, which keeps the previous demand.
func (n *Node) SetLoadDemand(kw float64) {
	if math.IsNaN(kw) {
		return
	}
	n.loadDemand = kw
}

// Update applies one tick of physics. The surplus charges the battery, a
// deficit discharges it, and the pre-battery net becomes the tradable balance.
func (n *Node) Update(solarOutput float64) model.NodeSnapshot {
	if solarOutput < 0 || math.IsNaN(solarOutput) {
		solarOutput = 0
	}
	net := solarOutput - n.loadDemand

	if net > 0 {
		n.storage.Charge(net, n.stepHours)
	} else {
		n.storage.Discharge(math.Abs(net), n.stepHours)
	}

	n.solarOutput = solarOutput
	n.powerBalance = net
	return n.Snapshot()
}

// ApplyTrade settles a trade on this node. A positive amount is a sale: the
// battery is discharged and the surplus shrinks. A negative amount is a
// purchase: the battery is charged and the deficit shrinks.
func (n *Node) ApplyTrade(amount float64) {
	if amount > 0 {
		n.storage.Discharge(amount, n.stepHours)
	} else {
		n.storage.Charge(math.Abs(amount), n.stepHours)
	}
	n.powerBalance -= amount
}

func (n *Node) ID() int               { return n.id }
func (n *Node) Address() string       { return n.address }
func (n *Node) LoadDemand() float64   { return n.loadDemand }
func (n *Node) SolarOutput() float64  { return n.solarOutput }
func (n *Node) PowerBalance() float64 { return n.powerBalance }
func (n *Node) Storage() *StorageUnit { return n.storage }

// Snapshot returns the node's observable state.
func (n *Node) Snapshot() model.NodeSnapshot {
	return model.NodeSnapshot{
		ID:            n.id,
		Address:       n.address,
		SolarOutput:   n.solarOutput,
		LoadDemand:    n.loadDemand,
		StateOfCharge: n.storage.StateOfCharge(),
		CapacityKWh:   n.storage.CapacityKWh(),
		Health:        n.storage.Health(),
		PowerBalance:  n.powerBalance,
	}
}
