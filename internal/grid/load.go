package grid

import "math/rand/v2"

// LoadModel samples a household load demand (kW) for a tick.
type LoadModel interface {
	Sample(n *Node, hour float64) float64
}

// UniformLoad draws demand uniformly from [MinKW, MaxKW).
type UniformLoad struct {
	MinKW, MaxKW float64
	rng          *rand.Rand
}

func NewUniformLoad(minKW, maxKW float64, rng *rand.Rand) *UniformLoad {
	return &UniformLoad{MinKW: minKW, MaxKW: maxKW, rng: rng}
}

func (u *UniformLoad) Sample(*Node, float64) float64 {
	return u.MinKW + u.rng.Float64()*(u.MaxKW-u.MinKW)
}

// ConstantLoad keeps every node's current demand.
type ConstantLoad struct{}

func (ConstantLoad) Sample(n *Node, _ float64) float64 {
	return n.LoadDemand()
}

// WalkLoad perturbs each node's current demand by up to ±StepKW per tick,
// never dropping below FloorKW.
type WalkLoad struct {
	StepKW  float64
	FloorKW float64
	rng     *rand.Rand
}

func NewWalkLoad(stepKW, floorKW float64, rng *rand.Rand) *WalkLoad {
	return &WalkLoad{StepKW: stepKW, FloorKW: floorKW, rng: rng}
}

func (w *WalkLoad) Sample(n *Node, _ float64) float64 {
	next := n.LoadDemand() + (w.rng.Float64()*2-1)*w.StepKW
	if next < w.FloorKW {
		return w.FloorKW
	}
	return next
}
