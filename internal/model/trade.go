package model

import "time"

// Trade is a settled peer-to-peer energy transfer. Trades are immutable once
// emitted by the matcher.
type Trade struct {
	ID        string    `json:"id"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer"`
	AmountKWh float64   `json:"amount_kwh"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeSnapshot is the observable state of one nanogrid after a tick.
type NodeSnapshot struct {
	ID            int     `json:"id"`
	Address       string  `json:"address"`
	SolarOutput   float64 `json:"solar_output"`
	LoadDemand    float64 `json:"load_demand"`
	StateOfCharge float64 `json:"state_of_charge"`
	CapacityKWh   float64 `json:"capacity_kwh"`
	Health        float64 `json:"health"`
	PowerBalance  float64 `json:"power_balance"`

	Forecast *ForecastView `json:"forecast,omitempty"`
}

// ForecastView is the last forecast computed for a node. Available is false
// when no forecasting collaborator could produce a value.
type ForecastView struct {
	Available  bool    `json:"available"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Snapshot is a consistent view of the whole grid between two ticks.
type Snapshot struct {
	Tick         uint64         `json:"tick"`
	TimeOfDay    float64        `json:"time_of_day"`
	Timestamp    time.Time      `json:"timestamp"`
	Nodes        []NodeSnapshot `json:"nodes"`
	LedgerLength int            `json:"ledger_length"`
	TipHash      string         `json:"tip_hash"`
}

// Node returns the snapshot of the node with the given address.
func (s Snapshot) Node(address string) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.Address == address {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// NodeByID returns the snapshot of the node with the given id.
func (s Snapshot) NodeByID(id int) (NodeSnapshot, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSnapshot{}, false
}

// Clone returns a deep copy, so callers may mutate the result freely.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Nodes = make([]NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		cp.Nodes[i] = n
		if n.Forecast != nil {
			f := *n.Forecast
			cp.Nodes[i].Forecast = &f
		}
	}
	return cp
}

// Totals returns the summed surplus and deficit (as a positive number).
func (s Snapshot) Totals() (surplus, deficit float64) {
	for _, n := range s.Nodes {
		if n.PowerBalance > 0 {
			surplus += n.PowerBalance
		} else if n.PowerBalance < 0 {
			deficit -= n.PowerBalance
		}
	}
	return surplus, deficit
}
