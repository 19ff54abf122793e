package model

import "time"

// Sample is one node's post-tick reading, kept as forecasting history.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Tick          uint64    `json:"tick"`
	Address       string    `json:"address"`
	SolarOutput   float64   `json:"solar_output"`
	LoadDemand    float64   `json:"load_demand"`
	StateOfCharge float64   `json:"state_of_charge"`
	PowerBalance  float64   `json:"power_balance"`
}

// SampleFromNode converts a node snapshot into a history sample.
func SampleFromNode(n NodeSnapshot, tick uint64, ts time.Time) Sample {
	return Sample{
		Timestamp:     ts,
		Tick:          tick,
		Address:       n.Address,
		SolarOutput:   n.SolarOutput,
		LoadDemand:    n.LoadDemand,
		StateOfCharge: n.StateOfCharge,
		PowerBalance:  n.PowerBalance,
	}
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
