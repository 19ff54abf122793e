package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Tick:      3,
		TimeOfDay: 15,
		Nodes: []NodeSnapshot{
			{ID: 1, Address: "0xa", PowerBalance: 4},
			{ID: 2, Address: "0xb", PowerBalance: -1.5, Forecast: &ForecastView{Available: true, Value: 2}},
			{ID: 3, Address: "0xc", PowerBalance: -0.5},
		},
	}
}

func TestSnapshot_Lookup(t *testing.T) {
	s := testSnapshot()

	n, ok := s.Node("0xb")
	require.True(t, ok)
	assert.Equal(t, 2, n.ID)

	n, ok = s.NodeByID(3)
	require.True(t, ok)
	assert.Equal(t, "0xc", n.Address)

	_, ok = s.Node("0xz")
	assert.False(t, ok)
	_, ok = s.NodeByID(99)
	assert.False(t, ok)
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := testSnapshot()
	cp := s.Clone()

	cp.Nodes[0].PowerBalance = 100
	cp.Nodes[1].Forecast.Value = 100

	assert.Equal(t, 4.0, s.Nodes[0].PowerBalance)
	assert.Equal(t, 2.0, s.Nodes[1].Forecast.Value)
	assert.Equal(t, s, testSnapshot())
}

func TestSnapshot_Totals(t *testing.T) {
	surplus, deficit := testSnapshot().Totals()
	assert.InDelta(t, 4, surplus, 1e-9)
	assert.InDelta(t, 2, deficit, 1e-9)
}

func TestSampleFromNode(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	n := NodeSnapshot{Address: "0xa", SolarOutput: 7, LoadDemand: 5, StateOfCharge: 11, PowerBalance: 2}

	s := SampleFromNode(n, 9, ts)
	assert.Equal(t, Sample{
		Timestamp:     ts,
		Tick:          9,
		Address:       "0xa",
		SolarOutput:   7,
		LoadDemand:    5,
		StateOfCharge: 11,
		PowerBalance:  2,
	}, s)
}
