package forecast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid_simulator/internal/model"
)

func TestAssessRisk_Severity(t *testing.T) {
	tests := []struct {
		name     string
		health   float64
		load     float64
		noise    float64
		severity string
		faultTyp string
	}{
		{"healthy", 100, 5, 0, "low", "Minor Fluctuations"},
		{"medium", 100, 100, 0.25, "medium", "Load Imbalance"},
		{"worn", 0, 100, 0.3, "high", "Battery Degradation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := AssessRisk(model.NodeSnapshot{ID: 1, Health: tt.health, LoadDemand: tt.load}, tt.noise)
			assert.Equal(t, tt.severity, r.Severity)
			assert.Equal(t, tt.faultTyp, r.FaultType)
			assert.NotEmpty(t, r.Recommendation)
			assert.LessOrEqual(t, r.Probability, 0.95)
		})
	}
}

func TestAssessRisk_Capped(t *testing.T) {
	r := AssessRisk(model.NodeSnapshot{Health: 0, LoadDemand: 1000}, 5)
	assert.Equal(t, 0.95, r.Probability)
}

func recTypes(recs []Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name  string
		nodes []model.NodeSnapshot
		want  []string
	}{
		{
			name: "surplus",
			nodes: []model.NodeSnapshot{
				{PowerBalance: 40, StateOfCharge: 20},
				{PowerBalance: -2, StateOfCharge: 20},
			},
			want: []string{"Energy Trading"},
		},
		{
			name: "deficit with low batteries",
			nodes: []model.NodeSnapshot{
				{PowerBalance: -10, StateOfCharge: 1},
				{PowerBalance: 2, StateOfCharge: 20},
			},
			want: []string{"Load Management", "Battery Management"},
		},
		{
			name: "balanced",
			nodes: []model.NodeSnapshot{
				{PowerBalance: 0.5, StateOfCharge: 10},
				{PowerBalance: -0.4, StateOfCharge: 10},
			},
			want: []string{"Market Optimization"},
		},
		{
			name:  "empty grid",
			nodes: nil,
			want:  []string{"Market Optimization"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recTypes(Recommend(model.Snapshot{Nodes: tt.nodes})))
		})
	}
}

func TestRecommend_Benefits(t *testing.T) {
	recs := Recommend(model.Snapshot{Nodes: []model.NodeSnapshot{
		{PowerBalance: -10, StateOfCharge: 1},
	}})
	require.Len(t, recs, 2)
	assert.Equal(t, 1.5, recs[0].EstimatedBenefit)
	assert.Equal(t, 2.5, recs[1].EstimatedBenefit)
	assert.Equal(t, "1 nanogrids have low battery charge", recs[1].Message)
}
