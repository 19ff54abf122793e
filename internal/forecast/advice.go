package forecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"nanogrid_simulator/internal/model"
)

// FaultRisk is a heuristic fault assessment derived from node state.
type FaultRisk struct {
	NodeID         int     `json:"nanogrid_id"`
	Address        string  `json:"address"`
	Probability    float64 `json:"fault_probability"`
	FaultType      string  `json:"fault_type"`
	Severity       string  `json:"severity"`
	Recommendation string  `json:"recommendation"`
}

// AssessRisk scores battery wear and load stress. noise is an extra term in
// [0, 0.3] supplied by the caller, so the function itself stays pure.
func AssessRisk(n model.NodeSnapshot, noise float64) FaultRisk {
	batteryStress := (100 - n.Health) / 100
	loadStress := n.LoadDemand / 100
	p := batteryStress*0.3 + loadStress*0.2 + math.Max(0, math.Min(noise, 0.3))
	p = math.Min(p, 0.95)
	p = math.Round(p*100) / 100

	r := FaultRisk{NodeID: n.ID, Address: n.Address, Probability: p}
	switch {
	case p > 0.7:
		r.FaultType = "Battery Degradation"
		r.Severity = "high"
		r.Recommendation = "Schedule immediate battery maintenance. Consider replacement."
	case p > 0.4:
		r.FaultType = "Load Imbalance"
		r.Severity = "medium"
		r.Recommendation = "Optimize load distribution. Monitor battery discharge patterns."
	default:
		r.FaultType = "Minor Fluctuations"
		r.Severity = "low"
		r.Recommendation = "Continue normal operation. Regular monitoring recommended."
	}
	return r
}

// Recommendation is a grid-level optimization hint.
type Recommendation struct {
	Type             string  `json:"type"`
	Priority         string  `json:"priority"`
	Message          string  `json:"message"`
	Action           string  `json:"action"`
	EstimatedBenefit float64 `json:"estimated_benefit"`
}

// LowChargeKWh is the state of charge below which a battery counts as low.
const LowChargeKWh = 5.0

// Recommend derives grid-level hints from aggregate surplus and deficit.
func Recommend(snap model.Snapshot) []Recommendation {
	recs := []Recommendation{}
	surplus, deficit := snap.Totals()

	if surplus > deficit*1.5 {
		recs = append(recs, Recommendation{
			Type:             "Energy Trading",
			Priority:         "high",
			Message:          "Significant energy surplus detected across the grid",
			Action:           "Consider selling excess energy to external markets or storing in community batteries",
			EstimatedBenefit: round2((surplus - deficit) * 0.12),
		})
	}
	if deficit > surplus {
		recs = append(recs, Recommendation{
			Type:             "Load Management",
			Priority:         "high",
			Message:          "Grid deficit detected. Energy demand exceeds supply",
			Action:           "Activate demand response programs. Purchase energy from external sources",
			EstimatedBenefit: round2(deficit * 0.15),
		})
	}

	low := 0
	balances := make([]float64, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.StateOfCharge < LowChargeKWh {
			low++
		}
		balances = append(balances, n.PowerBalance)
	}
	if low > 0 {
		recs = append(recs, Recommendation{
			Type:             "Battery Management",
			Priority:         "medium",
			Message:          fmt.Sprintf("%d nanogrids have low battery charge", low),
			Action:           "Prioritize charging for critical loads. Implement battery balancing strategy",
			EstimatedBenefit: round2(float64(low) * 2.5),
		})
	}

	avg := 0.0
	if len(balances) > 0 {
		avg = stat.Mean(balances, nil)
	}
	if math.Abs(avg) < 1 {
		recs = append(recs, Recommendation{
			Type:             "Market Optimization",
			Priority:         "low",
			Message:          "Grid is well-balanced. Optimal time for peer-to-peer trading",
			Action:           "Enable P2P energy trading with dynamic pricing for maximum efficiency",
			EstimatedBenefit: round2(float64(len(snap.Nodes)) * 1.2),
		})
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
