package forecast

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"nanogrid_simulator/internal/model"
)

// MinHistory is the number of samples needed before the statistical
// forecast replaces plain persistence.
const MinHistory = 3

// LoadFlow is a one-step-ahead prediction for a node.
type LoadFlow struct {
	NodeID           int       `json:"nanogrid_id"`
	Address          string    `json:"address"`
	PredictedSolar   float64   `json:"predicted_solar"`
	PredictedLoad    float64   `json:"predicted_load"`
	PredictedBalance float64   `json:"predicted_balance"`
	Confidence       float64   `json:"confidence"`
	Method           string    `json:"method"`
	Timestamp        time.Time `json:"timestamp"`
}

// Forecaster predicts a node's next state from its current state and history.
// Implementations must be free of side effects.
type Forecaster interface {
	Predict(node model.NodeSnapshot, history []model.Sample, horizon time.Duration) (LoadFlow, error)
}

// Statistical forecasts from the mean of a trailing window and scores
// confidence from its coefficient of variation.
type Statistical struct {
	Window int
	Now    func() time.Time
}

// NewStatistical returns a forecaster averaging the last window samples.
func NewStatistical(window int) *Statistical {
	if window < MinHistory {
		window = MinHistory
	}
	return &Statistical{Window: window, Now: time.Now}
}

func (s *Statistical) Predict(node model.NodeSnapshot, history []model.Sample, horizon time.Duration) (LoadFlow, error) {
	out := LoadFlow{
		NodeID:    node.ID,
		Address:   node.Address,
		Timestamp: s.Now().Add(horizon),
	}

	if len(history) < MinHistory {
		out.PredictedSolar = node.SolarOutput
		out.PredictedLoad = node.LoadDemand
		out.Confidence = 0.5
		out.Method = "persistence"
	} else {
		if len(history) > s.Window {
			history = history[len(history)-s.Window:]
		}
		solar := make([]float64, len(history))
		load := make([]float64, len(history))
		for i, h := range history {
			solar[i] = h.SolarOutput
			load[i] = h.LoadDemand
		}
		loadMean, loadStd := stat.MeanStdDev(load, nil)
		out.PredictedSolar = stat.Mean(solar, nil)
		out.PredictedLoad = loadMean
		out.Confidence = confidence(loadMean, loadStd)
		out.Method = "moving_average"
	}

	out.PredictedBalance = out.PredictedSolar - out.PredictedLoad
	if math.IsNaN(out.PredictedBalance) || math.IsInf(out.PredictedBalance, 0) {
		return LoadFlow{}, ErrUnavailable
	}
	return out, nil
}

// confidence maps the coefficient of variation into [0.5, 0.95].
func confidence(mean, std float64) float64 {
	if math.IsNaN(std) || mean == 0 {
		return 0.5
	}
	cv := math.Abs(std / mean)
	c := 0.95 - 0.45*math.Min(cv, 1)
	return math.Round(c*100) / 100
}
