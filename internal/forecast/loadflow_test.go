package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid_simulator/internal/model"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func history(loads ...float64) []model.Sample {
	out := make([]model.Sample, len(loads))
	for i, l := range loads {
		out[i] = model.Sample{Timestamp: t0.Add(time.Duration(i) * time.Hour), LoadDemand: l, SolarOutput: 6}
	}
	return out
}

func newTestForecaster() *Statistical {
	f := NewStatistical(4)
	f.Now = func() time.Time { return t0 }
	return f
}

func TestStatistical_PersistenceWhenHistoryIsShort(t *testing.T) {
	node := model.NodeSnapshot{ID: 1, Address: "0xa", SolarOutput: 8, LoadDemand: 5}

	lf, err := newTestForecaster().Predict(node, history(4), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "persistence", lf.Method)
	assert.Equal(t, 8.0, lf.PredictedSolar)
	assert.Equal(t, 5.0, lf.PredictedLoad)
	assert.Equal(t, 3.0, lf.PredictedBalance)
	assert.Equal(t, 0.5, lf.Confidence)
	assert.Equal(t, t0.Add(time.Hour), lf.Timestamp)
}

func TestStatistical_MovingAverage(t *testing.T) {
	node := model.NodeSnapshot{ID: 1, Address: "0xa"}

	// Window is 4, so the leading 100 is ignored.
	lf, err := newTestForecaster().Predict(node, history(100, 5, 5, 5, 5), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "moving_average", lf.Method)
	assert.InDelta(t, 5, lf.PredictedLoad, 1e-9)
	assert.InDelta(t, 6, lf.PredictedSolar, 1e-9)
	assert.InDelta(t, 1, lf.PredictedBalance, 1e-9)
	assert.Equal(t, 0.95, lf.Confidence, "no variance means full confidence")
}

func TestStatistical_ConfidenceDropsWithVariance(t *testing.T) {
	node := model.NodeSnapshot{ID: 1}
	f := newTestForecaster()

	steady, err := f.Predict(node, history(5, 5.1, 4.9, 5), 0)
	require.NoError(t, err)
	noisy, err := f.Predict(node, history(1, 9, 2, 8), 0)
	require.NoError(t, err)

	assert.Greater(t, steady.Confidence, noisy.Confidence)
	assert.GreaterOrEqual(t, noisy.Confidence, 0.5)
}

func TestNewStatistical_MinimumWindow(t *testing.T) {
	assert.Equal(t, MinHistory, NewStatistical(1).Window)
}
