package forecast

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultClass_String(t *testing.T) {
	assert.Equal(t, "no_fault", NoFault.String())
	assert.Equal(t, "SLG", SingleLineToGround.String())
	assert.Equal(t, "LL", LineToLine.String())
	assert.Equal(t, "3ph", ThreePhase.String())
	assert.Equal(t, "class_9", FaultClass(9).String())
}

func TestWaveformFromFlat(t *testing.T) {
	flat := make([]float64, 12)
	for i := range flat {
		flat[i] = float64(i)
	}
	w, err := WaveformFromFlat(flat)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, w[0])
	assert.Equal(t, []float64{10, 11}, w[5])

	_, err = WaveformFromFlat(make([]float64, 7))
	assert.Error(t, err)
	_, err = WaveformFromFlat(nil)
	assert.Error(t, err)
}

func TestWaveformFromChannels(t *testing.T) {
	ch := make([][]float64, Channels)
	for i := range ch {
		ch[i] = []float64{1, 2, 3}
	}
	_, err := WaveformFromChannels(ch)
	require.NoError(t, err)

	ch[4] = []float64{1}
	_, err = WaveformFromChannels(ch)
	assert.Error(t, err)

	_, err = WaveformFromChannels(ch[:3])
	assert.Error(t, err)
}

func TestFaultFeatures_Signatures(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))

	healthy := FaultFeatures(GenerateWaveform(NoFault, rng))
	require.Len(t, healthy, FaultFeatureSize)
	// RMS of a unit sine is 1/sqrt(2).
	for ch := 0; ch < Channels; ch++ {
		assert.InDelta(t, 0.707, healthy[3*ch], 0.05, "channel %d rms", ch)
	}

	ll := FaultFeatures(GenerateWaveform(LineToLine, rng))
	assert.Less(t, ll[3], 0.3, "phase B current collapses")

	slg := FaultFeatures(GenerateWaveform(SingleLineToGround, rng))
	assert.Greater(t, slg[1], 2.0, "phase A current spikes")
}

func TestFaultDetector_Unavailable(t *testing.T) {
	d, err := NewFaultDetector(nil)
	require.NoError(t, err)
	assert.False(t, d.Available())

	_, err = d.Classify(GenerateWaveform(NoFault, rand.New(rand.NewPCG(1, 1))))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, d.Save(filepath.Join(t.TempDir(), "m.json")), ErrUnavailable)
}

func TestFaultDetector_RejectsWrongShape(t *testing.T) {
	_, err := NewFaultDetector(NewNetwork([]int{3, 4, 2}, rand.New(rand.NewPCG(1, 1))))
	assert.Error(t, err)
}

func TestTrainFaultDetector_Separates(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 80
	det, losses := TrainFaultDetector(400, cfg, 7)
	require.True(t, det.Available())
	require.NotEmpty(t, losses)
	assert.Less(t, losses[len(losses)-1], losses[0])

	rng := rand.New(rand.NewPCG(99, 0))
	correct, total := 0, 0
	for cls := NoFault; cls <= ThreePhase; cls++ {
		for i := 0; i < 20; i++ {
			res, err := det.Classify(GenerateWaveform(cls, rng))
			require.NoError(t, err)
			require.Len(t, res.Probabilities, NumFaultClasses)
			if res.Class == int(cls) {
				correct++
			}
			total++
		}
	}
	assert.Greater(t, float64(correct)/float64(total), 0.8)
}

func TestFaultDetector_SaveLoad(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Epochs = 5
	det, _ := TrainFaultDetector(50, cfg, 3)

	path := filepath.Join(t.TempDir(), "fault.json")
	require.NoError(t, det.Save(path))

	loaded, err := LoadFaultDetector(path)
	require.NoError(t, err)

	w := GenerateWaveform(LineToLine, rand.New(rand.NewPCG(4, 4)))
	a, err := det.Classify(w)
	require.NoError(t, err)
	b, err := loaded.Classify(w)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = LoadFaultDetector(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
