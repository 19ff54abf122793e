package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrUnavailable means a forecasting or fault model could not produce a
// result. Callers degrade to an "unavailable" answer.
var ErrUnavailable = errors.New("model unavailable")

// FaultResult is the classifier output for one waveform.
type FaultResult struct {
	Class         int       `json:"class"`
	Label         string    `json:"label"`
	Probabilities []float64 `json:"probabilities"`
}

// FaultDetector classifies waveforms with an MLP over FaultFeatures.
// A detector without a network always returns ErrUnavailable.
type FaultDetector struct {
	mu  sync.Mutex
	net *Network
}

// NewFaultDetector wraps a network. net may be nil.
func NewFaultDetector(net *Network) (*FaultDetector, error) {
	if net != nil {
		if len(net.Sizes) < 2 || net.Sizes[0] != FaultFeatureSize || net.Sizes[len(net.Sizes)-1] != NumFaultClasses {
			return nil, fmt.Errorf("fault network shape %v: want %d inputs and %d outputs", net.Sizes, FaultFeatureSize, NumFaultClasses)
		}
	}
	return &FaultDetector{net: net}, nil
}

// LoadFaultDetector reads a JSON-encoded Network from path.
func LoadFaultDetector(path string) (*FaultDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fault model: %w", err)
	}
	var net Network
	if err := json.Unmarshal(data, &net); err != nil {
		return nil, fmt.Errorf("decode fault model: %w", err)
	}
	return NewFaultDetector(&net)
}

// Save writes the detector's network as JSON.
func (d *FaultDetector) Save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.net == nil {
		return ErrUnavailable
	}
	data, err := json.Marshal(d.net)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Available reports whether a model is loaded.
func (d *FaultDetector) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net != nil
}

// Classify runs the network and returns the most likely class.
func (d *FaultDetector) Classify(w Waveform) (FaultResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.net == nil {
		return FaultResult{}, ErrUnavailable
	}
	probs := Softmax(d.net.Forward(FaultFeatures(w)))
	cls := floats.MaxIdx(probs)
	return FaultResult{
		Class:         cls,
		Label:         FaultClass(cls).String(),
		Probabilities: probs,
	}, nil
}

// TrainFaultDetector fits a fresh network on synthetic waveforms. The class
// mix follows typical field data: mostly healthy windows.
func TrainFaultDetector(examples int, cfg TrainConfig, seed uint64) (*FaultDetector, []float64) {
	rng := rand.New(rand.NewPCG(seed, 0))
	mix := []FaultClass{NoFault, NoFault, NoFault, SingleLineToGround, LineToLine, ThreePhase}

	x := make([][]float64, examples)
	y := make([][]float64, examples)
	for i := range x {
		cls := mix[rng.IntN(len(mix))]
		x[i] = FaultFeatures(GenerateWaveform(cls, rng))
		y[i] = make([]float64, NumFaultClasses)
		y[i][cls] = 1
	}
	split := examples * 4 / 5
	net := NewNetwork([]int{FaultFeatureSize, 16, NumFaultClasses}, rng)
	losses := net.Train(x[:split], y[:split], x[split:], y[split:], cfg, rng)
	det, _ := NewFaultDetector(net)
	return det, losses
}
