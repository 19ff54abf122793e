package forecast

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Layer is a fully connected layer. Weights[j] holds the incoming weights
// of output unit j.
type Layer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`

	input  []float64
	preAct []float64
	dW     [][]float64
	dB     []float64

	mW, vW [][]float64
	mB, vB []float64
}

// Network is a small multilayer perceptron with ReLU hidden layers and a
// linear output layer.
type Network struct {
	Sizes  []int    `json:"sizes"`
	Layers []*Layer `json:"layers"`

	step int
}

// TrainConfig holds Adam and batching parameters.
type TrainConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	BatchSize    int
	Epochs       int
}

// DefaultTrainConfig is a reasonable starting point for small networks.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate: 0.01,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		BatchSize:    32,
		Epochs:       200,
	}
}

// NewNetwork creates a network with He-initialized weights.
func NewNetwork(sizes []int, rng *rand.Rand) *Network {
	n := &Network{Sizes: append([]int(nil), sizes...)}
	for i := 0; i+1 < len(sizes); i++ {
		in, out := sizes[i], sizes[i+1]
		scale := math.Sqrt(2.0 / float64(in))
		l := &Layer{
			Weights: make([][]float64, out),
			Biases:  make([]float64, out),
		}
		for j := range l.Weights {
			l.Weights[j] = make([]float64, in)
			for k := range l.Weights[j] {
				l.Weights[j][k] = rng.NormFloat64() * scale
			}
		}
		n.Layers = append(n.Layers, l)
	}
	return n
}

// Forward runs the network and caches activations for Backward.
func (n *Network) Forward(input []float64) []float64 {
	a := input
	last := len(n.Layers) - 1
	for i, l := range n.Layers {
		l.input = append(l.input[:0], a...)
		out := make([]float64, len(l.Weights))
		l.preAct = make([]float64, len(l.Weights))
		for j, w := range l.Weights {
			z := floats.Dot(w, a) + l.Biases[j]
			l.preAct[j] = z
			if i < last {
				z = math.Max(0, z)
			}
			out[j] = z
		}
		a = out
	}
	return a
}

// ZeroGrad clears accumulated gradients.
func (n *Network) ZeroGrad() {
	for _, l := range n.Layers {
		l.ensureGrad()
		for j := range l.dW {
			for k := range l.dW[j] {
				l.dW[j][k] = 0
			}
			l.dB[j] = 0
		}
	}
}

// Backward accumulates gradients given dLoss/dOutput of the last Forward.
func (n *Network) Backward(dOutput []float64) {
	delta := append([]float64(nil), dOutput...)
	last := len(n.Layers) - 1
	for i := last; i >= 0; i-- {
		l := n.Layers[i]
		l.ensureGrad()
		if i < last {
			for j := range delta {
				if l.preAct[j] <= 0 {
					delta[j] = 0
				}
			}
		}
		prev := make([]float64, len(l.input))
		for j, w := range l.Weights {
			floats.AddScaled(l.dW[j], delta[j], l.input)
			l.dB[j] += delta[j]
			floats.AddScaled(prev, delta[j], w)
		}
		delta = prev
	}
}

func (l *Layer) ensureGrad() {
	if l.dW != nil {
		return
	}
	l.dW = make([][]float64, len(l.Weights))
	l.mW = make([][]float64, len(l.Weights))
	l.vW = make([][]float64, len(l.Weights))
	for j := range l.Weights {
		l.dW[j] = make([]float64, len(l.Weights[j]))
		l.mW[j] = make([]float64, len(l.Weights[j]))
		l.vW[j] = make([]float64, len(l.Weights[j]))
	}
	l.dB = make([]float64, len(l.Biases))
	l.mB = make([]float64, len(l.Biases))
	l.vB = make([]float64, len(l.Biases))
}

func (n *Network) adamStep(cfg TrainConfig, batch int) {
	n.step++
	c1 := 1 - math.Pow(cfg.Beta1, float64(n.step))
	c2 := 1 - math.Pow(cfg.Beta2, float64(n.step))
	scale := 1 / float64(batch)
	update := func(w, g, m, v *float64) {
		grad := *g * scale
		*m = cfg.Beta1**m + (1-cfg.Beta1)*grad
		*v = cfg.Beta2**v + (1-cfg.Beta2)*grad*grad
		*w -= cfg.LearningRate * (*m / c1) / (math.Sqrt(*v/c2) + cfg.Epsilon)
	}
	for _, l := range n.Layers {
		for j := range l.Weights {
			for k := range l.Weights[j] {
				update(&l.Weights[j][k], &l.dW[j][k], &l.mW[j][k], &l.vW[j][k])
			}
			update(&l.Biases[j], &l.dB[j], &l.mB[j], &l.vB[j])
		}
	}
}

// Train fits the network with mini-batch Adam on mean squared error and
// returns the validation loss after each epoch.
func (n *Network) Train(trainX, trainY, valX, valY [][]float64, cfg TrainConfig, rng *rand.Rand) []float64 {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = len(trainX)
	}
	idx := make([]int, len(trainX))
	for i := range idx {
		idx[i] = i
	}
	losses := make([]float64, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for start := 0; start < len(idx); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(idx))
			n.ZeroGrad()
			for _, s := range idx[start:end] {
				out := n.Forward(trainX[s])
				d := make([]float64, len(out))
				for k := range out {
					d[k] = 2 * (out[k] - trainY[s][k])
				}
				n.Backward(d)
			}
			n.adamStep(cfg, end-start)
		}
		losses = append(losses, n.Loss(valX, valY))
	}
	return losses
}

// Loss returns the mean squared error over a dataset.
func (n *Network) Loss(x, y [][]float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var total float64
	for i := range x {
		out := n.Forward(x[i])
		for k := range out {
			d := out[k] - y[i][k]
			total += d * d
		}
	}
	return total / float64(len(x))
}

// Softmax converts logits into probabilities.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	m := floats.Max(logits)
	out := make([]float64, len(logits))
	for i, z := range logits {
		out[i] = math.Exp(z - m)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
