package forecast

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Channels is the number of waveform channels: three phase currents
// followed by three phase voltages.
const Channels = 6

const (
	sampleRate     = 2000.0
	windowSamples  = 400
	lineFrequency  = 50.0
	nominalCurrent = 10.0
	nominalVoltage = 230.0
)

// FaultClass indexes the fault detector output.
type FaultClass int

const (
	NoFault FaultClass = iota
	SingleLineToGround
	LineToLine
	ThreePhase
)

var faultLabels = [...]string{"no_fault", "SLG", "LL", "3ph"}

func (c FaultClass) String() string {
	if c < 0 || int(c) >= len(faultLabels) {
		return fmt.Sprintf("class_%d", int(c))
	}
	return faultLabels[c]
}

// NumFaultClasses is the size of the classifier output.
const NumFaultClasses = len(faultLabels)

// Waveform is a window of per-channel samples.
type Waveform [Channels][]float64

// WaveformFromFlat splits a flattened channel-major sample slice.
func WaveformFromFlat(flat []float64) (Waveform, error) {
	var w Waveform
	if len(flat) == 0 || len(flat)%Channels != 0 {
		return w, fmt.Errorf("waveform length %d is not a positive multiple of %d", len(flat), Channels)
	}
	n := len(flat) / Channels
	for ch := 0; ch < Channels; ch++ {
		w[ch] = append([]float64(nil), flat[ch*n:(ch+1)*n]...)
	}
	return w, nil
}

// WaveformFromChannels validates a per-channel sample matrix.
func WaveformFromChannels(channels [][]float64) (Waveform, error) {
	var w Waveform
	if len(channels) != Channels {
		return w, fmt.Errorf("expected %d channels, got %d", Channels, len(channels))
	}
	n := len(channels[0])
	if n == 0 {
		return w, fmt.Errorf("waveform has no samples")
	}
	for ch, s := range channels {
		if len(s) != n {
			return w, fmt.Errorf("channel %d has %d samples, want %d", ch, len(s), n)
		}
		w[ch] = append([]float64(nil), s...)
	}
	return w, nil
}

// GenerateWaveform synthesizes a 200 ms, 2 kHz three-phase window with the
// signature of the given fault class.
func GenerateWaveform(class FaultClass, rng *rand.Rand) Waveform {
	var w Waveform
	for ch := range w {
		w[ch] = make([]float64, windowSamples)
	}
	mid := float64(windowSamples-1) / sampleRate / 2
	shifts := [3]float64{0, -2 * math.Pi / 3, 2 * math.Pi / 3}
	for i := 0; i < windowSamples; i++ {
		t := float64(i) / sampleRate
		for p := 0; p < 3; p++ {
			angle := 2*math.Pi*lineFrequency*t + shifts[p]
			w[p][i] = nominalCurrent*math.Sin(angle) + 0.2*rng.NormFloat64()
			w[p+3][i] = nominalVoltage*math.Sin(angle) + 0.5*rng.NormFloat64()
		}
		d := t - mid
		switch class {
		case SingleLineToGround:
			w[0][i] += 30 * math.Exp(-(d*d)/0.0005)
		case LineToLine:
			w[1][i] *= 0.3
		case ThreePhase:
			sq := math.Copysign(1, math.Sin(2*math.Pi*100*t))
			w[0][i] += 40 * sq * math.Exp(-(d*d)/0.0002)
			w[1][i] += w[0][i] * 0.8
			w[2][i] += w[0][i] * 0.8
		}
	}
	return w
}

// FaultFeatureSize is the length of the vector returned by FaultFeatures.
const FaultFeatureSize = 3 * Channels

// FaultFeatures reduces a waveform to per-channel RMS, peak and standard
// deviation, each normalized by the channel's nominal amplitude.
func FaultFeatures(w Waveform) []float64 {
	out := make([]float64, 0, FaultFeatureSize)
	for ch, s := range w {
		nominal := nominalCurrent
		if ch >= 3 {
			nominal = nominalVoltage
		}
		if len(s) == 0 {
			out = append(out, 0, 0, 0)
			continue
		}
		sq := make([]float64, len(s))
		floats.MulTo(sq, s, s)
		rms := math.Sqrt(stat.Mean(sq, nil))
		peak := math.Max(floats.Max(s), -floats.Min(s))
		sd := stat.StdDev(s, nil)
		if math.IsNaN(sd) {
			sd = 0
		}
		out = append(out, rms/nominal, peak/nominal, sd/nominal)
	}
	return out
}
