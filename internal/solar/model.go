package solar

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Model produces instantaneous solar output (kW, never negative) for a time
// of day given in hours [0, 24).
type Model interface {
	Output(hour float64) float64
}

// Sine is the reference half-wave model: peak*sin(pi*hour/24), floored at zero.
type Sine struct {
	PeakKW float64
}

func (s Sine) Output(hour float64) float64 {
	return math.Max(0, s.PeakKW*math.Sin(math.Pi*wrapHour(hour)/24))
}

// Diurnal peaks at noon following a raised cosine, with a small uniform jitter.
type Diurnal struct {
	CapacityKW float64
	JitterKW   float64
	rng        *rand.Rand
}

// NewDiurnal returns a diurnal model drawing its jitter from rng. A nil rng
// disables jitter.
func NewDiurnal(capacityKW, jitterKW float64, rng *rand.Rand) *Diurnal {
	return &Diurnal{CapacityKW: capacityKW, JitterKW: jitterKW, rng: rng}
}

func (d *Diurnal) Output(hour float64) float64 {
	x := math.Cos((wrapHour(hour) - 12) / 24.0 * 2 * math.Pi)
	out := math.Max(0, d.CapacityKW*(0.5+0.5*x))
	if d.rng != nil && d.JitterKW > 0 {
		out += (d.rng.Float64()*2 - 1) * d.JitterKW
	}
	return math.Max(0, out)
}

// Uniform ignores the time of day and draws from [MinKW, MaxKW).
type Uniform struct {
	MinKW, MaxKW float64
	rng          *rand.Rand
}

func NewUniform(minKW, maxKW float64, rng *rand.Rand) *Uniform {
	return &Uniform{MinKW: minKW, MaxKW: maxKW, rng: rng}
}

func (u *Uniform) Output(float64) float64 {
	return math.Max(0, u.MinKW+u.rng.Float64()*(u.MaxKW-u.MinKW))
}

// Profile adapts a PVProfile to the Model interface.
type Profile struct {
	PVProfile
}

func (p Profile) Output(hour float64) float64 {
	return p.PowerAt(hour)
}

// Kind names a generation model in configuration.
type Kind string

const (
	KindSine    Kind = "sine"
	KindDiurnal Kind = "diurnal"
	KindUniform Kind = "uniform"
	KindProfile Kind = "profile"
)

// Params selects and parameterizes a generation model.
type Params struct {
	Kind     Kind
	PeakKW   float64
	MinKW    float64
	MaxKW    float64
	JitterKW float64
	Azimuth  float64 // profile only, degrees (90=E)
	Tilt     float64 // profile only, degrees

	// History shapes the profile from observed output. Orientation is
	// ignored when it is set.
	History []Sample
}

// New builds the model described by p. Each node gets its own instance so
// that random draws are owned by the node.
func New(p Params, rng *rand.Rand) (Model, error) {
	switch p.Kind {
	case KindSine:
		return Sine{PeakKW: p.PeakKW}, nil
	case KindDiurnal:
		return NewDiurnal(p.PeakKW, p.JitterKW, rng), nil
	case KindUniform:
		if rng == nil {
			return nil, fmt.Errorf("uniform generation requires a random source")
		}
		return NewUniform(p.MinKW, p.MaxKW, rng), nil
	case KindProfile:
		if len(p.History) > 0 {
			return Profile{PVProfile: BuildProfile(p.History, p.PeakKW)}, nil
		}
		base := defaultProfile(p.PeakKW)
		if p.Azimuth != 0 && p.Azimuth != 90 {
			base = GenerateOrientedProfile(base, p.Azimuth, p.Tilt, 90)
		}
		return Profile{PVProfile: base}, nil
	default:
		return nil, fmt.Errorf("unknown generation model %q", p.Kind)
	}
}
