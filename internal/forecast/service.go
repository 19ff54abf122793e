package forecast

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/store"
)

// Service bundles the optional forecasting collaborators behind calls that
// never panic and never block the tick loop on a missing model.
type Service struct {
	forecaster Forecaster
	faults     *FaultDetector
	history    *store.Store
	horizon    time.Duration
	faultRate  float64
	logger     *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	faultMu   sync.RWMutex
	lastFault map[string]FaultResult
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHorizon sets how far ahead forecasts are stamped.
func WithHorizon(d time.Duration) ServiceOption {
	return func(s *Service) { s.horizon = d }
}

// WithFaultSampleRate sets the per-node, per-tick probability of running the
// fault detector on a freshly sampled waveform.
func WithFaultSampleRate(p float64) ServiceOption {
	return func(s *Service) { s.faultRate = p }
}

// WithRand sets the random source for noise and waveform sampling.
func WithRand(rng *rand.Rand) ServiceOption {
	return func(s *Service) { s.rng = rng }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service. f and d may be nil; history defaults to a
// 48-sample store.
func NewService(f Forecaster, d *FaultDetector, history *store.Store, opts ...ServiceOption) *Service {
	if history == nil {
		history = store.New(store.DefaultCapacity)
	}
	s := &Service{
		forecaster: f,
		faults:     d,
		history:    history,
		horizon:    time.Hour,
		faultRate:  0.05,
		logger:     slog.Default(),
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		lastFault:  make(map[string]FaultResult),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// History exposes the sample store.
func (s *Service) History() *store.Store { return s.history }

// Process records a post-tick snapshot, attaches a forecast view to every
// node and occasionally runs fault detection. It never fails.
func (s *Service) Process(snap *model.Snapshot) {
	samples := make([]model.Sample, len(snap.Nodes))
	for i, n := range snap.Nodes {
		samples[i] = model.SampleFromNode(n, snap.Tick, snap.Timestamp)
	}
	s.history.AddSamples(samples)

	for i := range snap.Nodes {
		n := &snap.Nodes[i]
		view := &model.ForecastView{}
		if lf, err := s.Predict(*n); err == nil {
			view.Available = true
			view.Value = lf.PredictedBalance
			view.Confidence = lf.Confidence
		}
		n.Forecast = view

		if s.faults != nil && s.float() < s.faultRate {
			s.sampleFault(n.Address)
		}
	}
}

// Predict forecasts one node. Missing models and panics yield ErrUnavailable.
func (s *Service) Predict(node model.NodeSnapshot) (lf LoadFlow, err error) {
	if s.forecaster == nil {
		return LoadFlow{}, ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("forecast_panic", "address", node.Address, "panic", fmt.Sprint(r))
			lf, err = LoadFlow{}, ErrUnavailable
		}
	}()
	lf, err = s.forecaster.Predict(node, s.history.Recent(node.Address, 0), s.horizon)
	if err != nil {
		s.logger.Debug("forecast_unavailable", "address", node.Address, "err", err)
		return LoadFlow{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return lf, nil
}

// Classify runs the fault detector on a caller-supplied waveform.
func (s *Service) Classify(w Waveform) (res FaultResult, err error) {
	if s.faults == nil {
		return FaultResult{}, ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("fault_model_panic", "panic", fmt.Sprint(r))
			res, err = FaultResult{}, ErrUnavailable
		}
	}()
	return s.faults.Classify(w)
}

// FaultModelAvailable reports whether waveform classification can run.
func (s *Service) FaultModelAvailable() bool {
	return s.faults != nil && s.faults.Available()
}

// Risk returns the heuristic fault assessment for a node.
func (s *Service) Risk(node model.NodeSnapshot) FaultRisk {
	return AssessRisk(node, s.float()*0.3)
}

// LastFault returns the most recent sampled classification for an address.
func (s *Service) LastFault(address string) (FaultResult, bool) {
	s.faultMu.RLock()
	defer s.faultMu.RUnlock()
	r, ok := s.lastFault[address]
	return r, ok
}

func (s *Service) sampleFault(address string) {
	s.rngMu.Lock()
	w := GenerateWaveform(NoFault, s.rng)
	s.rngMu.Unlock()

	res, err := s.Classify(w)
	if err != nil {
		return
	}
	s.faultMu.Lock()
	s.lastFault[address] = res
	s.faultMu.Unlock()
	if res.Class != int(NoFault) {
		s.logger.Info("fault_detected", "address", address, "label", res.Label)
	}
}

func (s *Service) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
