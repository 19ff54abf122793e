package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/market"
	"nanogrid_simulator/internal/metrics"
	"nanogrid_simulator/internal/model"
)

var (
	ErrInvalidInterval = errors.New("tick interval must be positive")
	ErrRunning         = errors.New("simulation clock is running")
	ErrStopped         = errors.New("simulation halted")
)

// State represents the current clock state.
type State struct {
	Running         bool    `json:"running"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Tick            uint64  `json:"tick"`
	TimeOfDay       float64 `json:"time_of_day"`
	Error           string  `json:"error,omitempty"`
}

// Callback receives simulation events. Calls are made from the goroutine
// that ran the tick, after the tick's snapshot has been published, so a
// callback must not call Stop.
type Callback interface {
	OnState(state State)
	OnTick(snap model.Snapshot, block ledger.Block)
	OnSettlementFailed(block ledger.Block, err error)
	OnFatal(err error)
}

// SettlementSink receives every sealed block that carries trades. A sink
// reports undeliverable blocks through the hook set with OnFailure, whether
// the failure is immediate or happens later in the background; the error
// returned by Publish is not reported again.
type SettlementSink interface {
	Publish(ctx context.Context, b ledger.Block) error
	OnFailure(fn func(ledger.Block, error))
}

// Options describes the grid a run simulates.
type Options struct {
	Population *grid.Population
	// Load samples each node's demand before its update. Nil keeps the
	// current demand.
	Load         grid.LoadModel
	HoursPerTick float64
	StartHour    float64
}

// Option configures optional collaborators.
type Option func(*Engine)

func WithMatcher(m *market.Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithForecasts attaches the forecasting service. Its output is folded into
// every published snapshot.
func WithForecasts(s *forecast.Service) Option {
	return func(e *Engine) { e.forecasts = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithSettlement(s SettlementSink) Option {
	return func(e *Engine) { e.settlement = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine owns the node population, the matcher and the ledger of one run.
// A single goroutine ticks at a time; readers only ever see the snapshot
// published after the last sealed block.
type Engine struct {
	mu       sync.Mutex
	callback Callback

	running  bool
	interval time.Duration
	stopCh   chan struct{}
	loopDone chan struct{}

	// tickMu serializes ticks between the loop and Step.
	tickMu     sync.Mutex
	population *grid.Population
	load       grid.LoadModel
	matcher    *market.Matcher
	ledger     ledger.Ledger
	hourStep   float64
	timeOfDay  float64
	tick       uint64

	forecasts  *forecast.Service
	metrics    *metrics.Metrics
	settlement SettlementSink
	now        func() time.Time
	logger     *slog.Logger

	snapshot atomic.Pointer[model.Snapshot]

	err      error
	done     chan struct{}
	failOnce sync.Once
}

// New validates the run configuration and publishes the initial snapshot.
func New(cfg Options, led ledger.Ledger, cb Callback, opts ...Option) (*Engine, error) {
	if cfg.Population == nil || cfg.Population.Len() == 0 {
		return nil, errors.New("population must contain at least one node")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if !(cfg.HoursPerTick > 0) {
		return nil, fmt.Errorf("hours per tick must be positive, got %v", cfg.HoursPerTick)
	}
	if cfg.StartHour < 0 || cfg.StartHour >= 24 {
		return nil, fmt.Errorf("start hour must be in [0, 24), got %v", cfg.StartHour)
	}
	if cb == nil {
		cb = nopCallback{}
	}
	load := cfg.Load
	if load == nil {
		load = grid.ConstantLoad{}
	}

	e := &Engine{
		callback:   cb,
		population: cfg.Population,
		load:       load,
		ledger:     led,
		hourStep:   cfg.HoursPerTick,
		timeOfDay:  cfg.StartHour,
		now:        time.Now,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.settlement != nil {
		e.settlement.OnFailure(e.SettlementFailed)
	}
	if e.matcher == nil {
		e.matcher = market.NewMatcher(market.WithLogger(e.logger))
	}
	for _, n := range e.population.Nodes() {
		n.SetStepHours(cfg.HoursPerTick)
	}

	tip := led.Tip()
	e.publish(model.Snapshot{
		TimeOfDay:    e.timeOfDay,
		Timestamp:    tip.Timestamp,
		Nodes:        e.population.Snapshots(),
		LedgerLength: led.Len(),
		TipHash:      tip.Hash,
	})
	return e, nil
}

// Snapshot returns the state published after the last completed tick. It
// never waits for a tick in progress.
func (e *Engine) Snapshot() model.Snapshot {
	return e.snapshot.Load().Clone()
}

// Transactions returns every sealed trade, oldest first.
func (e *Engine) Transactions() []model.Trade {
	return e.ledger.Transactions()
}

// Blocks returns every sealed block, oldest first.
func (e *Engine) Blocks() []ledger.Block {
	return e.ledger.Blocks()
}

// Verify walks the whole chain.
func (e *Engine) Verify() error {
	return e.ledger.Verify()
}

// State returns the current clock state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	snap := e.snapshot.Load()
	s := State{
		Running:         e.running,
		IntervalSeconds: e.interval.Seconds(),
		Tick:            snap.Tick,
		TimeOfDay:       snap.TimeOfDay,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// Running reports whether the tick loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done is closed when a fatal ledger error halts the engine.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the fatal error that halted the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start begins ticking every interval. Starting a running clock is a no-op.
func (e *Engine) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	e.mu.Lock()
	if e.err != nil {
		err := e.err
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStopped, err)
	}
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.interval = interval
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})
	go e.loop(e.stopCh, e.loopDone, interval)
	e.mu.Unlock()

	e.logger.Info("clock_started", "interval", interval)
	e.broadcastState()
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	done := e.loopDone
	wasRunning := e.running
	if wasRunning {
		e.running = false
		close(e.stopCh)
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	if wasRunning {
		e.logger.Info("clock_stopped")
		e.broadcastState()
	}
}

// Step runs one tick synchronously. It is refused while the loop runs.
func (e *Engine) Step() (model.Snapshot, error) {
	e.mu.Lock()
	running, err := e.running, e.err
	e.mu.Unlock()
	if err != nil {
		return e.Snapshot(), fmt.Errorf("%w: %v", ErrStopped, err)
	}
	if running {
		return e.Snapshot(), ErrRunning
	}
	snap, err := e.runTick()
	if err != nil {
		return snap, err
	}
	e.broadcastState()
	return snap, nil
}

func (e *Engine) loop(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.runTick(); err != nil && ledger.IsFatal(err) {
				return
			}
		}
	}
}

// runTick executes update, match and seal. A failure before the seal drops
// the tick's pending trades; a failed seal is fatal.
func (e *Engine) runTick() (model.Snapshot, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	select {
	case <-e.done:
		return e.Snapshot(), fmt.Errorf("%w: %v", ErrStopped, e.Err())
	default:
	}

	started := e.now()
	if err := e.settle(); err != nil {
		dropped := e.ledger.DiscardPending()
		e.logger.Warn("tick_failed", "tick", e.tick+1, "err", err, "dropped_trades", dropped)
		e.metrics.TickFailed()
		return e.Snapshot(), err
	}

	block, err := e.ledger.SealBlock()
	if err != nil {
		if ledger.IsFatal(err) {
			e.fail(err)
			return e.Snapshot(), err
		}
		dropped := e.ledger.DiscardPending()
		e.logger.Warn("tick_failed", "tick", e.tick+1, "err", err, "dropped_trades", dropped)
		e.metrics.TickFailed()
		return e.Snapshot(), err
	}

	e.tick++
	e.timeOfDay = math.Mod(e.timeOfDay+e.hourStep, 24)

	snap := model.Snapshot{
		Tick:         e.tick,
		TimeOfDay:    e.timeOfDay,
		Timestamp:    block.Timestamp,
		Nodes:        e.population.Snapshots(),
		LedgerLength: e.ledger.Len(),
		TipHash:      block.Hash,
	}
	if e.forecasts != nil {
		e.forecasts.Process(&snap)
	}
	e.publish(snap)

	e.metrics.TickCompleted(snap, block.Trades, e.now().Sub(started))
	e.logger.Debug("tick_sealed", "tick", snap.Tick, "block", block.Index, "trades", len(block.Trades), "hash", block.Hash)

	if e.settlement != nil && len(block.Trades) > 0 {
		if err := e.settlement.Publish(context.Background(), block); err != nil {
			e.logger.Debug("settlement_publish_rejected", "block", block.Index, "err", err)
		}
	}

	out := snap.Clone()
	e.callback.OnTick(out, block)
	return out, nil
}

// settle updates every node and records the matched trades as pending.
// Panics are converted into errors so the loop survives them.
func (e *Engine) settle() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	hour := e.timeOfDay
	for _, n := range e.population.Nodes() {
		n.SetLoadDemand(e.load.Sample(n, hour))
		n.Update(n.Generate(hour))
	}

	for _, t := range e.matcher.Match(e.population) {
		if err := e.ledger.AddTransaction(t); err != nil {
			return err
		}
	}
	return nil
}

// SettlementFailed reports a block the settlement sink could not deliver.
// It is safe to call from any goroutine.
func (e *Engine) SettlementFailed(b ledger.Block, err error) {
	e.logger.Error("settlement_failed", "block", b.Index, "hash", b.Hash, "err", err)
	e.metrics.SettlementFailed()
	e.callback.OnSettlementFailed(b, err)
}

func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		if e.running {
			e.running = false
			close(e.stopCh)
		}
		e.mu.Unlock()

		e.logger.Error("ledger_fatal", "err", err)
		close(e.done)
		e.callback.OnFatal(err)
		e.broadcastState()
	})
}

func (e *Engine) publish(s model.Snapshot) {
	e.snapshot.Store(&s)
}

func (e *Engine) broadcastState() {
	e.mu.Lock()
	s := e.stateLocked()
	e.mu.Unlock()
	e.callback.OnState(s)
}

type nopCallback struct{}

func (nopCallback) OnState(State)                          {}
func (nopCallback) OnTick(model.Snapshot, ledger.Block)    {}
func (nopCallback) OnSettlementFailed(ledger.Block, error) {}
func (nopCallback) OnFatal(error)                          {}
