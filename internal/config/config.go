package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/ingest"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/solar"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the on-disk configuration shape (YAML).
type Config struct {
	Grid       GridConfig       `yaml:"grid"`
	Generation GenerationConfig `yaml:"generation"`
	Load       LoadConfig       `yaml:"load"`
	Clock      ClockConfig      `yaml:"clock"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Settlement SettlementConfig `yaml:"settlement"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

type GridConfig struct {
	Nanogrids   int     `yaml:"nanogrids"`
	CapacityKWh float64 `yaml:"capacity_kwh"`
	// InitialSoCKWh defaults to half the capacity when unset. An explicit
	// zero starts every battery empty.
	InitialSoCKWh *float64 `yaml:"initial_soc_kwh"`
	DefaultLoadKW float64 `yaml:"default_load_kw"`
	// Seed fixes the random source; zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// InitialCharge resolves the starting state of charge of every battery.
func (g GridConfig) InitialCharge() float64 {
	if g.InitialSoCKWh == nil {
		return g.CapacityKWh / 2
	}
	return *g.InitialSoCKWh
}

type GenerationConfig struct {
	Model    string  `yaml:"model"`
	PeakKW   float64 `yaml:"peak_kw"`
	MinKW    float64 `yaml:"min_kw"`
	MaxKW    float64 `yaml:"max_kw"`
	JitterKW float64 `yaml:"jitter_kw"`
	Azimuth  float64 `yaml:"azimuth"`
	Tilt     float64 `yaml:"tilt"`

	// HistoryCSV is a Home Assistant export of a PV power sensor (W)
	// shaping the profile model.
	HistoryCSV string `yaml:"history_csv"`
}

type LoadConfig struct {
	Model   string  `yaml:"model"`
	MinKW   float64 `yaml:"min_kw"`
	MaxKW   float64 `yaml:"max_kw"`
	StepKW  float64 `yaml:"step_kw"`
	FloorKW float64 `yaml:"floor_kw"`
}

type ClockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	HoursPerTick float64       `yaml:"hours_per_tick"`
	StartHour    float64       `yaml:"start_hour"`
	Autostart    bool          `yaml:"autostart"`
}

type LedgerConfig struct {
	// Path of the JSONL block file. Empty keeps the chain in memory.
	Path string `yaml:"path"`
}

type SettlementConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	QueueSize  int           `yaml:"queue_size"`
}

type ForecastConfig struct {
	Window          int     `yaml:"window"`
	History         int     `yaml:"history"`
	FaultModelPath  string  `yaml:"fault_model_path"`
	TrainFaultModel bool    `yaml:"train_fault_model"`
	FaultSampleRate float64 `yaml:"fault_sample_rate"`
}

type APIConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: five
// nanogrids with 20 kWh batteries, ticking once per second.
func Default() *Config {
	return &Config{
		Grid: GridConfig{
			Nanogrids:     5,
			CapacityKWh:   20,
			DefaultLoadKW: 5,
		},
		Generation: GenerationConfig{
			Model: string(solar.KindUniform),
			MinKW: 50,
			MaxKW: 150,
		},
		Load: LoadConfig{
			Model: "uniform",
			MinKW: 25,
			MaxKW: 55,
		},
		Clock: ClockConfig{
			TickInterval: time.Second,
			HoursPerTick: 1,
			StartHour:    12,
			Autostart:    true,
		},
		Settlement: SettlementConfig{
			Topic:      "grid.settlements",
			MaxRetries: 3,
			Backoff:    200 * time.Millisecond,
			QueueSize:  256,
		},
		Forecast: ForecastConfig{
			Window:          6,
			History:         48,
			FaultSampleRate: 0.05,
		},
		API: APIConfig{
			Addr:        ":8000",
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	c, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadUnchecked decodes path over the defaults without validating.
func LoadUnchecked(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overlays the supported environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("NUM_NANOGRIDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: NUM_NANOGRIDS=%q: %v", ErrInvalid, v, err)
		}
		c.Grid.Nanogrids = n
	}
	if v, ok := lookup("TICK_INTERVAL"); ok {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%w: TICK_INTERVAL=%q: %v", ErrInvalid, v, err)
		}
		c.Clock.TickInterval = d
	}
	if v, ok := lookup("LEDGER_PATH"); ok {
		c.Ledger.Path = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Settlement.Brokers = brokers
		c.Settlement.Enabled = len(brokers) > 0
	}
	if v, ok := lookup("API_ADDR"); ok && v != "" {
		c.API.Addr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// parseInterval accepts a Go duration or a plain number of seconds.
func parseInterval(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	g := c.Grid
	if g.Nanogrids < 1 {
		fail("grid.nanogrids must be >= 1, got %d", g.Nanogrids)
	}
	if !(g.CapacityKWh > 0) {
		fail("grid.capacity_kwh must be > 0, got %v", g.CapacityKWh)
	}
	if soc := g.InitialCharge(); soc < 0 || soc > g.CapacityKWh {
		fail("grid.initial_soc_kwh must be in [0, %v], got %v", g.CapacityKWh, soc)
	}
	if g.DefaultLoadKW < 0 {
		fail("grid.default_load_kw must be >= 0, got %v", g.DefaultLoadKW)
	}

	switch solar.Kind(c.Generation.Model) {
	case solar.KindSine, solar.KindDiurnal, solar.KindProfile:
		if c.Generation.PeakKW < 0 {
			fail("generation.peak_kw must be >= 0, got %v", c.Generation.PeakKW)
		}
	case solar.KindUniform:
		if c.Generation.MinKW < 0 || c.Generation.MinKW > c.Generation.MaxKW {
			fail("generation range [%v, %v] is invalid", c.Generation.MinKW, c.Generation.MaxKW)
		}
	default:
		fail("generation.model %q is unknown", c.Generation.Model)
	}
	if c.Generation.HistoryCSV != "" && solar.Kind(c.Generation.Model) != solar.KindProfile {
		fail("generation.history_csv requires the profile model, got %q", c.Generation.Model)
	}

	switch c.Load.Model {
	case "uniform":
		if c.Load.MinKW < 0 || c.Load.MinKW > c.Load.MaxKW {
			fail("load range [%v, %v] is invalid", c.Load.MinKW, c.Load.MaxKW)
		}
	case "walk":
		if c.Load.StepKW < 0 || c.Load.FloorKW < 0 {
			fail("load.step_kw and load.floor_kw must be >= 0")
		}
	case "constant":
	default:
		fail("load.model %q is unknown", c.Load.Model)
	}

	if c.Clock.TickInterval <= 0 {
		fail("clock.tick_interval must be > 0, got %v", c.Clock.TickInterval)
	}
	if !(c.Clock.HoursPerTick > 0) {
		fail("clock.hours_per_tick must be > 0, got %v", c.Clock.HoursPerTick)
	}
	if c.Clock.StartHour < 0 || c.Clock.StartHour >= 24 {
		fail("clock.start_hour must be in [0, 24), got %v", c.Clock.StartHour)
	}

	if s := c.Settlement; s.Enabled {
		if len(s.Brokers) == 0 {
			fail("settlement.brokers is required when settlement is enabled")
		}
		if s.Topic == "" {
			fail("settlement.topic is required when settlement is enabled")
		}
	}

	if c.Forecast.FaultSampleRate < 0 || c.Forecast.FaultSampleRate > 1 {
		fail("forecast.fault_sample_rate must be in [0, 1], got %v", c.Forecast.FaultSampleRate)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// PopulationSpec converts the grid and generation sections.
func (c *Config) PopulationSpec() grid.Spec {
	return grid.Spec{
		Count:         c.Grid.Nanogrids,
		CapacityKWh:   c.Grid.CapacityKWh,
		InitialSoCKWh: c.Grid.InitialCharge(),
		DefaultLoadKW: c.Grid.DefaultLoadKW,
		StepHours:     c.Clock.HoursPerTick,
		Generation: solar.Params{
			Kind:     solar.Kind(c.Generation.Model),
			PeakKW:   c.Generation.PeakKW,
			MinKW:    c.Generation.MinKW,
			MaxKW:    c.Generation.MaxKW,
			JitterKW: c.Generation.JitterKW,
			Azimuth:  c.Generation.Azimuth,
			Tilt:     c.Generation.Tilt,
		},
	}
}

// LoadPopulationSpec is PopulationSpec with the PV history file, if any,
// read into the generation parameters.
func (c *Config) LoadPopulationSpec() (grid.Spec, error) {
	spec := c.PopulationSpec()
	if c.Generation.HistoryCSV == "" {
		return spec, nil
	}
	history, err := ingest.LoadPVHistory(c.Generation.HistoryCSV, ingest.NewHomeAssistantParser("W", nil))
	if err != nil {
		return grid.Spec{}, err
	}
	spec.Generation.History = history
	return spec, nil
}

// LoadModel builds the configured demand model.
func (c *Config) LoadModel(rng *rand.Rand) grid.LoadModel {
	switch c.Load.Model {
	case "walk":
		return grid.NewWalkLoad(c.Load.StepKW, c.Load.FloorKW, rng)
	case "constant":
		return grid.ConstantLoad{}
	default:
		return grid.NewUniformLoad(c.Load.MinKW, c.Load.MaxKW, rng)
	}
}

// PublisherConfig converts the settlement section.
func (c *Config) PublisherConfig() ledger.PublisherConfig {
	return ledger.PublisherConfig{
		Enabled:    c.Settlement.Enabled,
		Brokers:    append([]string(nil), c.Settlement.Brokers...),
		Topic:      c.Settlement.Topic,
		MaxRetries: c.Settlement.MaxRetries,
		Backoff:    c.Settlement.Backoff,
		QueueSize:  c.Settlement.QueueSize,
	}
}

// ParseLevel maps a level name onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q is unknown", s)
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log.format %q is unknown", format)
}
