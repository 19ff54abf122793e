package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/pterm/pterm"

	"nanogrid_simulator/internal/config"
	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
	"nanogrid_simulator/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	ticks := flag.Int("ticks", 24, "number of ticks to run")
	verbose := flag.Bool("v", false, "log every tick")
	flag.Parse()

	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	if *verbose {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}
	logger := slog.New(handler)

	cfg, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}

	res, err := simulate(cfg, *ticks, logger)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	render(res)
	if res.VerifyErr != nil {
		os.Exit(1)
	}
}

// result is what a batch run reports.
type result struct {
	Final     model.Snapshot
	Blocks    []ledger.Block
	Trades    int
	TradedKWh float64
	VerifyErr error
}

// simulate steps a fresh in-memory grid ticks times.
func simulate(cfg *config.Config, ticks int, log *slog.Logger) (result, error) {
	if ticks < 1 {
		return result{}, fmt.Errorf("ticks must be positive, got %d", ticks)
	}
	seed := cfg.Grid.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	spec, err := cfg.LoadPopulationSpec()
	if err != nil {
		return result{}, err
	}
	pop, err := grid.Build(spec, rng)
	if err != nil {
		return result{}, err
	}
	chain, err := ledger.NewChain(ledger.WithLogger(log))
	if err != nil {
		return result{}, err
	}
	svc := forecast.NewService(forecast.NewStatistical(cfg.Forecast.Window), nil, store.New(cfg.Forecast.History),
		forecast.WithServiceLogger(log))

	eng, err := simulator.New(simulator.Options{
		Population:   pop,
		Load:         cfg.LoadModel(rng),
		HoursPerTick: cfg.Clock.HoursPerTick,
		StartHour:    cfg.Clock.StartHour,
	}, chain, nil, simulator.WithForecasts(svc), simulator.WithLogger(log))
	if err != nil {
		return result{}, err
	}

	var res result
	for i := 0; i < ticks; i++ {
		if _, err := eng.Step(); err != nil {
			return result{}, fmt.Errorf("tick %d: %w", i+1, err)
		}
	}
	res.Final = eng.Snapshot()
	res.Blocks = eng.Blocks()
	for _, b := range res.Blocks {
		res.Trades += len(b.Trades)
		res.TradedKWh += b.TotalKWh()
	}
	res.VerifyErr = eng.Verify()
	return res, nil
}

func nodeTable(snap model.Snapshot) pterm.TableData {
	data := pterm.TableData{{"ID", "Address", "Solar kW", "Load kW", "SoC kWh", "Health %", "Balance kW", "Forecast kW"}}
	for _, n := range snap.Nodes {
		fc := "-"
		if n.Forecast != nil && n.Forecast.Available {
			fc = fmt.Sprintf("%.2f", n.Forecast.Value)
		}
		data = append(data, []string{
			fmt.Sprint(n.ID),
			shortAddress(n.Address),
			fmt.Sprintf("%.2f", n.SolarOutput),
			fmt.Sprintf("%.2f", n.LoadDemand),
			fmt.Sprintf("%.2f/%.0f", n.StateOfCharge, n.CapacityKWh),
			fmt.Sprintf("%.1f", n.Health),
			fmt.Sprintf("%.2f", n.PowerBalance),
			fc,
		})
	}
	return data
}

func blockTable(blocks []ledger.Block, last int) pterm.TableData {
	data := pterm.TableData{{"Index", "Trades", "kWh", "Hash"}}
	if len(blocks) > last {
		blocks = blocks[len(blocks)-last:]
	}
	for _, b := range blocks {
		data = append(data, []string{
			fmt.Sprint(b.Index),
			fmt.Sprint(len(b.Trades)),
			fmt.Sprintf("%.2f", b.TotalKWh()),
			shortAddress(b.Hash),
		})
	}
	return data
}

func shortAddress(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}

func render(res result) {
	pterm.DefaultSection.Printfln("Nanogrids after tick %d (%.1f h)", res.Final.Tick, res.Final.TimeOfDay)
	_ = pterm.DefaultTable.WithHasHeader().WithData(nodeTable(res.Final)).Render()

	pterm.DefaultSection.Println("Latest blocks")
	_ = pterm.DefaultTable.WithHasHeader().WithData(blockTable(res.Blocks, 5)).Render()

	pterm.Info.Printfln("%d blocks, %d trades, %.2f kWh traded", len(res.Blocks), res.Trades, res.TradedKWh)
	if res.VerifyErr != nil {
		pterm.Error.Printfln("chain verification failed: %v", res.VerifyErr)
		return
	}
	pterm.Success.Println("chain verified")
}
