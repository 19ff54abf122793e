package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/market"
	"nanogrid_simulator/internal/metrics"
	"nanogrid_simulator/internal/simulator"
	"nanogrid_simulator/internal/solar"
	"nanogrid_simulator/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// newEngine builds a seller (load 0) and a buyer (load 14) under a 10 kW
// sine at noon, so each tick trades 4 kWh.
func newEngine(t *testing.T, opts ...simulator.Option) *simulator.Engine {
	t.Helper()
	pop, err := grid.NewPopulation()
	require.NoError(t, err)
	for id, load := range []float64{0, 14} {
		storage, err := grid.NewStorageUnit(20, 10)
		require.NoError(t, err)
		n, err := grid.NewNode(id+1, grid.Address(id+1), solar.Sine{PeakKW: 10}, storage, load)
		require.NoError(t, err)
		require.NoError(t, pop.Add(n))
	}
	chain, err := ledger.NewChain()
	require.NoError(t, err)

	opts = append(opts, simulator.WithLogger(quiet))
	eng, err := simulator.New(simulator.Options{
		Population:   pop,
		HoursPerTick: 1,
		StartHour:    12,
	}, chain, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)
	return eng
}

func newServer(t *testing.T, d Deps) http.Handler {
	t.Helper()
	if d.Logger == nil {
		d.Logger = quiet
	}
	if d.DefaultInterval == 0 {
		d.DefaultInterval = time.Hour
	}
	return NewHandler(d)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthAndStatus(t *testing.T) {
	h := newServer(t, Deps{Engine: newEngine(t)})

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "simulation", body["mode"])
	assert.Equal(t, 2.0, body["nanogrids"])
	assert.Equal(t, false, body["running"])
}

func TestGridStatus_AfterStep(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng})

	_, err := eng.Step()
	require.NoError(t, err)

	for _, path := range []string{"/api/grid-status", "/api/nanogrids/status"} {
		rec := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body struct {
			Nanogrids    []NanogridStatus `json:"nanogrids"`
			Tick         uint64           `json:"tick"`
			TimeOfDay    float64          `json:"time_of_day"`
			LedgerLength int              `json:"ledger_length"`
			TipHash      string           `json:"tip_hash"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Nanogrids, 2)
		assert.Equal(t, uint64(1), body.Tick)
		assert.Equal(t, 13.0, body.TimeOfDay)
		assert.Equal(t, 2, body.LedgerLength)
		assert.NotEmpty(t, body.TipHash)

		seller := body.Nanogrids[0]
		assert.Equal(t, 1, seller.ID)
		assert.Equal(t, grid.Address(1), seller.Address)
		assert.InDelta(t, 6.0, seller.PowerBalance, 1e-9)
		assert.InDelta(t, 0.0, body.Nanogrids[1].PowerBalance, 1e-9)
		assert.Equal(t, 20.0, seller.CapacityKWh)
	}
}

func TestTransactionsAndBlocks(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng})
	for i := 0; i < 2; i++ {
		_, err := eng.Step()
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/blockchain/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decode[struct {
		Transactions []Transaction `json:"transactions"`
	}](t, rec).Transactions
	require.NotEmpty(t, txs)
	assert.Equal(t, grid.Address(1), txs[0].Sender)
	assert.Equal(t, grid.Address(2), txs[0].Receiver)
	assert.InDelta(t, 4.0, txs[0].AmountKWh, 1e-9)
	assert.Equal(t, 2, txs[0].Block)

	rec = do(t, h, http.MethodGet, "/api/blockchain/blocks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var blocks struct {
		Blocks []BlockView `json:"blocks"`
		Length int         `json:"length"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	assert.Equal(t, 3, blocks.Length)
	require.Len(t, blocks.Blocks, 3)
	assert.Equal(t, ledger.GenesisPrevHash, blocks.Blocks[0].PreviousHash)
	assert.NotNil(t, blocks.Blocks[0].Trades, "genesis lists an empty trade array")
	for i := 1; i < len(blocks.Blocks); i++ {
		assert.Equal(t, blocks.Blocks[i-1].Hash, blocks.Blocks[i].PreviousHash)
	}

	rec = do(t, h, http.MethodGet, "/api/blockchain/blocks?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocks))
	require.Len(t, blocks.Blocks, 1)
	assert.Equal(t, 3, blocks.Blocks[0].Index)

	rec = do(t, h, http.MethodGet, "/api/blockchain/blocks?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng})
	_, err := eng.Step()
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/blockchain/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, 2.0, body["length"])
}

type brokenChain struct{ *simulator.Engine }

func (brokenChain) Verify() error { return ledger.ErrIntegrity }

func TestVerify_Broken(t *testing.T) {
	h := newServer(t, Deps{Engine: brokenChain{newEngine(t)}})

	rec := do(t, h, http.MethodGet, "/api/blockchain/verify", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, false, body["valid"])
	assert.Contains(t, body["error"], "integrity")

	rec = do(t, h, http.MethodGet, "/api/system-status", "")
	status := decode[map[string]any](t, rec)
	assert.Equal(t, false, status["ledger_valid"])
	assert.Equal(t, 50.0, status["network_health"])
}

func TestSystemStatus(t *testing.T) {
	h := newServer(t, Deps{
		Engine:            newEngine(t),
		Forecasts:         forecast.NewService(forecast.NewStatistical(3), nil, store.New(8)),
		SettlementEnabled: true,
	})

	rec := do(t, h, http.MethodGet, "/api/system-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "simulation", body["mode"])
	assert.Equal(t, 2.0, body["total_nanogrids"])
	assert.Equal(t, 2.0, body["nanogrids_online"])
	assert.Equal(t, true, body["ledger_valid"])
	assert.Equal(t, true, body["settlement_enabled"])
	assert.Equal(t, true, body["ai_controller_active"])
	assert.Equal(t, false, body["fault_model_available"])
	assert.Equal(t, 100.0, body["network_health"])
	assert.Greater(t, body["market_price"], 0.0)
}

func TestMarketPrice(t *testing.T) {
	assert.Equal(t, 0.10, marketPrice(market.OrderBook{}))
	book := market.OrderBook{
		BuyOrders:  []market.Order{{Price: 0.08}},
		SellOrders: []market.Order{{Price: 0.12}},
	}
	assert.InDelta(t, 0.10, marketPrice(book), 1e-12)
}

func TestMarketOrders(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng})
	_, err := eng.Step()
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/market/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[market.OrderBook](t, rec)
	assert.Empty(t, book.BuyOrders)
	require.Len(t, book.SellOrders, 1)
	assert.Equal(t, grid.Address(1), book.SellOrders[0].Address)
	assert.InDelta(t, 6.0, book.SellOrders[0].AmountKWh, 1e-9)
}

func TestLoadFlowPrediction(t *testing.T) {
	svc := forecast.NewService(forecast.NewStatistical(3), nil, store.New(8), forecast.WithServiceLogger(quiet))
	eng := newEngine(t, simulator.WithForecasts(svc))
	h := newServer(t, Deps{Engine: eng, Forecasts: svc})
	_, err := eng.Step()
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/ai/load-flow-prediction", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flows := decode[[]forecast.LoadFlow](t, rec)
	require.Len(t, flows, 2)
	assert.Equal(t, "persistence", flows[0].Method)

	rec = do(t, h, http.MethodGet, "/api/ai/load-flow-prediction?nanogrid_id=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flows = decode[[]forecast.LoadFlow](t, rec)
	require.Len(t, flows, 1)
	assert.Equal(t, 2, flows[0].NodeID)

	rec = do(t, h, http.MethodGet, "/api/ai/load-flow-prediction?nanogrid_id=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/ai/load-flow-prediction?nanogrid_id=99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredictionsWithoutForecasts(t *testing.T) {
	h := newServer(t, Deps{Engine: newEngine(t)})

	for _, path := range []string{"/api/ai/load-flow-prediction", "/api/ai/fault-prediction"} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestLoadFlowPrediction_NoForecaster(t *testing.T) {
	svc := forecast.NewService(nil, nil, nil)
	h := newServer(t, Deps{Engine: newEngine(t), Forecasts: svc})

	rec := do(t, h, http.MethodGet, "/api/ai/load-flow-prediction", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFaultPrediction(t *testing.T) {
	svc := forecast.NewService(nil, nil, nil)
	h := newServer(t, Deps{Engine: newEngine(t), Forecasts: svc})

	rec := do(t, h, http.MethodGet, "/api/ai/fault-prediction", "")
	require.Equal(t, http.StatusOK, rec.Code)
	risks := decode[[]forecast.FaultRisk](t, rec)
	require.Len(t, risks, 2)
	for _, r := range risks {
		assert.GreaterOrEqual(t, r.Probability, 0.0)
		assert.LessOrEqual(t, r.Probability, 0.95)
		assert.NotEmpty(t, r.Severity)
	}
}

func TestFaultModel(t *testing.T) {
	flat := make([]float64, forecast.Channels*4)
	payload, err := json.Marshal(map[string]any{"waveform": flat})
	require.NoError(t, err)

	t.Run("model not available", func(t *testing.T) {
		h := newServer(t, Deps{Engine: newEngine(t), Forecasts: forecast.NewService(nil, nil, nil)})
		rec := do(t, h, http.MethodPost, "/api/ai/fault-predict/model", string(payload))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "model not available")
	})

	t.Run("missing waveform", func(t *testing.T) {
		h := newServer(t, Deps{Engine: newEngine(t)})
		rec := do(t, h, http.MethodPost, "/api/ai/fault-predict/model", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ragged waveform", func(t *testing.T) {
		h := newServer(t, Deps{Engine: newEngine(t)})
		rec := do(t, h, http.MethodPost, "/api/ai/fault-predict/model", `{"waveform":[1,2,3]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("classified", func(t *testing.T) {
		cfg := forecast.DefaultTrainConfig()
		cfg.Epochs = 1
		det, _ := forecast.TrainFaultDetector(16, cfg, 7)
		svc := forecast.NewService(nil, det, nil)
		h := newServer(t, Deps{Engine: newEngine(t), Forecasts: svc})

		channels := make([][]float64, forecast.Channels)
		for i := range channels {
			channels[i] = make([]float64, 8)
		}
		body, err := json.Marshal(map[string]any{"waveform": channels})
		require.NoError(t, err)

		rec := do(t, h, http.MethodPost, "/api/ai/fault-predict/model", string(body))
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[map[string]any](t, rec)
		assert.NotEmpty(t, res["predicted_class"])
		probs, ok := res["probabilities"].([]any)
		require.True(t, ok)
		assert.Len(t, probs, forecast.NumFaultClasses)
	})
}

func TestRecommendations(t *testing.T) {
	h := newServer(t, Deps{Engine: newEngine(t)})
	rec := do(t, h, http.MethodGet, "/api/ai/recommendations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decode[[]forecast.Recommendation](t, rec)
	assert.NotNil(t, recs)
}

func TestSimulationControl(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng, DefaultInterval: time.Hour})

	rec := do(t, h, http.MethodPost, "/api/simulation/step", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), eng.Snapshot().Tick)

	rec = do(t, h, http.MethodPost, "/api/simulation/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[simulator.State](t, rec)
	assert.True(t, state.Running)
	assert.Equal(t, 3600.0, state.IntervalSeconds)

	rec = do(t, h, http.MethodPost, "/api/simulation/step", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/simulation/state", "")
	assert.True(t, decode[simulator.State](t, rec).Running)

	rec = do(t, h, http.MethodPost, "/api/simulation/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[simulator.State](t, rec).Running)
	assert.False(t, eng.Running())
}

func TestSimulationStart_Interval(t *testing.T) {
	eng := newEngine(t)
	h := newServer(t, Deps{Engine: eng})

	rec := do(t, h, http.MethodPost, "/api/simulation/start", `{"interval_seconds": -2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, eng.Running())

	rec = do(t, h, http.MethodPost, "/api/simulation/start", `{"interval_seconds": "fast"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/simulation/start", `{"interval_seconds": 0.02}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return eng.Snapshot().Tick >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	eng := newEngine(t, simulator.WithMetrics(m))
	h := newServer(t, Deps{Engine: eng, Metrics: m})
	_, err := eng.Step()
	require.NoError(t, err)
	do(t, h, http.MethodGet, "/status", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nanogrid_ticks_total")
}

func TestCORS(t *testing.T) {
	h := newServer(t, Deps{Engine: newEngine(t), CORSOrigins: []string{"http://dash.local"}})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPanicIsRecovered(t *testing.T) {
	router := NewRouter(Deps{Engine: newEngine(t), Logger: quiet})
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}
