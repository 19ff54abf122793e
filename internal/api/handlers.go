package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/market"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

type handlers struct {
	deps Deps
}

// NanogridStatus is one row of the grid status listing.
type NanogridStatus struct {
	ID            int                 `json:"nanogrid_id"`
	Address       string              `json:"address"`
	SolarOutput   float64             `json:"solar_output"`
	LoadDemand    float64             `json:"load_demand"`
	BatterySoC    float64             `json:"battery_soc"`
	CapacityKWh   float64             `json:"battery_capacity_kwh"`
	BatteryHealth float64             `json:"battery_health"`
	PowerBalance  float64             `json:"power_balance"`
	Forecast      *model.ForecastView `json:"forecast,omitempty"`
}

// Transaction is a sealed trade as listed by the API.
type Transaction struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	AmountKWh float64 `json:"amount_kwh"`
	Timestamp int64   `json:"timestamp"`
	Block     int     `json:"block"`
}

// BlockView is a sealed block as listed by the API.
type BlockView struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
	TotalKWh     float64       `json:"total_kwh"`
	Trades       []model.Trade `json:"trades"`
}

type startRequest struct {
	IntervalSeconds float64 `json:"interval_seconds"`
}

type faultModelRequest struct {
	Waveform json.RawMessage `json:"waveform"`
}

func errorJSON(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

func (h *handlers) status(c *gin.Context) {
	snap := h.deps.Engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"mode":      "simulation",
		"nanogrids": len(snap.Nodes),
		"running":   h.deps.Engine.State().Running,
	})
}

func (h *handlers) gridStatus(c *gin.Context) {
	snap := h.deps.Engine.Snapshot()
	rows := make([]NanogridStatus, len(snap.Nodes))
	for i, n := range snap.Nodes {
		rows[i] = NanogridStatus{
			ID:            n.ID,
			Address:       n.Address,
			SolarOutput:   n.SolarOutput,
			LoadDemand:    n.LoadDemand,
			BatterySoC:    n.StateOfCharge,
			CapacityKWh:   n.CapacityKWh,
			BatteryHealth: n.Health,
			PowerBalance:  n.PowerBalance,
			Forecast:      n.Forecast,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"nanogrids":     rows,
		"tick":          snap.Tick,
		"time_of_day":   snap.TimeOfDay,
		"ledger_length": snap.LedgerLength,
		"tip_hash":      snap.TipHash,
	})
}

func (h *handlers) systemStatus(c *gin.Context) {
	snap := h.deps.Engine.Snapshot()
	state := h.deps.Engine.State()
	verifyErr := h.deps.Engine.Verify()

	c.JSON(http.StatusOK, gin.H{
		"mode":                  "simulation",
		"total_nanogrids":       len(snap.Nodes),
		"nanogrids_online":      len(snap.Nodes),
		"running":               state.Running,
		"tick":                  snap.Tick,
		"ledger_length":         snap.LedgerLength,
		"ledger_valid":          verifyErr == nil,
		"settlement_enabled":    h.deps.SettlementEnabled,
		"ai_controller_active":  h.deps.Forecasts != nil,
		"fault_model_available": h.deps.Forecasts != nil && h.deps.Forecasts.FaultModelAvailable(),
		"network_health":        networkHealth(state, verifyErr),
		"market_price":          marketPrice(market.BuildOrderBook(snap)),
		"error":                 state.Error,
	})
}

// networkHealth is 100 for a healthy run and drops when the ledger is
// invalid or the engine halted.
func networkHealth(state simulator.State, verifyErr error) float64 {
	health := 100.0
	if verifyErr != nil {
		health -= 50
	}
	if state.Error != "" {
		health -= 35
	}
	return health
}

// marketPrice averages the indicative prices of all open orders.
func marketPrice(book market.OrderBook) float64 {
	n := len(book.BuyOrders) + len(book.SellOrders)
	if n == 0 {
		return 0.10
	}
	sum := 0.0
	for _, o := range book.BuyOrders {
		sum += o.Price
	}
	for _, o := range book.SellOrders {
		sum += o.Price
	}
	return sum / float64(n)
}

func (h *handlers) marketOrders(c *gin.Context) {
	c.JSON(http.StatusOK, market.BuildOrderBook(h.deps.Engine.Snapshot()))
}

func (h *handlers) transactions(c *gin.Context) {
	out := []Transaction{}
	for _, b := range h.deps.Engine.Blocks() {
		for _, t := range b.Trades {
			out = append(out, Transaction{
				ID:        t.ID,
				Sender:    t.Seller,
				Receiver:  t.Buyer,
				AmountKWh: t.AmountKWh,
				Timestamp: t.Timestamp.Unix(),
				Block:     b.Index,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (h *handlers) blocks(c *gin.Context) {
	blocks := h.deps.Engine.Blocks()
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			errorJSON(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		if limit < len(blocks) {
			blocks = blocks[len(blocks)-limit:]
		}
	}
	out := make([]BlockView, len(blocks))
	for i, b := range blocks {
		out[i] = blockView(b)
	}
	c.JSON(http.StatusOK, gin.H{"blocks": out, "length": len(h.deps.Engine.Blocks())})
}

func blockView(b ledger.Block) BlockView {
	trades := b.Trades
	if trades == nil {
		trades = []model.Trade{}
	}
	return BlockView{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
		TotalKWh:     b.TotalKWh(),
		Trades:       trades,
	}
}

func (h *handlers) verify(c *gin.Context) {
	snap := h.deps.Engine.Snapshot()
	if err := h.deps.Engine.Verify(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "length": snap.LedgerLength, "tip_hash": snap.TipHash})
}

// targetNodes applies the optional nanogrid_id filter.
func targetNodes(c *gin.Context, snap model.Snapshot) ([]model.NodeSnapshot, bool) {
	v := c.Query("nanogrid_id")
	if v == "" {
		return snap.Nodes, true
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_ID", "nanogrid_id must be an integer")
		return nil, false
	}
	n, ok := snap.NodeByID(id)
	if !ok {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "no nanogrid with id "+v)
		return nil, false
	}
	return []model.NodeSnapshot{n}, true
}

func (h *handlers) loadFlowPrediction(c *gin.Context) {
	if h.deps.Forecasts == nil {
		errorJSON(c, http.StatusServiceUnavailable, "UNAVAILABLE", "forecasting unavailable")
		return
	}
	nodes, ok := targetNodes(c, h.deps.Engine.Snapshot())
	if !ok {
		return
	}
	out := []forecast.LoadFlow{}
	for _, n := range nodes {
		lf, err := h.deps.Forecasts.Predict(n)
		if err != nil {
			continue
		}
		out = append(out, lf)
	}
	if len(out) == 0 && len(nodes) > 0 {
		errorJSON(c, http.StatusServiceUnavailable, "UNAVAILABLE", "forecasting unavailable")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) faultPrediction(c *gin.Context) {
	if h.deps.Forecasts == nil {
		errorJSON(c, http.StatusServiceUnavailable, "UNAVAILABLE", "fault prediction unavailable")
		return
	}
	nodes, ok := targetNodes(c, h.deps.Engine.Snapshot())
	if !ok {
		return
	}
	out := make([]forecast.FaultRisk, len(nodes))
	for i, n := range nodes {
		out[i] = h.deps.Forecasts.Risk(n)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) faultModel(c *gin.Context) {
	var req faultModelRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Waveform) == 0 {
		errorJSON(c, http.StatusBadRequest, "BAD_REQUEST", "waveform missing")
		return
	}
	w, err := decodeWaveform(req.Waveform)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if h.deps.Forecasts == nil {
		errorJSON(c, http.StatusServiceUnavailable, "UNAVAILABLE", "model not available")
		return
	}
	res, err := h.deps.Forecasts.Classify(w)
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "UNAVAILABLE", "model not available")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"predicted_class": res.Label,
		"class":           res.Class,
		"probabilities":   res.Probabilities,
	})
}

// decodeWaveform accepts either six channel arrays or one flat
// channel-major array.
func decodeWaveform(raw json.RawMessage) (forecast.Waveform, error) {
	var channels [][]float64
	if err := json.Unmarshal(raw, &channels); err == nil {
		return forecast.WaveformFromChannels(channels)
	}
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err != nil {
		return forecast.Waveform{}, errors.New("waveform must be an array of numbers or of six channel arrays")
	}
	return forecast.WaveformFromFlat(flat)
}

func (h *handlers) recommendations(c *gin.Context) {
	c.JSON(http.StatusOK, forecast.Recommend(h.deps.Engine.Snapshot()))
}

func (h *handlers) simulationState(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Engine.State())
}

func (h *handlers) simulationStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	interval := h.deps.DefaultInterval
	if req.IntervalSeconds != 0 {
		interval = time.Duration(req.IntervalSeconds * float64(time.Second))
	}
	if err := h.deps.Engine.Start(interval); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, simulator.ErrStopped) {
			status = http.StatusConflict
		}
		errorJSON(c, status, "START_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, h.deps.Engine.State())
}

func (h *handlers) simulationStop(c *gin.Context) {
	h.deps.Engine.Stop()
	c.JSON(http.StatusOK, h.deps.Engine.State())
}

func (h *handlers) simulationStep(c *gin.Context) {
	snap, err := h.deps.Engine.Step()
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, simulator.ErrRunning), errors.Is(err, simulator.ErrStopped), ledger.IsFatal(err):
			status = http.StatusConflict
		}
		errorJSON(c, status, "STEP_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, snap)
}
