package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"nanogrid_simulator/internal/forecast"
	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/metrics"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

// Simulation is the engine surface exposed over HTTP.
type Simulation interface {
	Snapshot() model.Snapshot
	Transactions() []model.Trade
	Blocks() []ledger.Block
	Verify() error
	State() simulator.State
	Start(interval time.Duration) error
	Stop()
	Step() (model.Snapshot, error)
}

// Deps holds everything the router serves. Forecasts, Metrics and WS may
// be nil.
type Deps struct {
	Engine            Simulation
	Forecasts         *forecast.Service
	Metrics           *metrics.Metrics
	WS                http.Handler
	DefaultInterval   time.Duration
	SettlementEnabled bool
	CORSOrigins       []string
	Logger            *slog.Logger
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{deps: d}

	router := gin.New()
	router.Use(ErrorHandler(d.Logger))
	router.Use(RequestLogger(d.Logger))
	router.Use(d.Metrics.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", h.status)
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	if d.WS != nil {
		router.GET("/ws", gin.WrapH(d.WS))
	}

	api := router.Group("/api")
	{
		api.GET("/grid-status", h.gridStatus)
		api.GET("/nanogrids/status", h.gridStatus)
		api.GET("/system-status", h.systemStatus)
		api.GET("/market/orders", h.marketOrders)

		api.GET("/blockchain/transactions", h.transactions)
		api.GET("/blockchain/blocks", h.blocks)
		api.GET("/blockchain/verify", h.verify)

		api.GET("/ai/load-flow-prediction", h.loadFlowPrediction)
		api.GET("/ai/fault-prediction", h.faultPrediction)
		api.POST("/ai/fault-predict/model", h.faultModel)
		api.GET("/ai/recommendations", h.recommendations)

		api.GET("/simulation/state", h.simulationState)
		api.POST("/simulation/start", h.simulationStart)
		api.POST("/simulation/stop", h.simulationStop)
		api.POST("/simulation/step", h.simulationStep)
	}
	return router
}

// NewHandler wraps the router with CORS. An empty origin list allows all.
func NewHandler(d Deps) http.Handler {
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(NewRouter(d))
}
