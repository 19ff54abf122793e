package ws

import (
	"encoding/json"
	"time"

	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> Server messages

type StartPayload struct {
	IntervalSeconds float64 `json:"interval_seconds"`
}

// Server -> Client messages

type SimStatePayload struct {
	Running         bool    `json:"running"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Tick            uint64  `json:"tick"`
	TimeOfDay       float64 `json:"time_of_day"`
	Error           string  `json:"error,omitempty"`
}

type BlockPayload struct {
	Index        int           `json:"index"`
	Timestamp    string        `json:"timestamp"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
	TotalKWh     float64       `json:"total_kwh"`
	Trades       []model.Trade `json:"trades"`
}

type SettlementFailedPayload struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Error string `json:"error"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Message type constants
const (
	// Client -> Server
	TypeSimStart = "sim:start"
	TypeSimStop  = "sim:stop"
	TypeSimStep  = "sim:step"

	// Server -> Client
	TypeSimState         = "sim:state"
	TypeGridSnapshot     = "grid:snapshot"
	TypeLedgerBlock      = "ledger:block"
	TypeSettlementFailed = "settlement:failed"
	TypeSimFatal         = "sim:fatal"
	TypeSimError         = "sim:error"
)

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func SimStateFromEngine(s simulator.State) SimStatePayload {
	return SimStatePayload{
		Running:         s.Running,
		IntervalSeconds: s.IntervalSeconds,
		Tick:            s.Tick,
		TimeOfDay:       s.TimeOfDay,
		Error:           s.Error,
	}
}

func BlockFromLedger(b ledger.Block) BlockPayload {
	trades := b.Trades
	if trades == nil {
		trades = []model.Trade{}
	}
	return BlockPayload{
		Index:        b.Index,
		Timestamp:    b.Timestamp.Format(time.RFC3339Nano),
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
		TotalKWh:     b.TotalKWh(),
		Trades:       trades,
	}
}
