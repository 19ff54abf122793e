package ws

import (
	"log/slog"

	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

// Bridge implements simulator.Callback and broadcasts events to the WebSocket hub.
type Bridge struct {
	hub    *Hub
	logger *slog.Logger
}

func NewBridge(hub *Hub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{hub: hub, logger: logger}
}

func (b *Bridge) OnState(s simulator.State) {
	b.broadcast(TypeSimState, SimStateFromEngine(s))
}

// OnTick sends the grid snapshot followed by the block that sealed it.
func (b *Bridge) OnTick(snap model.Snapshot, block ledger.Block) {
	b.broadcast(TypeGridSnapshot, snap)
	b.broadcast(TypeLedgerBlock, BlockFromLedger(block))
}

func (b *Bridge) OnSettlementFailed(block ledger.Block, err error) {
	b.broadcast(TypeSettlementFailed, SettlementFailedPayload{
		Index: block.Index,
		Hash:  block.Hash,
		Error: err.Error(),
	})
}

func (b *Bridge) OnFatal(err error) {
	b.broadcast(TypeSimFatal, ErrorPayload{Error: err.Error()})
}

func (b *Bridge) broadcast(msgType string, payload any) {
	msg, err := NewEnvelope(msgType, payload)
	if err != nil {
		b.logger.Error("ws_marshal_failed", "type", msgType, "err", err)
		return
	}
	b.hub.Broadcast(msg)
}
