package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid_simulator/internal/ledger"
	"nanogrid_simulator/internal/model"
	"nanogrid_simulator/internal/simulator"
)

var blockTime = time.Date(2024, 11, 21, 12, 0, 0, 0, time.UTC)

func newTestBridge() (*Bridge, *Client) {
	hub := NewHub(nil)
	client := &Client{hub: hub, send: make(chan []byte, 256)}
	hub.Register(client)
	bridge := NewBridge(hub, nil)
	return bridge, client
}

func receiveEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	msg := <-c.send
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func sealedBlock() ledger.Block {
	return ledger.Block{
		Index:        2,
		Timestamp:    blockTime,
		PreviousHash: "abc",
		Hash:         "def",
		Trades: []model.Trade{
			{ID: "t1", Seller: "0xa", Buyer: "0xb", AmountKWh: 4, Timestamp: blockTime},
			{ID: "t2", Seller: "0xa", Buyer: "0xc", AmountKWh: 1.5, Timestamp: blockTime},
		},
	}
}

func TestBridge_OnState(t *testing.T) {
	bridge, client := newTestBridge()

	bridge.OnState(simulator.State{
		Running:         true,
		IntervalSeconds: 0.5,
		Tick:            3,
		TimeOfDay:       15,
	})

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeSimState, env.Type)

	var p SimStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.True(t, p.Running)
	assert.Equal(t, 0.5, p.IntervalSeconds)
	assert.Equal(t, uint64(3), p.Tick)
	assert.Equal(t, 15.0, p.TimeOfDay)
	assert.Empty(t, p.Error)
}

func TestBridge_OnTick(t *testing.T) {
	bridge, client := newTestBridge()

	snap := model.Snapshot{
		Tick:         1,
		TimeOfDay:    13,
		Timestamp:    blockTime,
		LedgerLength: 2,
		TipHash:      "def",
		Nodes: []model.NodeSnapshot{
			{ID: 1, Address: "0xa", SolarOutput: 10, PowerBalance: 4.5},
		},
	}
	bridge.OnTick(snap, sealedBlock())

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeGridSnapshot, env.Type)
	var gotSnap model.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &gotSnap))
	assert.Equal(t, uint64(1), gotSnap.Tick)
	assert.Equal(t, "def", gotSnap.TipHash)
	require.Len(t, gotSnap.Nodes, 1)
	assert.InDelta(t, 4.5, gotSnap.Nodes[0].PowerBalance, 1e-9)

	env = receiveEnvelope(t, client)
	assert.Equal(t, TypeLedgerBlock, env.Type)
	var blk BlockPayload
	require.NoError(t, json.Unmarshal(env.Payload, &blk))
	assert.Equal(t, 2, blk.Index)
	assert.Equal(t, "abc", blk.PreviousHash)
	assert.Equal(t, "def", blk.Hash)
	assert.InDelta(t, 5.5, blk.TotalKWh, 1e-9)
	assert.Len(t, blk.Trades, 2)
	assert.Equal(t, "2024-11-21T12:00:00Z", blk.Timestamp)
}

func TestBridge_EmptyBlockHasTradeArray(t *testing.T) {
	payload := BlockFromLedger(ledger.Block{Index: 3, Timestamp: blockTime})
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"trades":[]`)
}

func TestBridge_OnSettlementFailed(t *testing.T) {
	bridge, client := newTestBridge()

	bridge.OnSettlementFailed(sealedBlock(), errors.New("broker down"))

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeSettlementFailed, env.Type)
	var p SettlementFailedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, 2, p.Index)
	assert.Equal(t, "def", p.Hash)
	assert.Equal(t, "broker down", p.Error)
}

func TestBridge_OnFatal(t *testing.T) {
	bridge, client := newTestBridge()

	bridge.OnFatal(errors.New("ledger corrupted"))

	env := receiveEnvelope(t, client)
	assert.Equal(t, TypeSimFatal, env.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "ledger corrupted", p.Error)
}
