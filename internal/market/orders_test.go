package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/model"
)

func TestPrice_StableAndBounded(t *testing.T) {
	for id := 1; id <= 50; id++ {
		addr := grid.Address(id)
		p := Price(addr, 0.08)
		assert.Equal(t, p, Price(addr, 0.08))
		assert.GreaterOrEqual(t, p, 0.08)
		assert.LessOrEqual(t, p, 0.08+0.039+1e-12)
	}
}

func TestBuildOrderBook(t *testing.T) {
	snap := model.Snapshot{
		Timestamp: t0,
		Nodes: []model.NodeSnapshot{
			{ID: 1, Address: grid.Address(1), PowerBalance: 3},
			{ID: 2, Address: grid.Address(2), PowerBalance: -2},
			{ID: 3, Address: grid.Address(3), PowerBalance: 0},
			{ID: 4, Address: grid.Address(4), PowerBalance: -6},
			{ID: 5, Address: grid.Address(5), PowerBalance: 1},
		},
	}

	book := BuildOrderBook(snap)
	require.Len(t, book.BuyOrders, 2)
	require.Len(t, book.SellOrders, 2)

	assert.GreaterOrEqual(t, book.BuyOrders[0].Price, book.BuyOrders[1].Price)
	assert.LessOrEqual(t, book.SellOrders[0].Price, book.SellOrders[1].Price)

	for _, o := range book.BuyOrders {
		assert.Equal(t, "buy", o.Side)
		assert.Greater(t, o.AmountKWh, 0.0)
		assert.Equal(t, t0, o.Timestamp)
	}
	for _, o := range book.SellOrders {
		assert.Equal(t, "sell", o.Side)
		assert.GreaterOrEqual(t, o.Price, baseSellPrice)
	}
}

func TestBuildOrderBook_Empty(t *testing.T) {
	book := BuildOrderBook(model.Snapshot{})
	assert.NotNil(t, book.BuyOrders)
	assert.NotNil(t, book.SellOrders)
	assert.Empty(t, book.BuyOrders)
}
