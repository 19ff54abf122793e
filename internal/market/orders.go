package market

import (
	"hash/fnv"
	"math"
	"sort"
	"time"

	"nanogrid_simulator/internal/model"
)

const (
	baseBuyPrice  = 0.08
	baseSellPrice = 0.11
)

// Order is an indicative order derived from a node's balance.
type Order struct {
	Address   string    `json:"nanogrid_address"`
	NodeID    int       `json:"nanogrid_id"`
	Side      string    `json:"side"`
	AmountKWh float64   `json:"amount_kwh"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderBook is a read-only market view of one snapshot.
type OrderBook struct {
	BuyOrders  []Order `json:"buy_orders"`
	SellOrders []Order `json:"sell_orders"`
}

// BuildOrderBook lists deficits as buy orders (highest price first) and
// surpluses as sell orders (lowest price first). It does not affect matching.
func BuildOrderBook(snap model.Snapshot) OrderBook {
	book := OrderBook{BuyOrders: []Order{}, SellOrders: []Order{}}
	for _, n := range snap.Nodes {
		switch {
		case n.PowerBalance < 0:
			book.BuyOrders = append(book.BuyOrders, Order{
				Address:   n.Address,
				NodeID:    n.ID,
				Side:      "buy",
				AmountKWh: math.Abs(n.PowerBalance),
				Price:     Price(n.Address, baseBuyPrice),
				Timestamp: snap.Timestamp,
			})
		case n.PowerBalance > 0:
			book.SellOrders = append(book.SellOrders, Order{
				Address:   n.Address,
				NodeID:    n.ID,
				Side:      "sell",
				AmountKWh: n.PowerBalance,
				Price:     Price(n.Address, baseSellPrice),
				Timestamp: snap.Timestamp,
			})
		}
	}
	sort.SliceStable(book.BuyOrders, func(i, j int) bool {
		return book.BuyOrders[i].Price > book.BuyOrders[j].Price
	})
	sort.SliceStable(book.SellOrders, func(i, j int) bool {
		return book.SellOrders[i].Price < book.SellOrders[j].Price
	})
	return book
}

// Price returns base plus a stable per-address spread in [0, 0.039].
func Price(address string, base float64) float64 {
	h := fnv.New32a()
	h.Write([]byte(address))
	return base + float64(h.Sum32()%40)/1000
}
