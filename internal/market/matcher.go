package market

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"nanogrid_simulator/internal/grid"
	"nanogrid_simulator/internal/model"
)

// Matcher pairs surplus nodes with deficit nodes once per tick.
//
// Matching is a single greedy pass, not an auction. Buyers are visited in
// population order and each is served by the first seller still holding
// surplus, also in population order. Results therefore depend entirely on
// node insertion order, which Population keeps stable.
type Matcher struct {
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithIDGenerator overrides trade ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Matcher) { m.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match settles trades across the population and returns them in the order
// they were made. Both sides of every trade are updated through
// Node.ApplyTrade. Every returned trade has a positive amount.
func (m *Matcher) Match(pop *grid.Population) []model.Trade {
	var sellers, buyers []*grid.Node
	for _, n := range pop.Nodes() {
		switch b := n.PowerBalance(); {
		case b > 0:
			sellers = append(sellers, n)
		case b < 0:
			buyers = append(buyers, n)
		}
	}

	ts := m.now()
	var trades []model.Trade
	for _, buyer := range buyers {
		if len(sellers) == 0 {
			break
		}
		seller := sellers[0]
		amount := math.Min(math.Abs(buyer.PowerBalance()), seller.PowerBalance())
		if !(amount > 0) {
			m.logger.Debug("trade_skipped",
				"buyer", buyer.Address(),
				"seller", seller.Address(),
				"amount", amount)
			continue
		}

		seller.ApplyTrade(amount)
		buyer.ApplyTrade(-amount)

		trades = append(trades, model.Trade{
			ID:        m.newID(),
			Seller:    seller.Address(),
			Buyer:     buyer.Address(),
			AmountKWh: amount,
			Timestamp: ts,
		})

		if seller.PowerBalance() <= 0 {
			sellers = sellers[1:]
		}
	}
	return trades
}
