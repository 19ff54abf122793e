package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nanogrid_simulator/internal/model"
)

// Ledger is the contract the simulation engine records trades through.
// Any alternate backend must honor the same seal-once-per-tick semantics.
type Ledger interface {
	AddTransaction(t model.Trade) error
	SealBlock() (Block, error)
	DiscardPending() int
	Blocks() []Block
	Len() int
	Tip() Block
	Transactions() []model.Trade
	Verify() error
}

// Chain is an in-memory hash-linked ledger. A persist hook, when set, runs
// before a sealed block becomes visible; if it fails nothing is appended.
type Chain struct {
	mu      sync.RWMutex
	blocks  []Block
	pending []model.Trade

	now     func() time.Time
	persist func(Block) error
	logger  *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) { c.now = now }
}

// WithPersist installs a hook that durably records each sealed block.
func WithPersist(fn func(Block) error) ChainOption {
	return func(c *Chain) { c.persist = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

func newChain(opts ...ChainOption) *Chain {
	c := &Chain{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewChain creates a ledger holding only the genesis block.
func NewChain(opts ...ChainOption) (*Chain, error) {
	c := newChain(opts...)
	if _, err := c.SealBlock(); err != nil {
		return nil, fmt.Errorf("seal genesis: %w", err)
	}
	return c, nil
}

// Restore creates a ledger from previously sealed blocks after verifying
// the whole chain.
func Restore(blocks []Block, opts ...ChainOption) (*Chain, error) {
	if err := VerifyBlocks(blocks); err != nil {
		return nil, err
	}
	c := newChain(opts...)
	c.blocks = make([]Block, len(blocks))
	for i, b := range blocks {
		c.blocks[i] = b.Clone()
	}
	return c, nil
}

// AddTransaction buffers a trade for the next seal.
func (c *Chain) AddTransaction(t model.Trade) error {
	if !(t.AmountKWh > 0) {
		return fmt.Errorf("trade %s: amount must be > 0, got %v", t.ID, t.AmountKWh)
	}
	c.mu.Lock()
	c.pending = append(c.pending, t)
	c.mu.Unlock()
	return nil
}

// SealBlock turns the pending buffer into the next block. An empty buffer
// still produces a block. On error the chain and the buffer are unchanged.
func (c *Chain) SealBlock() (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := Block{
		Index:        1,
		Timestamp:    c.now(),
		Trades:       append([]model.Trade{}, c.pending...),
		PreviousHash: GenesisPrevHash,
	}
	if n := len(c.blocks); n > 0 {
		tip := c.blocks[n-1]
		b.Index = tip.Index + 1
		b.PreviousHash = tip.Hash
	}

	hash, err := b.ComputeHash()
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	b.Hash = hash

	if c.persist != nil {
		if err := c.persist(b); err != nil {
			return Block{}, fmt.Errorf("%w: persist block %d: %v", ErrSeal, b.Index, err)
		}
	}

	c.blocks = append(c.blocks, b)
	c.pending = nil
	c.logger.Debug("block_sealed", "index", b.Index, "trades", len(b.Trades), "hash", b.Hash)
	return b.Clone(), nil
}

// DiscardPending drops unsealed trades and returns how many were dropped.
func (c *Chain) DiscardPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = nil
	return n
}

// Pending returns the number of unsealed trades.
func (c *Chain) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Blocks returns a copy of the sealed blocks, oldest first.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = b.Clone()
	}
	return out
}

// Len returns the number of sealed blocks.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Tip returns the most recently sealed block.
func (c *Chain) Tip() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return Block{}
	}
	return c.blocks[len(c.blocks)-1].Clone()
}

// Transactions returns every sealed trade, oldest first.
func (c *Chain) Transactions() []model.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Trade
	for _, b := range c.blocks {
		out = append(out, b.Trades...)
	}
	if out == nil {
		out = []model.Trade{}
	}
	return out
}

// Verify walks the full chain.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyBlocks(c.blocks)
}

// IsFatal reports whether err must stop the simulation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSeal) || errors.Is(err, ErrIntegrity)
}
