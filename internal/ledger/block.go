package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"nanogrid_simulator/internal/model"
)

// GenesisPrevHash is the previous-hash sentinel of the first block.
const GenesisPrevHash = "0"

var (
	// ErrIntegrity reports a broken hash chain. It is never repaired.
	ErrIntegrity = errors.New("ledger integrity violation")
	// ErrSeal reports that a block could not be hashed or persisted.
	ErrSeal = errors.New("ledger seal failed")
)

// Block seals the trades of one tick. Blocks are immutable once appended.
type Block struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Trades       []model.Trade `json:"trades"`
	PreviousHash string        `json:"previous_hash"`
	Hash         string        `json:"hash"`
}

type canonicalTrade struct {
	ID        string `json:"id"`
	Seller    string `json:"seller"`
	Buyer     string `json:"buyer"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"ts"`
}

type canonicalBlock struct {
	Index        int              `json:"index"`
	Timestamp    int64            `json:"ts"`
	Trades       []canonicalTrade `json:"trades"`
	PreviousHash string           `json:"prev"`
}

// ComputeHash returns the SHA-256 of the block's canonical encoding. The
// stored Hash field is not part of the input. Amounts are encoded as exact
// decimal strings and timestamps as Unix nanoseconds, so the digest survives
// a JSON round trip.
func (b Block) ComputeHash() (string, error) {
	c := canonicalBlock{
		Index:        b.Index,
		Timestamp:    b.Timestamp.UnixNano(),
		Trades:       make([]canonicalTrade, len(b.Trades)),
		PreviousHash: b.PreviousHash,
	}
	for i, t := range b.Trades {
		c.Trades[i] = canonicalTrade{
			ID:        t.ID,
			Seller:    t.Seller,
			Buyer:     t.Buyer,
			Amount:    decimal.NewFromFloat(t.AmountKWh).String(),
			Timestamp: t.Timestamp.UnixNano(),
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode block %d: %w", b.Index, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a copy that shares no slice memory with b.
func (b Block) Clone() Block {
	cp := b
	cp.Trades = append([]model.Trade(nil), b.Trades...)
	return cp
}

// TotalKWh sums the block's traded energy.
func (b Block) TotalKWh() float64 {
	total := decimal.Zero
	for _, t := range b.Trades {
		total = total.Add(decimal.NewFromFloat(t.AmountKWh))
	}
	f, _ := total.Float64()
	return f
}

// validateLink checks cur against its predecessor. prev is nil for the
// first block.
func validateLink(cur Block, prev *Block) error {
	if prev == nil {
		if cur.Index != 1 {
			return fmt.Errorf("%w: genesis index %d", ErrIntegrity, cur.Index)
		}
		if cur.PreviousHash != GenesisPrevHash {
			return fmt.Errorf("%w: genesis previous hash %q", ErrIntegrity, cur.PreviousHash)
		}
	} else {
		if cur.Index != prev.Index+1 {
			return fmt.Errorf("%w: block %d follows %d", ErrIntegrity, cur.Index, prev.Index)
		}
		if cur.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: block %d previous hash mismatch", ErrIntegrity, cur.Index)
		}
	}
	want, err := cur.ComputeHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if cur.Hash != want {
		return fmt.Errorf("%w: block %d hash mismatch", ErrIntegrity, cur.Index)
	}
	return nil
}

// VerifyBlocks walks blocks from the first and reports the first broken link.
func VerifyBlocks(blocks []Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: empty chain", ErrIntegrity)
	}
	for i := range blocks {
		var prev *Block
		if i > 0 {
			prev = &blocks[i-1]
		}
		if err := validateLink(blocks[i], prev); err != nil {
			return err
		}
	}
	return nil
}
