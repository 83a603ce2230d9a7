// Package book implements the priced bid queue described by the
// matching core: a max-priority collection of pending bids keyed by
// price-per-second, with stable FIFO tie-break and indexed removal.
//
// The ordering structure is the teacher's tidwall/btree price-level
// tree (see internal/engine/orderbook.go in the reference repo),
// generalized per the design notes' alternative: instead of one tree
// per side holding per-price order slices, we key a single tree
// directly on (-price, createdAt, id) so the tree itself carries the
// full price-time order and ties never need a secondary slice scan.
package book

import (
	"errors"
	"time"

	"github.com/tidwall/btree"
)

var (
	// ErrDuplicateID is returned by Add when the bid id is already present.
	ErrDuplicateID = errors.New("book: duplicate bid id")
	// ErrNotPending is returned by Add when the bid's status is not Pending.
	ErrNotPending = errors.New("book: bid is not pending")
	// ErrNotFound is returned by operations addressing an unknown id.
	ErrNotFound = errors.New("book: bid not found")
)

// Bid is the book's own record. Per §3, "the OrderBook exclusively owns
// the bid once admitted" — so the book holds every field of the
// original bid, not just its ordering key, and is the single source of
// truth for a pending bid's economic terms until it is popped into a
// match.
type Bid struct {
	ID                     string
	AgentID                string
	MaxPricePerSecond      uint64
	RequiredAttentionScore float64
	MinAttentionSeconds    int64
	CreatedAt              time.Time
	ExpiresAt              time.Time
	Status                 Status
}

// Status is the book's own bid-lifecycle enum. The book is the sole
// owner of Pending bids (§3), so this package stays a leaf with no
// dependency on its consumers.
type Status int

const (
	Pending Status = iota
	Matched
	Expired
	Cancelled
)

// Expired reports whether the bid's expiry has passed as of now.
func (b Bid) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

type entry struct {
	bid Bid
}

// less orders entries by (price desc, createdAt asc, id asc). This is
// the single comparator backing the whole book: equal-priced bids are
// FIFO by createdAt, and the id is the final, always-distinct tie
// break so two bids can never compare equal.
func less(a, b *entry) bool {
	if a.bid.MaxPricePerSecond != b.bid.MaxPricePerSecond {
		return a.bid.MaxPricePerSecond > b.bid.MaxPricePerSecond
	}
	if !a.bid.CreatedAt.Equal(b.bid.CreatedAt) {
		return a.bid.CreatedAt.Before(b.bid.CreatedAt)
	}
	return a.bid.ID < b.bid.ID
}

// OrderBook is the priority-ordered collection of Pending bids.
// It is not safe for concurrent use; the matching core's single-writer
// discipline (see internal/matcher) is responsible for serializing
// access.
type OrderBook struct {
	tree  *btree.BTreeG[*entry]
	index map[string]*entry
}

// New constructs an empty OrderBook.
func New() *OrderBook {
	return &OrderBook{
		tree:  btree.NewBTreeG(less),
		index: make(map[string]*entry),
	}
}

// Add admits a bid to the book. Fails fast (programmer error, per §4.1)
// when the id is already present or the bid's status is not Pending.
func (b *OrderBook) Add(bid Bid) error {
	if _, ok := b.index[bid.ID]; ok {
		return ErrDuplicateID
	}
	if bid.Status != Pending {
		return ErrNotPending
	}
	e := &entry{bid: bid}
	b.tree.Set(e)
	b.index[bid.ID] = e
	return nil
}

// PeekTop returns the highest-priority bid without removing it.
func (b *OrderBook) PeekTop() (Bid, bool) {
	e, ok := b.tree.Min()
	if !ok {
		return Bid{}, false
	}
	return e.bid, true
}

// PopTop removes and returns the highest-priority bid.
func (b *OrderBook) PopTop() (Bid, bool) {
	e, ok := b.tree.PopMin()
	if !ok {
		return Bid{}, false
	}
	delete(b.index, e.bid.ID)
	return e.bid, true
}

// RemoveByID removes a specific bid from the book. Returns ErrNotFound
// if absent.
func (b *OrderBook) RemoveByID(id string) (Bid, error) {
	e, ok := b.index[id]
	if !ok {
		return Bid{}, ErrNotFound
	}
	b.tree.Delete(e)
	delete(b.index, id)
	return e.bid, nil
}

// GetByID returns the bid for id without removing it.
func (b *OrderBook) GetByID(id string) (Bid, bool) {
	e, ok := b.index[id]
	if !ok {
		return Bid{}, false
	}
	return e.bid, true
}

// UpdateStatus overwrites the status of an in-book bid. Fails fast if
// the id is unknown (programmer error, per §4.1).
func (b *OrderBook) UpdateStatus(id string, status Status) error {
	e, ok := b.index[id]
	if !ok {
		return ErrNotFound
	}
	e.bid.Status = status
	return nil
}

// PruneExpired removes every bid with ExpiresAt <= now and returns the
// count removed.
func (b *OrderBook) PruneExpired(now time.Time) int {
	var toRemove []*entry
	b.tree.Scan(func(e *entry) bool {
		if !e.bid.ExpiresAt.After(now) {
			toRemove = append(toRemove, e)
		}
		return true
	})
	for _, e := range toRemove {
		b.tree.Delete(e)
		delete(b.index, e.bid.ID)
	}
	return len(toRemove)
}

// Size returns the number of bids currently in the book.
func (b *OrderBook) Size() int {
	return len(b.index)
}

// SnapshotAbovePrice returns, in priority order, every bid whose
// MaxPricePerSecond is >= p. Intended for metrics/debugging; the
// returned slice is a copy and safe to retain.
func (b *OrderBook) SnapshotAbovePrice(p uint64) []Bid {
	var out []Bid
	b.tree.Scan(func(e *entry) bool {
		if e.bid.MaxPricePerSecond < p {
			return false
		}
		out = append(out, e.bid)
		return true
	})
	return out
}
