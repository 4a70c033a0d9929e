// Package book holds the full depth price level book for a single instrument.
package book

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"bookflow/models"
)

const degree = 16

// Book is a full depth price -> quantity book. Bids are ordered descending
// and asks ascending so that iteration is always best-first.
// Book is not safe for concurrent use.
type Book struct {
	bids *btree.BTreeG[models.Level]
	asks *btree.BTreeG[models.Level]
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewG(degree, func(a, b models.Level) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewG(degree, func(a, b models.Level) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

func (b *Book) side(s models.Side) *btree.BTreeG[models.Level] {
	if s == models.Ask {
		return b.asks
	}
	return b.bids
}

// ApplyLevel upserts a level. A zero quantity removes the price.
func (b *Book) ApplyLevel(s models.Side, price, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("negative quantity %s at price %s", qty, price)
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive price %s", price)
	}
	tree := b.side(s)
	if qty.IsZero() {
		tree.Delete(models.Level{Price: price})
		return nil
	}
	tree.ReplaceOrInsert(models.Level{Price: price, Quantity: qty})
	return nil
}

// TopN returns up to n levels of a side, best first. The result is a copy
// and has fewer than n entries when the side is shallower.
func (b *Book) TopN(s models.Side, n int) []models.Level {
	tree := b.side(s)
	if n <= 0 || tree.Len() == 0 {
		return nil
	}
	if n > tree.Len() {
		n = tree.Len()
	}
	out := make([]models.Level, 0, n)
	tree.Ascend(func(l models.Level) bool {
		out = append(out, l)
		return len(out) < n
	})
	return out
}

// Best returns the best level of a side.
func (b *Book) Best(s models.Side) (models.Level, bool) {
	return b.side(s).Min()
}

// Depth returns the number of levels on a side.
func (b *Book) Depth(s models.Side) int {
	return b.side(s).Len()
}

// Clear drops every level on both sides.
func (b *Book) Clear() {
	b.bids.Clear(false)
	b.asks.Clear(false)
}

// LoadSnapshot replaces the book content with a complete level set.
// Zero quantity levels are skipped; an invalid level aborts the load and
// leaves the book empty.
func (b *Book) LoadSnapshot(bids, asks []models.Level) error {
	b.Clear()
	for _, l := range bids {
		if err := b.ApplyLevel(models.Bid, l.Price, l.Quantity); err != nil {
			b.Clear()
			return fmt.Errorf("load bid level: %w", err)
		}
	}
	for _, l := range asks {
		if err := b.ApplyLevel(models.Ask, l.Price, l.Quantity); err != nil {
			b.Clear()
			return fmt.Errorf("load ask level: %w", err)
		}
	}
	return nil
}
