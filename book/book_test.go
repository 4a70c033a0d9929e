package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func pricesOf(levels []models.Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTopNBidOrder(t *testing.T) {
	b := New()
	for p, q := range map[string]string{"100": "5", "99": "3", "98": "7", "97": "1", "96": "2", "95": "9"} {
		if err := b.ApplyLevel(models.Bid, d(p), d(q)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	got := pricesOf(b.TopN(models.Bid, 5))
	want := []string{"100", "99", "98", "97", "96"}
	if !equalStrings(got, want) {
		t.Fatalf("unexpected top bids: %v", got)
	}
}

func TestTopNAskOrder(t *testing.T) {
	b := New()
	for _, p := range []string{"103", "101", "102.5", "101.25"} {
		if err := b.ApplyLevel(models.Ask, d(p), d("1")); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	got := pricesOf(b.TopN(models.Ask, 5))
	want := []string{"101", "101.25", "102.5", "103"}
	if !equalStrings(got, want) {
		t.Fatalf("unexpected top asks: %v", got)
	}
}

func TestTopNShallowBookNotPadded(t *testing.T) {
	b := New()
	_ = b.ApplyLevel(models.Bid, d("10"), d("1"))
	if got := b.TopN(models.Bid, 5); len(got) != 1 {
		t.Fatalf("expected 1 level, got %d", len(got))
	}
	if got := b.TopN(models.Ask, 5); len(got) != 0 {
		t.Fatalf("expected empty ask side, got %v", got)
	}
}

func TestZeroQuantityRemovesLevel(t *testing.T) {
	b := New()
	_ = b.ApplyLevel(models.Bid, d("100"), d("5"))
	_ = b.ApplyLevel(models.Bid, d("99"), d("1"))
	if err := b.ApplyLevel(models.Bid, d("100"), d("0")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got := pricesOf(b.TopN(models.Bid, 5))
	if !equalStrings(got, []string{"99"}) {
		t.Fatalf("100 should be gone, got %v", got)
	}
	// removing an absent level is a no-op
	if err := b.ApplyLevel(models.Bid, d("42"), d("0")); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
	if b.Depth(models.Bid) != 1 {
		t.Fatalf("unexpected depth %d", b.Depth(models.Bid))
	}
}

func TestOverwriteMatchesEquivalentDecimals(t *testing.T) {
	b := New()
	_ = b.ApplyLevel(models.Ask, d("100.10"), d("5"))
	_ = b.ApplyLevel(models.Ask, d("100.1"), d("2"))
	if b.Depth(models.Ask) != 1 {
		t.Fatalf("expected one level, got %d", b.Depth(models.Ask))
	}
	best, ok := b.Best(models.Ask)
	if !ok || !best.Quantity.Equal(d("2")) {
		t.Fatalf("unexpected best ask %+v", best)
	}
}

func TestApplyLevelRejectsInvalid(t *testing.T) {
	b := New()
	if err := b.ApplyLevel(models.Bid, d("100"), d("-1")); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
	if err := b.ApplyLevel(models.Bid, d("0"), d("1")); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if b.Depth(models.Bid) != 0 {
		t.Fatalf("invalid levels must not be stored")
	}
}

func TestLoadSnapshotReplacesContent(t *testing.T) {
	b := New()
	_ = b.ApplyLevel(models.Bid, d("50"), d("1"))
	err := b.LoadSnapshot(
		[]models.Level{{Price: d("100"), Quantity: d("1")}, {Price: d("99"), Quantity: d("0")}},
		[]models.Level{{Price: d("101"), Quantity: d("2")}},
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := pricesOf(b.TopN(models.Bid, 5)); !equalStrings(got, []string{"100"}) {
		t.Fatalf("unexpected bids after load: %v", got)
	}
	if got := pricesOf(b.TopN(models.Ask, 5)); !equalStrings(got, []string{"101"}) {
		t.Fatalf("unexpected asks after load: %v", got)
	}
}

func TestTopNReturnsCopy(t *testing.T) {
	b := New()
	_ = b.ApplyLevel(models.Bid, d("100"), d("1"))
	top := b.TopN(models.Bid, 1)
	top[0].Quantity = d("999")
	best, _ := b.Best(models.Bid)
	if !best.Quantity.Equal(d("1")) {
		t.Fatalf("book mutated through TopN result")
	}
}
