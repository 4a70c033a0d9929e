package engine

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"bookflow/book"
	"bookflow/models"
)

type flagRequester struct {
	pending  bool
	requests int
}

func (r *flagRequester) RequestSnapshot(models.Instrument) {
	r.pending = true
	r.requests++
}

type bookState struct {
	bids, asks       []models.Level
	topBids, topAsks []models.Level
}

func capture(b *book.Book) bookState {
	return bookState{
		bids:    b.TopN(models.Bid, 1000),
		asks:    b.TopN(models.Ask, 1000),
		topBids: b.TopN(models.Bid, 5),
		topAsks: b.TopN(models.Ask, 5),
	}
}

func levelsEqual(a, b []models.Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Quantity.Equal(b[i].Quantity) {
			return false
		}
	}
	return true
}

// generateStream builds a contiguous delta stream and the reference book state
// after every delta, keyed by end sequence.
func generateStream(rng *rand.Rand, n int) ([]models.Delta, []int64, map[int64]bookState) {
	ref := book.New()
	states := map[int64]bookState{0: capture(ref)}
	ends := []int64{0}
	deltas := make([]models.Delta, 0, n)

	seq := int64(0)
	for i := 0; i < n; i++ {
		width := 1 + rng.Int63n(3)
		d := models.Delta{Instrument: btc, Start: seq + 1, End: seq + width, EventTimeMs: int64(i)}
		for k := 0; k < 1+rng.Intn(3); k++ {
			l := models.Level{
				Price:    decimal.NewFromInt(1 + rng.Int63n(30)),
				Quantity: decimal.NewFromInt(rng.Int63n(6)),
			}
			side := models.Bid
			if rng.Intn(2) == 0 {
				side = models.Ask
				d.Asks = append(d.Asks, l)
			} else {
				d.Bids = append(d.Bids, l)
			}
			_ = ref.ApplyLevel(side, l.Price, l.Quantity)
		}
		seq = d.End
		deltas = append(deltas, d)
		states[seq] = capture(ref)
		ends = append(ends, seq)
	}
	return deltas, ends, states
}

func TestReconciliationProperty(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		deltas, ends, states := generateStream(rng, 400)

		u := NewUniverse()
		_, _ = u.Add("binance", "BTCUSDT")
		req := &flagRequester{}
		pub := &recordPublisher{}
		m := NewManager(u, Options{TopN: 5, BufferCap: 2000}, req, pub)
		m.Start()

		pos := 0
		for pos < len(deltas) {
			switch r := rng.Float64(); {
			case r < 0.03:
				pos++ // lost upstream
			case r < 0.08 && pos > 0:
				back := 1 + rng.Intn(minInt(pos, 3))
				_ = m.OnDelta(deltas[pos-back])
			default:
				_ = m.OnDelta(deltas[pos])
				pos++
			}

			if req.pending && rng.Float64() < 0.25 {
				k := pos - 8 + rng.Intn(11)
				if k < 0 {
					k = 0
				}
				if k >= len(ends) {
					k = len(ends) - 1
				}
				st := states[ends[k]]
				req.pending = false
				_ = m.OnSnapshotResult(models.Snapshot{Instrument: btc, BaselineSeq: ends[k], Bids: st.bids, Asks: st.asks})
			}
		}

		valid := 0
		var lastValidSeq int64 = -1
		for i, q := range pub.quotes {
			if !q.Valid {
				lastValidSeq = -1
				continue
			}
			valid++
			want, ok := states[q.SourceSeq]
			if !ok {
				t.Fatalf("seed %d quote %d: source seq %d is not a delta boundary", seed, i, q.SourceSeq)
			}
			if !levelsEqual(q.Bids, want.topBids) || !levelsEqual(q.Asks, want.topAsks) {
				t.Fatalf("seed %d quote %d: book diverged from reference at seq %d", seed, i, q.SourceSeq)
			}
			if lastValidSeq >= 0 && q.SourceSeq <= lastValidSeq {
				t.Fatalf("seed %d quote %d: valid sequence went backwards %d -> %d", seed, i, lastValidSeq, q.SourceSeq)
			}
			lastValidSeq = q.SourceSeq
		}
		if valid == 0 {
			t.Fatalf("seed %d: never reached a valid book", seed)
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
