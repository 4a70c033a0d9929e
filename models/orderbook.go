package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// Instrument is one tracked market. Index is the dense slot assigned at startup.
type Instrument struct {
	Index    int    `json:"index"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// Key returns the exchange qualified symbol, e.g. "binance:BTCUSDT".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}

// Level is a single price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Delta is a normalized incremental book update covering sequence ids [Start, End].
type Delta struct {
	Instrument  Instrument
	Start       int64
	End         int64
	Bids        []Level
	Asks        []Level
	EventTimeMs int64
	ReceivedAt  time.Time
}

// Snapshot is a full depth baseline tagged with the sequence id it reflects.
type Snapshot struct {
	Instrument  Instrument
	BaselineSeq int64
	Bids        []Level
	Asks        []Level
	FetchedAt   time.Time
}

// Quote is the published top-of-book projection emitted after each applied
// delta. Level slices are copies and never alias live book storage.
type Quote struct {
	Instrument  Instrument `json:"instrument"`
	Bids        []Level    `json:"bids"`
	Asks        []Level    `json:"asks"`
	Valid       bool       `json:"valid"`
	SourceSeq   int64      `json:"source_seq"`
	EventTimeMs int64      `json:"event_time"`
	Timestamp   time.Time  `json:"timestamp"`
}

// BidVolume sums the quantity across the published bid levels.
func (q Quote) BidVolume() decimal.Decimal {
	return sumQuantity(q.Bids)
}

// AskVolume sums the quantity across the published ask levels.
func (q Quote) AskVolume() decimal.Decimal {
	return sumQuantity(q.Asks)
}

func sumQuantity(levels []Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Quantity)
	}
	return total
}
