package writer

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

// Wire is the fixed-width record sent to downstream consumers. Bids and Asks
// always hold exactly depth entries; missing levels are ["0","0"].
type Wire struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Valid     bool        `json:"valid"`
	SourceSeq int64       `json:"source_seq"`
	EventTime int64       `json:"event_time"`
	Timestamp int64       `json:"timestamp"`
}

func NewWire(q models.Quote, depth int) Wire {
	return Wire{
		Exchange:  q.Instrument.Exchange,
		Symbol:    q.Instrument.Symbol,
		Bids:      padLevels(q.Bids, depth),
		Asks:      padLevels(q.Asks, depth),
		Valid:     q.Valid,
		SourceSeq: q.SourceSeq,
		EventTime: q.EventTimeMs,
		Timestamp: q.Timestamp.UnixMilli(),
	}
}

func (w Wire) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// Key is the partition key used by stream sinks.
func (w Wire) Key() string {
	return w.Exchange + ":" + w.Symbol
}

func padLevels(levels []models.Level, depth int) [][2]string {
	if depth < len(levels) {
		depth = len(levels)
	}
	out := make([][2]string, depth)
	zero := decimal.Zero.String()
	for i := range out {
		if i < len(levels) {
			out[i] = [2]string{levels[i].Price.String(), levels[i].Quantity.String()}
			continue
		}
		out[i] = [2]string{zero, zero}
	}
	return out
}
