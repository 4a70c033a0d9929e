package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

// ErrUnsupportedExchange is returned for raw messages from an exchange the
// processor cannot decode.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// DecodeDelta turns a raw websocket frame into a normalized delta.
func DecodeDelta(raw models.RawFOBDMessage) (models.Delta, error) {
	switch raw.Instrument.Exchange {
	case "binance":
		var evt models.BinanceFOBDResp
		if err := json.Unmarshal(raw.Data, &evt); err != nil {
			return models.Delta{}, fmt.Errorf("decode binance delta: %w", err)
		}
		return BinanceDelta(raw.Instrument, evt, raw.Timestamp)
	case "kucoin":
		var evt models.KucoinFOBDResp
		if err := json.Unmarshal(raw.Data, &evt); err != nil {
			return models.Delta{}, fmt.Errorf("decode kucoin delta: %w", err)
		}
		return KucoinDelta(raw.Instrument, evt, raw.Timestamp)
	default:
		return models.Delta{}, fmt.Errorf("%w: %q", ErrUnsupportedExchange, raw.Instrument.Exchange)
	}
}

// BinanceDelta maps a futures diff depth event. Futures events chain through
// pu, so the covered range starts right after the previous event's u.
func BinanceDelta(inst models.Instrument, evt models.BinanceFOBDResp, received time.Time) (models.Delta, error) {
	if evt.LastUpdateID <= 0 || evt.PrevLastUpdateID < 0 {
		return models.Delta{}, fmt.Errorf("binance delta for %s: missing update ids", inst.Symbol)
	}
	bids, err := parseEntries(evt.Bids)
	if err != nil {
		return models.Delta{}, fmt.Errorf("binance delta bids: %w", err)
	}
	asks, err := parseEntries(evt.Asks)
	if err != nil {
		return models.Delta{}, fmt.Errorf("binance delta asks: %w", err)
	}
	return models.Delta{
		Instrument:  inst,
		Start:       evt.PrevLastUpdateID + 1,
		End:         evt.LastUpdateID,
		Bids:        bids,
		Asks:        asks,
		EventTimeMs: evt.Time,
		ReceivedAt:  received,
	}, nil
}

// KucoinDelta maps a level2 increment. Each increment carries exactly one
// sequence id.
func KucoinDelta(inst models.Instrument, evt models.KucoinFOBDResp, received time.Time) (models.Delta, error) {
	if evt.Sequence <= 0 {
		return models.Delta{}, fmt.Errorf("kucoin delta for %s: missing sequence", inst.Symbol)
	}
	bids, err := parseEntries(evt.Bids)
	if err != nil {
		return models.Delta{}, fmt.Errorf("kucoin delta bids: %w", err)
	}
	asks, err := parseEntries(evt.Asks)
	if err != nil {
		return models.Delta{}, fmt.Errorf("kucoin delta asks: %w", err)
	}
	return models.Delta{
		Instrument:  inst,
		Start:       evt.Sequence,
		End:         evt.Sequence,
		Bids:        bids,
		Asks:        asks,
		EventTimeMs: evt.Timestamp,
		ReceivedAt:  received,
	}, nil
}

// ParseKucoinChange splits a level2 change string "price,side,size".
func ParseKucoinChange(change string) (side, price, quantity string, err error) {
	parts := strings.Split(change, ",")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("kucoin change %q: expected 3 fields", change)
	}
	price = strings.TrimSpace(parts[0])
	side = strings.TrimSpace(parts[1])
	quantity = strings.TrimSpace(parts[2])
	if side != "buy" && side != "sell" {
		return "", "", "", fmt.Errorf("kucoin change %q: unknown side", change)
	}
	return side, price, quantity, nil
}

// BinanceSnapshot maps a fapi depth response.
func BinanceSnapshot(inst models.Instrument, resp models.BinanceFOBSResp, fetched time.Time) (models.Snapshot, error) {
	if resp.LastUpdateID <= 0 {
		return models.Snapshot{}, fmt.Errorf("binance snapshot for %s: missing lastUpdateId", inst.Symbol)
	}
	bids, err := parsePairs(resp.Bids)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("binance snapshot bids: %w", err)
	}
	asks, err := parsePairs(resp.Asks)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("binance snapshot asks: %w", err)
	}
	return models.Snapshot{Instrument: inst, BaselineSeq: resp.LastUpdateID, Bids: bids, Asks: asks, FetchedAt: fetched}, nil
}

// KucoinSnapshot maps a futures level2 snapshot response.
func KucoinSnapshot(inst models.Instrument, resp models.KucoinFOBSResp, fetched time.Time) (models.Snapshot, error) {
	if resp.Code != "" && resp.Code != "200000" {
		return models.Snapshot{}, fmt.Errorf("kucoin snapshot for %s: code %s: %s", inst.Symbol, resp.Code, resp.Msg)
	}
	if resp.Data.Sequence <= 0 {
		return models.Snapshot{}, fmt.Errorf("kucoin snapshot for %s: missing sequence", inst.Symbol)
	}
	bids, err := parseFloatPairs(resp.Data.Bids)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("kucoin snapshot bids: %w", err)
	}
	asks, err := parseFloatPairs(resp.Data.Asks)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("kucoin snapshot asks: %w", err)
	}
	return models.Snapshot{Instrument: inst, BaselineSeq: resp.Data.Sequence, Bids: bids, Asks: asks, FetchedAt: fetched}, nil
}

func parseLevel(price, qty string) (models.Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.Level{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.Level{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return models.Level{Price: p, Quantity: q}, nil
}

func parseEntries(entries []models.FOBDEntry) ([]models.Level, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]models.Level, 0, len(entries))
	for _, e := range entries {
		l, err := parseLevel(e.Price, e.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func parsePairs(pairs [][]string) ([]models.Level, error) {
	out := make([]models.Level, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("level %v: expected price and quantity", p)
		}
		l, err := parseLevel(p[0], p[1])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func parseFloatPairs(pairs [][]float64) ([]models.Level, error) {
	out := make([]models.Level, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("level %v: expected price and quantity", p)
		}
		out = append(out, models.Level{Price: decimal.NewFromFloat(p[0]), Quantity: decimal.NewFromFloat(p[1])})
	}
	return out, nil
}
