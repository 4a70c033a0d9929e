package engine

import (
	"fmt"
	"strings"

	"bookflow/config"
	"bookflow/models"
)

const (
	ExchangeBinance = "binance"
	ExchangeKucoin  = "kucoin"
)

// Universe is the fixed set of instruments tracked by the process. Indices are
// dense, start at zero and follow insertion order.
type Universe struct {
	instruments []models.Instrument
	byKey       map[string]int
}

func NewUniverse() *Universe {
	return &Universe{byKey: make(map[string]int)}
}

// UniverseFromShards assigns indices shard by shard, binance symbols first.
func UniverseFromShards(shards *config.IPShards) (*Universe, error) {
	u := NewUniverse()
	if shards == nil {
		return u, nil
	}
	for _, sh := range shards.Shards {
		for _, s := range sh.BinanceSymbols {
			if _, err := u.Add(ExchangeBinance, s); err != nil {
				return nil, err
			}
		}
		for _, s := range sh.KucoinSymbols {
			if _, err := u.Add(ExchangeKucoin, s); err != nil {
				return nil, err
			}
		}
	}
	return u, nil
}

// Add registers an instrument and returns it with its assigned index.
func (u *Universe) Add(exchange, symbol string) (models.Instrument, error) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if exchange == "" || symbol == "" {
		return models.Instrument{}, fmt.Errorf("instrument requires exchange and symbol")
	}
	inst := models.Instrument{Index: len(u.instruments), Exchange: exchange, Symbol: symbol}
	if _, ok := u.byKey[inst.Key()]; ok {
		return models.Instrument{}, fmt.Errorf("instrument %s already registered", inst.Key())
	}
	u.byKey[inst.Key()] = inst.Index
	u.instruments = append(u.instruments, inst)
	return inst, nil
}

// Lookup resolves an exchange symbol. Intended for subscription time only.
func (u *Universe) Lookup(exchange, symbol string) (models.Instrument, bool) {
	key := strings.ToLower(exchange) + ":" + strings.ToUpper(symbol)
	idx, ok := u.byKey[key]
	if !ok {
		return models.Instrument{}, false
	}
	return u.instruments[idx], true
}

// Index returns the dense index of an exchange symbol.
func (u *Universe) Index(exchange, symbol string) (int, bool) {
	inst, ok := u.Lookup(exchange, symbol)
	return inst.Index, ok
}

func (u *Universe) Instrument(idx int) (models.Instrument, bool) {
	if idx < 0 || idx >= len(u.instruments) {
		return models.Instrument{}, false
	}
	return u.instruments[idx], true
}

// Instruments returns a copy of the instrument list in index order.
func (u *Universe) Instruments() []models.Instrument {
	out := make([]models.Instrument, len(u.instruments))
	copy(out, u.instruments)
	return out
}

// Symbols lists the symbols of one exchange in index order.
func (u *Universe) Symbols(exchange string) []models.Instrument {
	var out []models.Instrument
	for _, inst := range u.instruments {
		if inst.Exchange == exchange {
			out = append(out, inst)
		}
	}
	return out
}

func (u *Universe) Len() int { return len(u.instruments) }
