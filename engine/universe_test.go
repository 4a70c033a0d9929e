package engine

import (
	"testing"

	"bookflow/config"
)

func TestUniverseFromShards(t *testing.T) {
	shards := &config.IPShards{Shards: []config.IPShard{
		{IP: "10.0.0.1", BinanceSymbols: []string{"BTCUSDT", "ETHUSDT"}, KucoinSymbols: []string{"XBTUSDTM"}},
		{BinanceSymbols: []string{"SOLUSDT"}},
	}}
	u, err := UniverseFromShards(shards)
	if err != nil {
		t.Fatalf("UniverseFromShards: %v", err)
	}
	if u.Len() != 4 {
		t.Fatalf("expected 4 instruments, got %d", u.Len())
	}

	want := []string{"binance:BTCUSDT", "binance:ETHUSDT", "kucoin:XBTUSDTM", "binance:SOLUSDT"}
	for i, inst := range u.Instruments() {
		if inst.Index != i || inst.Key() != want[i] {
			t.Fatalf("instrument %d: got %+v", i, inst)
		}
	}
	if idx, ok := u.Index("KuCoin", "xbtusdtm"); !ok || idx != 2 {
		t.Fatalf("lookup failed: %d %v", idx, ok)
	}
	if _, ok := u.Index("binance", "DOGEUSDT"); ok {
		t.Fatal("unexpected match")
	}
	if got := u.Symbols(ExchangeBinance); len(got) != 3 {
		t.Fatalf("expected 3 binance symbols, got %d", len(got))
	}
	if _, ok := u.Instrument(4); ok {
		t.Fatal("index out of range must fail")
	}
}

func TestUniverseRejectsDuplicates(t *testing.T) {
	u := NewUniverse()
	if _, err := u.Add("binance", "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := u.Add("binance", "btcusdt"); err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, err := u.Add("kucoin", "BTCUSDT"); err != nil {
		t.Fatalf("same symbol on another exchange is distinct: %v", err)
	}
	if _, err := u.Add("", "X"); err == nil {
		t.Fatal("expected error for empty exchange")
	}
}
