package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// FOBDEntry represents a single price level in a raw depth event.
type FOBDEntry struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// RawFOBDMessage wraps a raw order-book delta message from any exchange.
// Instrument is resolved by the reader at subscription time.
type RawFOBDMessage struct {
	Instrument Instrument
	Market     string
	Data       []byte
	Timestamp  time.Time
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// BINANCE ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// BinanceFOBDResp mirrors Binance's futures depth websocket event structure
type BinanceFOBDResp struct {
	Event            string      `json:"e"`
	Time             int64       `json:"E"`
	TransactionTime  int64       `json:"T"`
	Symbol           string      `json:"s"`
	FirstUpdateID    int64       `json:"U"`
	LastUpdateID     int64       `json:"u"`
	PrevLastUpdateID int64       `json:"pu"`
	Bids             []FOBDEntry `json:"b"`
	Asks             []FOBDEntry `json:"a"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// KUCOIN ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KucoinFOBDResp represents a level2 delta update from KuCoin futures
// WebSocket. Each event carries one sequence id and a single change.
type KucoinFOBDResp struct {
	Symbol    string      `json:"symbol"`
	Sequence  int64       `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
	Bids      []FOBDEntry `json:"bids"`
	Asks      []FOBDEntry `json:"asks"`
}
