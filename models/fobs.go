package models

// BinanceFOBSResp represents the response from the Binance futures depth endpoint.
type BinanceFOBSResp struct {
	LastUpdateID    int64      `json:"lastUpdateId"`
	EventTime       int64      `json:"E"`
	TransactionTime int64      `json:"T"`
	Bids            [][]string `json:"bids"`
	Asks            [][]string `json:"asks"`
}

// KucoinFOBSResp represents the response from the KuCoin futures level2 snapshot endpoint.
type KucoinFOBSResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Symbol   string      `json:"symbol"`
		Sequence int64       `json:"sequence"`
		Ts       int64       `json:"ts"`
		Bids     [][]float64 `json:"bids"`
		Asks     [][]float64 `json:"asks"`
	} `json:"data"`
}
