package kucoin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"

	"bookflow/config"
	fobd "bookflow/internal/channel/fobd"
	"bookflow/models"
	"bookflow/processor"
)

func minimalConfig(snapshotURL string) *config.Config {
	return &config.Config{
		Reader: config.ReaderConfig{Timeout: time.Second},
		Source: config.SourceConfig{
			Kucoin: config.ExchangeSourceConfig{
				ConnectionPool: config.ConnectionPoolConfig{
					MaxIdleConns:    1,
					MaxConnsPerHost: 1,
					IdleConnTimeout: time.Second,
				},
				Snapshot: config.SnapshotConfig{Enabled: true, URL: snapshotURL},
				Delta:    config.DeltaConfig{Enabled: true},
			},
		},
	}
}

var xbt = models.Instrument{Index: 1, Exchange: "kucoin", Symbol: "XBTUSDTM"}

func TestFetchSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "XBTUSDTM" {
			t.Errorf("symbol = %q", got)
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":{"symbol":"XBTUSDTM","sequence":100,"ts":1,` +
			`"bids":[[30000.5,12],[30000,3]],"asks":[[30001,5]]}}`))
	}))
	defer srv.Close()

	r := Kucoin_FOBS_NewReader(minimalConfig(srv.URL+"/api/v1/level2/snapshot"), "")
	snap, err := r.Fetch(context.Background(), xbt)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.BaselineSeq != 100 || len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Bids[0].Price.String() != "30000.5" {
		t.Fatalf("best bid = %s", snap.Bids[0].Price)
	}
}

func TestFetchSnapshotErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":"400100","msg":"symbol not exists"}`))
	}))
	defer srv.Close()

	r := Kucoin_FOBS_NewReader(minimalConfig(srv.URL), "")
	if _, err := r.Fetch(context.Background(), xbt); err == nil {
		t.Fatal("expected error for non-success code")
	}
}

func TestHandleIncrement(t *testing.T) {
	ch := fobd.NewChannels(4)
	r := Kucoin_FOBD_NewReader(minimalConfig(""), ch, []models.Instrument{xbt})
	r.ctx = context.Background()
	log := r.log.WithComponent("kucoin_delta_reader")

	data := &futurespublic.OrderbookIncrementEvent{Sequence: 42, Change: "30000.5,sell,7", Timestamp: 1700000000000}
	if err := r.handleIncrement(xbt, data, log); err != nil {
		t.Fatalf("handle: %v", err)
	}

	raw := <-ch.Raw
	delta, err := processor.DecodeDelta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if delta.Start != 42 || delta.End != 42 || len(delta.Asks) != 1 || len(delta.Bids) != 0 {
		t.Fatalf("unexpected delta: %+v", delta)
	}

	bad := &futurespublic.OrderbookIncrementEvent{Sequence: 43, Change: "garbage"}
	if err := r.handleIncrement(xbt, bad, log); err != nil {
		t.Fatalf("malformed change should be dropped quietly, got %v", err)
	}
	if len(ch.Raw) != 0 {
		t.Fatal("malformed change must not be forwarded")
	}
}

func TestHandleIncrementAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Kucoin_FOBD_NewReader(minimalConfig(""), fobd.NewChannels(1), []models.Instrument{xbt})
	r.ctx = ctx

	data := &futurespublic.OrderbookIncrementEvent{Sequence: 1, Change: "1,buy,1"}
	if err := r.handleIncrement(xbt, data, r.log.WithComponent("kucoin_delta_reader")); err == nil {
		t.Fatal("expected error once the reader is cancelled")
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := minimalConfig("")
	cfg.Source.Kucoin.Delta.Enabled = false
	r := Kucoin_FOBD_NewReader(cfg, fobd.NewChannels(1), []models.Instrument{xbt})
	if err := r.Kucoin_FOBD_Start(context.Background()); err == nil {
		t.Fatal("expected error when disabled")
	}
}
