package fobd

import (
	"context"
	"testing"

	"bookflow/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(2)
	ch.IncrementRawSent()
	ch.IncrementRawDropped()
	stats := ch.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendRawDropsWhenFull(t *testing.T) {
	ch := NewChannels(1)
	msg := models.RawFOBDMessage{Instrument: models.Instrument{Exchange: "binance", Symbol: "BTCUSDT"}, Data: []byte("{}")}

	if !ch.SendRaw(context.Background(), msg) {
		t.Fatal("first send should succeed")
	}
	if ch.SendRaw(context.Background(), msg) {
		t.Fatal("second send should be dropped")
	}
	stats := ch.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendRawCancelled(t *testing.T) {
	ch := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendRaw(ctx, models.RawFOBDMessage{}) {
		t.Fatal("send on cancelled context should fail")
	}
	if stats := ch.GetStats(); stats.RawDropped != 0 {
		t.Fatalf("cancelled send must not count as drop: %+v", stats)
	}
}

func TestChannelsCloseTwice(t *testing.T) {
	ch := NewChannels(1)
	ch.Close()
	ch.Close()
}
