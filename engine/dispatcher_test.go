package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookflow/models"
)

type syncRequester struct {
	mu       sync.Mutex
	requests map[int]int
}

func (r *syncRequester) RequestSnapshot(inst models.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = map[int]int{}
	}
	r.requests[inst.Index]++
}

func (r *syncRequester) count(idx int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[idx]
}

type chanPublisher struct {
	quotes chan models.Quote
}

func (p *chanPublisher) Publish(q models.Quote) {
	select {
	case p.quotes <- q:
	default:
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *syncRequester, *chanPublisher, *Universe) {
	t.Helper()
	u := NewUniverse()
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if _, err := u.Add("binance", s); err != nil {
			t.Fatal(err)
		}
	}
	req := &syncRequester{}
	pub := &chanPublisher{quotes: make(chan models.Quote, 64)}
	m := NewManager(u, Options{TopN: 5, BufferCap: 100}, req, pub)
	return NewDispatcher(m, 2, 16), req, pub, u
}

func TestDispatcherReconcilesPerInstrument(t *testing.T) {
	d, req, pub, u := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()
	if err := d.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	for i := 0; i < u.Len(); i++ {
		idx := i
		waitFor(t, func() bool { return req.count(idx) == 1 })
	}

	eth, _ := u.Lookup("binance", "ETHUSDT")
	for _, r := range [][2]int64{{10, 11}, {12, 12}} {
		if err := d.SubmitDelta(ctx, models.Delta{Instrument: eth, Start: r[0], End: r[1], Bids: []models.Level{lvl("10", "1")}}); err != nil {
			t.Fatalf("submit delta: %v", err)
		}
	}
	if err := d.SubmitSnapshot(ctx, models.Snapshot{Instrument: eth, BaselineSeq: 10}); err != nil {
		t.Fatalf("submit snapshot: %v", err)
	}

	select {
	case q := <-pub.quotes:
		if q.Instrument.Symbol != "ETHUSDT" || !q.Valid || q.SourceSeq != 12 {
			t.Fatalf("unexpected quote: %+v", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no quote published")
	}
	m := d.Manager()
	waitFor(t, func() bool { return m.IsValid(eth.Index) })
	if m.IsValid(0) || m.IsValid(2) {
		t.Fatal("other instruments must stay unsynced")
	}

	if err := d.Resync(ctx, eth.Index); err != nil {
		t.Fatalf("resync: %v", err)
	}
	waitFor(t, func() bool { return !m.IsValid(eth.Index) })
}

func TestDispatcherSubmitErrors(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	if err := d.SubmitDelta(ctx, models.Delta{Instrument: models.Instrument{Index: 0}, Start: 1, End: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before start, got %v", err)
	}
	if err := d.Resync(ctx, 99); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	d.Stop()
	d.Stop()
	if err := d.SubmitSnapshot(ctx, models.Snapshot{Instrument: models.Instrument{Index: 1}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}
