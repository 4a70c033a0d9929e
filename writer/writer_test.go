package writer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

var btc = models.Instrument{Index: 0, Exchange: "binance", Symbol: "BTCUSDT"}

func lvl(p, q string) models.Level {
	return models.Level{Price: decimal.RequireFromString(p), Quantity: decimal.RequireFromString(q)}
}

func quote(seq int64, valid bool) models.Quote {
	return models.Quote{
		Instrument:  btc,
		Bids:        []models.Level{lvl("100.5", "2"), lvl("100", "1")},
		Asks:        []models.Level{lvl("101", "3")},
		Valid:       valid,
		SourceSeq:   seq,
		EventTimeMs: seq * 10,
		Timestamp:   time.UnixMilli(1700000000000),
	}
}

func TestWireIsFixedWidth(t *testing.T) {
	w := NewWire(quote(7, true), 5)
	if len(w.Bids) != 5 || len(w.Asks) != 5 {
		t.Fatalf("widths = %d/%d, want 5/5", len(w.Bids), len(w.Asks))
	}
	if w.Bids[0] != [2]string{"100.5", "2"} || w.Bids[2] != [2]string{"0", "0"} || w.Asks[1] != [2]string{"0", "0"} {
		t.Fatalf("unexpected padding: %+v", w)
	}
	if w.Key() != "binance:BTCUSDT" {
		t.Fatalf("key = %q", w.Key())
	}

	data, err := w.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"exchange", "symbol", "bids", "asks", "valid", "source_seq", "event_time", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Fatalf("missing field %q in %s", field, data)
		}
	}
	if decoded["timestamp"].(float64) != 1700000000000 || decoded["event_time"].(float64) != 70 {
		t.Fatalf("unexpected times in %s", data)
	}
}

func TestWireInvalidQuoteWithoutLevels(t *testing.T) {
	w := NewWire(models.Quote{Instrument: btc, SourceSeq: 9}, 3)
	if w.Valid || len(w.Bids) != 3 || w.Bids[0] != [2]string{"0", "0"} {
		t.Fatalf("unexpected wire: %+v", w)
	}
}

type memSink struct {
	name string
	mu   sync.Mutex
	got  []models.Quote
	gate chan struct{}
	// entered is signalled when a write starts, before waiting on gate
	entered  chan struct{}
	failures atomic.Int32

	closed bool
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, quotes []models.Quote) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.failures.Add(-1) >= 0 {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, quotes...)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *memSink) quotes() []models.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Quote(nil), s.got...)
}

func waitCount(t *testing.T, s *memSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.count() < n {
		t.Fatalf("sink %s got %d quotes, want %d", s.name, s.count(), n)
	}
}

func TestFanoutDeliversInOrder(t *testing.T) {
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	f := NewFanout()
	f.Add(a, 64)
	f.Add(b, 64)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	for i := int64(1); i <= 20; i++ {
		f.Publish(quote(i, true))
	}

	deadline := time.Now().Add(2 * time.Second)
	for (a.count() < 20 || b.count() < 20) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	f.Stop()

	for _, s := range []*memSink{a, b} {
		if len(s.got) != 20 {
			t.Fatalf("sink %s got %d quotes", s.name, len(s.got))
		}
		for i, q := range s.got {
			if q.SourceSeq != int64(i+1) {
				t.Fatalf("sink %s out of order at %d: %d", s.name, i, q.SourceSeq)
			}
		}
		if !s.closed {
			t.Fatalf("sink %s not closed", s.name)
		}
	}
}

func TestFanoutDropsForSlowSinkOnly(t *testing.T) {
	slow := &memSink{name: "slow", gate: make(chan struct{})}
	fast := &memSink{name: "fast"}
	f := NewFanout()
	f.Add(slow, 2)
	f.Add(fast, 64)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 30; i++ {
			f.Publish(quote(i, true))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow sink")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fast.count() < 30 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fast.count() != 30 {
		t.Fatalf("fast sink got %d quotes", fast.count())
	}

	close(slow.gate)
	cancel()
	f.Stop()
	if slow.count() >= 30 {
		t.Fatalf("slow sink should have dropped quotes, got %d", slow.count())
	}
}

func TestFanoutKeepsInvalidQuoteBehindFullQueue(t *testing.T) {
	slow := &memSink{name: "slow", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := NewFanout()
	f.Add(slow, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}

	f.Publish(quote(1, true))
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the first batch")
	}
	f.Publish(quote(2, true))
	f.Publish(quote(3, true))
	f.Publish(quote(4, false)) // queue full, parked
	f.Publish(quote(5, true))  // must not overtake the parked invalid quote

	close(slow.gate)
	waitCount(t, slow, 4)
	f.Publish(quote(6, true))
	waitCount(t, slow, 5)
	cancel()
	f.Stop()

	got := slow.quotes()
	wantSeq := []int64{1, 2, 3, 4, 6}
	wantValid := []bool{true, true, true, false, true}
	if len(got) != len(wantSeq) {
		t.Fatalf("got %d quotes: %+v", len(got), got)
	}
	for i, q := range got {
		if q.SourceSeq != wantSeq[i] || q.Valid != wantValid[i] {
			t.Fatalf("quote %d = seq %d valid %v, want seq %d valid %v", i, q.SourceSeq, q.Valid, wantSeq[i], wantValid[i])
		}
	}
}

func TestFanoutNewerInvalidReplacesParkedOne(t *testing.T) {
	slow := &memSink{name: "slow", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := NewFanout()
	f.Add(slow, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.Publish(quote(1, true))
	<-slow.entered
	f.Publish(quote(2, true))
	f.Publish(quote(3, false))
	f.Publish(quote(4, false))

	close(slow.gate)
	waitCount(t, slow, 3)
	cancel()
	f.Stop()

	got := slow.quotes()
	if len(got) != 3 || got[2].SourceSeq != 4 || got[2].Valid {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestFanoutRetriesInvalidQuoteAfterWriteError(t *testing.T) {
	flaky := &memSink{name: "flaky"}
	flaky.failures.Store(2)
	f := NewFanout()
	f.Add(flaky, 16)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.Publish(quote(7, false))
	waitCount(t, flaky, 1)
	f.Publish(quote(8, true))
	waitCount(t, flaky, 2)
	cancel()
	f.Stop()

	got := flaky.quotes()
	if got[0].Valid || got[0].SourceSeq != 7 || !got[1].Valid || got[1].SourceSeq != 8 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestFanoutDrainDeliversParkedInvalidQuote(t *testing.T) {
	slow := &memSink{name: "slow", gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := NewFanout()
	f.Add(slow, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.Publish(quote(1, true))
	<-slow.entered
	f.Publish(quote(2, true))
	f.Publish(quote(3, false))

	cancel()
	close(slow.gate)
	f.Stop()

	got := slow.quotes()
	if len(got) == 0 {
		t.Fatal("nothing delivered")
	}
	if last := got[len(got)-1]; last.Valid || last.SourceSeq != 3 {
		t.Fatalf("last delivered quote should be the invalid one: %+v", got)
	}
}

func TestLastInvalidKeepsLatestPerInstrument(t *testing.T) {
	eth := models.Instrument{Index: 1, Exchange: "kucoin", Symbol: "ETHUSDTM"}
	ethQuote := func(seq int64) models.Quote { return models.Quote{Instrument: eth, SourceSeq: seq} }

	got := lastInvalid([]models.Quote{quote(1, false), ethQuote(2), quote(3, true), quote(4, false), ethQuote(5)})
	if len(got) != 2 || got[0].SourceSeq != 4 || got[1].SourceSeq != 5 {
		t.Fatalf("unexpected invalid set: %+v", got)
	}
}

type fakeKafka struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (k *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if k.err != nil {
		return k.err
	}
	k.msgs = append(k.msgs, msgs...)
	return nil
}

func (k *fakeKafka) Close() error {
	k.closed = true
	return nil
}

func TestKafkaWriterKeysByInstrument(t *testing.T) {
	fk := &fakeKafka{}
	kw := &KafkaWriter{writer: fk, depth: 5, log: logger.GetLogger()}

	if err := kw.Write(context.Background(), []models.Quote{quote(1, true), quote(2, false)}); err != nil {
		t.Fatal(err)
	}
	if len(fk.msgs) != 2 {
		t.Fatalf("messages = %d", len(fk.msgs))
	}
	for _, m := range fk.msgs {
		if string(m.Key) != "binance:BTCUSDT" {
			t.Fatalf("key = %q", m.Key)
		}
		if len(m.Headers) != 1 || m.Headers[0].Key != "batch_id" || len(m.Headers[0].Value) == 0 {
			t.Fatalf("headers = %+v", m.Headers)
		}
	}
	if string(fk.msgs[0].Headers[0].Value) != string(fk.msgs[1].Headers[0].Value) {
		t.Fatal("messages of one write should share a batch id")
	}
	var w Wire
	if err := json.Unmarshal(fk.msgs[1].Value, &w); err != nil {
		t.Fatal(err)
	}
	if w.Valid || w.SourceSeq != 2 || len(w.Bids) != 5 {
		t.Fatalf("unexpected record: %+v", w)
	}

	fk.err = errors.New("broker unavailable")
	if err := kw.Write(context.Background(), []models.Quote{quote(3, true)}); err == nil {
		t.Fatal("expected write error")
	}
	if err := kw.Close(); err != nil || !fk.closed {
		t.Fatal("close not forwarded")
	}
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaWriter(&appconfig.Config{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}

type fakeS3 struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *in.Key)
	f.body = append(f.body, data)
	return &s3.PutObjectOutput{}, nil
}

func s3Config(flushSize int) *appconfig.Config {
	return &appconfig.Config{
		Engine: appconfig.EngineConfig{TopN: 5},
		Storage: appconfig.StorageConfig{S3: appconfig.S3Config{
			Bucket:    "bookflow-test",
			Prefix:    "quotes",
			FlushSize: flushSize,
		}},
	}
}

func TestS3WriterFlushesBySize(t *testing.T) {
	fs := &fakeS3{}
	w := newS3Writer(s3Config(3), fs)
	w.start(context.Background())

	if err := w.Write(context.Background(), []models.Quote{quote(1, true), quote(2, true)}); err != nil {
		t.Fatal(err)
	}
	if len(fs.keys) != 0 {
		t.Fatal("flushed before reaching flush size")
	}
	if err := w.Write(context.Background(), []models.Quote{quote(3, true), quote(4, true)}); err != nil {
		t.Fatal(err)
	}
	if len(fs.keys) != 1 {
		t.Fatalf("uploads = %d, want 1", len(fs.keys))
	}
	key := fs.keys[0]
	if !strings.HasPrefix(key, "quotes/exchange=binance/symbol=BTCUSDT/year=") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("unexpected key %q", key)
	}
	if len(fs.body[0]) < 4 || string(fs.body[0][:4]) != "PAR1" {
		t.Fatal("object is not a parquet file")
	}

	// the fourth quote is flushed on close
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if len(fs.keys) != 2 {
		t.Fatalf("uploads after close = %d, want 2", len(fs.keys))
	}
}

func TestS3RecordsArePadded(t *testing.T) {
	w := newS3Writer(s3Config(10), &fakeS3{})
	recs := w.records(quote(5, true))
	if len(recs) != 10 {
		t.Fatalf("records = %d, want 10", len(recs))
	}
	if recs[0].Side != "bid" || recs[0].Rank != 1 || recs[0].Price != 100.5 {
		t.Fatalf("unexpected first record %+v", recs[0])
	}
	if recs[4].Price != 0 || recs[4].Quantity != 0 || recs[5].Side != "ask" {
		t.Fatalf("unexpected padding %+v %+v", recs[4], recs[5])
	}
}
