package reader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookflow/config"
	"bookflow/models"
)

type recordSink struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (s *recordSink) SubmitSnapshot(_ context.Context, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func testConfig() *config.Config {
	return &config.Config{
		Reader: config.ReaderConfig{
			Timeout: time.Second,
			Workers: 2,
			Retry:   config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, BackoffMultiplier: 2},
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var eth = models.Instrument{Index: 0, Exchange: "binance", Symbol: "ETHUSDT"}

func TestFetcherCollapsesDuplicateRequests(t *testing.T) {
	sink := &recordSink{}
	f := NewSnapshotFetcher(testConfig(), sink)

	release := make(chan struct{})
	var calls atomic.Int32
	f.Route(eth, func(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
		calls.Add(1)
		<-release
		return models.Snapshot{BaselineSeq: 7}, nil
	}, 0)

	f.RequestSnapshot(eth)
	f.RequestSnapshot(eth)
	if f.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", f.Pending())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
	f.RequestSnapshot(eth) // in flight
	close(release)

	waitFor(t, func() bool { return sink.count() == 1 })
	if got := sink.snaps[0]; got.Instrument != eth || got.BaselineSeq != 7 || got.FetchedAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	waitFor(t, func() bool { return f.Pending() == 0 })

	// a request after completion starts a new fetch
	f.RequestSnapshot(eth)
	waitFor(t, func() bool { return sink.count() == 2 })
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}

	cancel()
	f.Stop()
}

func TestFetcherRetriesUntilSuccess(t *testing.T) {
	sink := &recordSink{}
	f := NewSnapshotFetcher(testConfig(), sink)

	var calls atomic.Int32
	f.Route(eth, func(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
		if calls.Add(1) < 4 {
			return models.Snapshot{}, errors.New("status 503")
		}
		return models.Snapshot{BaselineSeq: 11}, nil
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.RequestSnapshot(eth)

	waitFor(t, func() bool { return sink.count() == 1 })
	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
	cancel()
	f.Stop()
}

func TestFetcherHonoursDelay(t *testing.T) {
	sink := &recordSink{}
	f := NewSnapshotFetcher(testConfig(), sink)

	requested := time.Now()
	var fetchedAt atomic.Int64
	f.Route(eth, func(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
		fetchedAt.Store(time.Now().UnixNano())
		return models.Snapshot{BaselineSeq: 1}, nil
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.RequestSnapshot(eth)
	waitFor(t, func() bool { return sink.count() == 1 })

	if elapsed := time.Duration(fetchedAt.Load() - requested.UnixNano()); elapsed < 50*time.Millisecond {
		t.Fatalf("fetch ran after %s, want at least 50ms", elapsed)
	}
	cancel()
	f.Stop()
}

func TestFetcherStopAbandonsRetries(t *testing.T) {
	f := NewSnapshotFetcher(testConfig(), &recordSink{})
	f.Route(eth, func(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
		return models.Snapshot{}, errors.New("down")
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
	f.RequestSnapshot(eth)
	time.Sleep(10 * time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestNextBackoff(t *testing.T) {
	retry := config.RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiplier: 2}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	cur := retry.BaseDelay
	for i, w := range want {
		cur = nextBackoff(cur, retry)
		if cur != w {
			t.Fatalf("step %d: backoff = %s, want %s", i, cur, w)
		}
	}
	if got := nextBackoff(0, config.RetryConfig{}); got != time.Second {
		t.Fatalf("zero backoff = %s, want 1s", got)
	}
}

func TestUserAgentTransport(t *testing.T) {
	var ua string
	rt := userAgentTransport{agent: "bookflow-test", base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		ua = r.Header.Get("User-Agent")
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if ua != "bookflow-test" {
		t.Fatalf("user agent = %q", ua)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetcherRequiresSink(t *testing.T) {
	f := NewSnapshotFetcher(testConfig(), nil)
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected error without a sink")
	}
	f.SetSink(&recordSink{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := f.Start(ctx); err != nil {
		t.Fatalf("start after SetSink: %v", err)
	}
	cancel()
	f.Stop()
}
