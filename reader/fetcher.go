package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// FetchFunc performs one snapshot request for inst.
type FetchFunc func(ctx context.Context, inst models.Instrument) (models.Snapshot, error)

// SnapshotSink receives successful snapshots. engine.Dispatcher satisfies it.
type SnapshotSink interface {
	SubmitSnapshot(ctx context.Context, snap models.Snapshot) error
}

type route struct {
	fetch FetchFunc
	delay time.Duration
}

// SnapshotFetcher serves snapshot requests from the engine. Requests never
// block the caller, repeated requests for an instrument already queued or in
// flight collapse into one, and failed requests are retried with exponential
// backoff until they succeed or the fetcher stops.
type SnapshotFetcher struct {
	config  *appconfig.Config
	sink    SnapshotSink
	limiter *rate.Limiter
	log     *logger.Log

	mu       sync.Mutex
	routes   map[int]route
	inflight map[int]struct{}
	pending  []models.Instrument
	notify   chan struct{}

	ctx     context.Context
	wg      sync.WaitGroup
	running bool
}

func NewSnapshotFetcher(cfg *appconfig.Config, sink SnapshotSink) *SnapshotFetcher {
	rl := cfg.Reader.RateLimit
	burst := rl.BurstSize
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if rl.RequestsPerSecond > 0 {
		limit = rate.Limit(rl.RequestsPerSecond)
	}
	return &SnapshotFetcher{
		config:   cfg,
		sink:     sink,
		limiter:  rate.NewLimiter(limit, burst),
		log:      logger.GetLogger(),
		routes:   make(map[int]route),
		inflight: make(map[int]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// SetSink replaces the snapshot sink. The dispatcher depends on the fetcher
// as its requester, so main attaches it after both exist.
func (f *SnapshotFetcher) SetSink(sink SnapshotSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

// Route binds an instrument to the function that fetches its snapshot. delay
// postpones every fetch so the delta buffer can fill before the baseline is
// taken.
func (f *SnapshotFetcher) Route(inst models.Instrument, fn FetchFunc, delay time.Duration) {
	f.mu.Lock()
	f.routes[inst.Index] = route{fetch: fn, delay: delay}
	f.mu.Unlock()
}

// RequestSnapshot implements engine.SnapshotRequester.
func (f *SnapshotFetcher) RequestSnapshot(inst models.Instrument) {
	f.mu.Lock()
	if _, ok := f.inflight[inst.Index]; ok {
		f.mu.Unlock()
		return
	}
	f.inflight[inst.Index] = struct{}{}
	f.pending = append(f.pending, inst)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Start launches reader.workers fetch goroutines.
func (f *SnapshotFetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("snapshot fetcher already running")
	}
	if f.sink == nil {
		f.mu.Unlock()
		return fmt.Errorf("snapshot fetcher has no sink")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	workers := f.config.Reader.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}

	f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"workers":             workers,
		"requests_per_second": f.config.Reader.RateLimit.RequestsPerSecond,
	}).Info("snapshot fetcher started")
	return nil
}

// Stop waits for the workers after the start context is cancelled.
func (f *SnapshotFetcher) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("snapshot_fetcher").Info("snapshot fetcher stopped")
}

// Pending returns how many instruments are queued or in flight.
func (f *SnapshotFetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inflight)
}

func (f *SnapshotFetcher) next() (models.Instrument, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return models.Instrument{}, false
	}
	inst := f.pending[0]
	f.pending = f.pending[1:]
	if len(f.pending) > 0 {
		// wake another worker for the rest of the queue
		select {
		case f.notify <- struct{}{}:
		default:
		}
	}
	return inst, true
}

func (f *SnapshotFetcher) worker(id int) {
	defer f.wg.Done()

	for {
		inst, ok := f.next()
		if !ok {
			select {
			case <-f.ctx.Done():
				return
			case <-f.notify:
				continue
			}
		}
		f.fetch(inst)
		if f.ctx.Err() != nil {
			return
		}
	}
}

func (f *SnapshotFetcher) done(inst models.Instrument) {
	f.mu.Lock()
	delete(f.inflight, inst.Index)
	f.mu.Unlock()
}

func (f *SnapshotFetcher) fetch(inst models.Instrument) {
	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"exchange": inst.Exchange,
		"symbol":   inst.Symbol,
	})

	f.mu.Lock()
	rt, ok := f.routes[inst.Index]
	sink := f.sink
	f.mu.Unlock()
	if !ok {
		f.done(inst)
		log.Error("no snapshot route for instrument")
		return
	}

	if !sleepCtx(f.ctx, rt.delay) {
		return
	}

	retry := f.config.Reader.Retry
	backoff := retry.BaseDelay
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(f.ctx); err != nil {
			return
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(f.ctx, f.config.Reader.Timeout)
		snap, err := rt.fetch(reqCtx, inst)
		cancel()

		if err == nil {
			snap.Instrument = inst
			if snap.FetchedAt.IsZero() {
				snap.FetchedAt = time.Now()
			}
			logger.LogPerformanceEntry(log, "snapshot_fetcher", "fetch_snapshot", time.Since(start), logger.Fields{
				"attempt":      attempt,
				"baseline_seq": snap.BaselineSeq,
			})
			// clear before handing over so a re-request from the engine is not collapsed
			f.done(inst)
			if err := sink.SubmitSnapshot(f.ctx, snap); err != nil && f.ctx.Err() == nil {
				log.WithError(err).Warn("failed to submit snapshot")
			}
			return
		}

		if f.ctx.Err() != nil {
			return
		}
		metrics.IncSnapshotError(inst.Exchange, inst.Symbol)
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("snapshot fetch failed, retrying")

		if !sleepCtx(f.ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, retry)
	}
}

func nextBackoff(cur time.Duration, retry appconfig.RetryConfig) time.Duration {
	mult := retry.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	next := cur * time.Duration(mult)
	if retry.MaxDelay > 0 && next > retry.MaxDelay {
		next = retry.MaxDelay
	}
	if next <= 0 {
		next = time.Second
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
