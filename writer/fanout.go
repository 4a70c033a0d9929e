package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// maxBatch bounds how many queued quotes one sink write receives.
const maxBatch = 256

const (
	retryBase    = 50 * time.Millisecond
	retryMax     = 5 * time.Second
	drainTimeout = 10 * time.Second
)

// Sink is a downstream consumer of published quotes. Write must not retain
// the quotes slice after it returns.
type Sink interface {
	Name() string
	Write(ctx context.Context, quotes []models.Quote) error
	Close() error
}

type sinkQueue struct {
	sink  Sink
	queue chan models.Quote

	// pending holds, per instrument index, the latest invalid quote that did
	// not fit in the queue. Valid quotes for that instrument are not queued
	// until it has been.
	mu      sync.Mutex
	pending map[int]models.Quote
}

func (sq *sinkQueue) offer(q models.Quote) bool {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	idx := q.Instrument.Index
	if inv, ok := sq.pending[idx]; ok {
		if !q.Valid {
			// the newer invalid quote supersedes the parked one
			inv = q
		}
		select {
		case sq.queue <- inv:
			delete(sq.pending, idx)
		default:
			sq.pending[idx] = inv
			return !q.Valid
		}
		if !q.Valid {
			return true
		}
	}

	select {
	case sq.queue <- q:
		return true
	default:
	}
	if !q.Valid {
		sq.pending[idx] = q
		return true
	}
	return false
}

// flushPending moves parked invalid quotes into the queue while there is room.
func (sq *sinkQueue) flushPending() {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	for idx, inv := range sq.pending {
		select {
		case sq.queue <- inv:
			delete(sq.pending, idx)
		default:
			return
		}
	}
}

func (sq *sinkQueue) takePending() []models.Quote {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	out := make([]models.Quote, 0, len(sq.pending))
	for idx, inv := range sq.pending {
		out = append(out, inv)
		delete(sq.pending, idx)
	}
	return out
}

// Fanout delivers each published quote to every attached sink. Every sink has
// its own bounded queue and goroutine, and the engine never waits on
// downstream I/O. A full queue drops valid quotes for that sink only. Invalid
// quotes are never dropped: a sink always sees an instrument go invalid
// before it sees the next valid quote for it.
type Fanout struct {
	sinks   []*sinkQueue
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// abort bounds retries and the shutdown drain; Stop cancels it once
	// drainTimeout has passed.
	abort       context.Context
	cancelAbort context.CancelFunc
}

func NewFanout() *Fanout {
	return &Fanout{
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
}

// Add attaches a sink with the given queue size. Sinks must be added before
// Start.
func (f *Fanout) Add(sink Sink, queueSize int) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, &sinkQueue{
		sink:    sink,
		queue:   make(chan models.Quote, queueSize),
		pending: make(map[int]models.Quote),
	})
}

// Sinks returns the number of attached sinks.
func (f *Fanout) Sinks() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Publish implements engine.Publisher. It never blocks.
func (f *Fanout) Publish(q models.Quote) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sq := range f.sinks {
		if sq.offer(q) {
			continue
		}
		metrics.IncQuoteDropped(sq.sink.Name())
		logger.IncrementQuoteDropped()
		if log := f.log.WithComponent("fanout"); log.DebugEnabled() {
			log.WithFields(logger.Fields{
				"sink":   sq.sink.Name(),
				"symbol": q.Instrument.Symbol,
			}).Debug("sink queue full, dropping quote")
		}
	}
}

func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("fanout already running")
	}
	f.running = true
	f.ctx = ctx
	f.abort, f.cancelAbort = context.WithCancel(context.Background())

	for _, sq := range f.sinks {
		f.wg.Add(1)
		go f.run(sq)
	}
	f.log.WithComponent("fanout").WithFields(logger.Fields{"sinks": len(f.sinks)}).Info("fanout started")
	return nil
}

// Stop waits for the sink goroutines to drain after the start context is
// cancelled, then closes every sink.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		f.log.WithComponent("fanout").Warn("sinks did not drain in time, aborting")
		f.cancelAbort()
		<-drained
	}
	f.cancelAbort()
	for _, sq := range f.sinks {
		if err := sq.sink.Close(); err != nil {
			f.log.WithComponent("fanout").WithError(err).WithFields(logger.Fields{"sink": sq.sink.Name()}).Warn("failed to close sink")
		}
	}
	f.log.WithComponent("fanout").Info("fanout stopped")
}

func (f *Fanout) run(sq *sinkQueue) {
	defer f.wg.Done()

	batch := make([]models.Quote, 0, maxBatch)
	for {
		select {
		case <-f.ctx.Done():
			// hand over whatever is still queued before the sink closes
			for {
				select {
				case q := <-sq.queue:
					batch = append(batch, q)
					if len(batch) == maxBatch {
						f.write(f.abort, sq.sink, batch)
						batch = batch[:0]
					}
				default:
					batch = append(batch, sq.takePending()...)
					f.write(f.abort, sq.sink, batch)
					return
				}
			}
		case q := <-sq.queue:
			batch = append(batch[:0], q)
		drain:
			for len(batch) < maxBatch {
				select {
				case q := <-sq.queue:
					batch = append(batch, q)
				default:
					break drain
				}
			}
			f.write(f.ctx, sq.sink, batch)
			batch = batch[:0]
			sq.flushPending()
		}
	}
}

// write hands a batch to the sink. When the sink fails, the valid quotes are
// dropped and the invalid ones are retried until they land or the fanout
// aborts.
func (f *Fanout) write(ctx context.Context, sink Sink, batch []models.Quote) {
	if len(batch) == 0 {
		return
	}
	err := sink.Write(ctx, batch)
	if err == nil {
		for range batch {
			metrics.IncQuotePublished(sink.Name())
		}
		return
	}

	invalid := lastInvalid(batch)
	for i := 0; i < len(batch)-len(invalid); i++ {
		metrics.IncQuoteDropped(sink.Name())
		logger.IncrementQuoteDropped()
	}
	log := f.log.WithComponent("fanout").WithFields(logger.Fields{"sink": sink.Name()})
	log.WithError(err).WithFields(logger.Fields{
		"quotes":  len(batch),
		"invalid": len(invalid),
	}).Warn("sink write failed")
	if len(invalid) == 0 {
		return
	}

	delay := retryBase
	for {
		select {
		case <-f.abort.Done():
			for range invalid {
				metrics.IncQuoteDropped(sink.Name())
				logger.IncrementQuoteDropped()
			}
			log.Error("giving up on invalid quotes")
			return
		case <-time.After(delay):
		}
		if err := sink.Write(f.abort, invalid); err == nil {
			for range invalid {
				metrics.IncQuotePublished(sink.Name())
			}
			return
		}
		if delay *= 2; delay > retryMax {
			delay = retryMax
		}
	}
}

// lastInvalid keeps the latest invalid quote of every instrument in batch, in
// batch order.
func lastInvalid(batch []models.Quote) []models.Quote {
	latest := make(map[int]int)
	for i, q := range batch {
		if !q.Valid {
			latest[q.Instrument.Index] = i
		}
	}
	out := make([]models.Quote, 0, len(latest))
	for i, q := range batch {
		if !q.Valid && latest[q.Instrument.Index] == i {
			out = append(out, q)
		}
	}
	return out
}
