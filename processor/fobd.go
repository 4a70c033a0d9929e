package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// DeltaSink accepts normalized deltas. engine.Dispatcher satisfies it.
type DeltaSink interface {
	SubmitDelta(ctx context.Context, d models.Delta) error
}

// DeltaProcessor decodes raw delta frames and hands them to the engine.
// Frames are routed by instrument index so each instrument is decoded by one
// worker and keeps its arrival order.
type DeltaProcessor struct {
	config  *appconfig.Config
	rawChan <-chan models.RawFOBDMessage
	sink    DeltaSink
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	queues []chan models.RawFOBDMessage
	done   chan struct{}

	statsMu   sync.Mutex
	processed int64
	malformed int64
}

// NewDeltaProcessor creates a new processor instance.
func NewDeltaProcessor(cfg *appconfig.Config, rawChan <-chan models.RawFOBDMessage, sink DeltaSink) *DeltaProcessor {
	return &DeltaProcessor{
		config:  cfg,
		rawChan: rawChan,
		sink:    sink,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start launches the router and the decode workers.
func (p *DeltaProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("delta processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("delta_processor").WithFields(logger.Fields{"operation": "start"})

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	queue := p.config.Processor.WorkerQueue
	if queue < 1 {
		queue = 1024
	}
	p.done = make(chan struct{})
	p.queues = make([]chan models.RawFOBDMessage, workers)
	for i := range p.queues {
		p.queues[i] = make(chan models.RawFOBDMessage, queue)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}

	p.wg.Add(1)
	go p.route()

	p.wg.Add(1)
	go p.metricsReporter()

	log.WithFields(logger.Fields{"workers": workers}).Info("delta processor started")
	return nil
}

// Stop waits for the workers to exit. The context passed to Start must be
// cancelled or the raw channel closed first. Frames already routed are still
// decoded when the raw channel is closed.
func (p *DeltaProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("delta_processor").Info("stopping delta processor")
	p.wg.Wait()
	p.log.WithComponent("delta_processor").Info("delta processor stopped")
}

func (p *DeltaProcessor) route() {
	defer p.wg.Done()
	defer func() {
		for _, q := range p.queues {
			close(q)
		}
		close(p.done)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.rawChan:
			if !ok {
				return
			}
			idx := msg.Instrument.Index
			if idx < 0 {
				p.countMalformed(msg.Instrument.Exchange)
				continue
			}
			select {
			case p.queues[idx%len(p.queues)] <- msg:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *DeltaProcessor) worker(id int, queue <-chan models.RawFOBDMessage) {
	defer p.wg.Done()

	for msg := range queue {
		p.handleMessage(msg)
		if p.ctx.Err() != nil {
			return
		}
	}
}

func (p *DeltaProcessor) handleMessage(raw models.RawFOBDMessage) {
	log := p.log.WithComponent("delta_processor").WithFields(logger.Fields{
		"symbol":   raw.Instrument.Symbol,
		"exchange": raw.Instrument.Exchange,
	})

	delta, err := DecodeDelta(raw)
	if err != nil {
		p.countMalformed(raw.Instrument.Exchange)
		log.WithError(err).Warn("dropping undecodable delta")
		return
	}

	if err := p.sink.SubmitDelta(p.ctx, delta); err != nil {
		if errors.Is(err, context.Canceled) || p.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("failed to submit delta")
		return
	}

	logger.IncrementDeltaRead(len(raw.Data))
	p.statsMu.Lock()
	p.processed++
	p.statsMu.Unlock()
}

func (p *DeltaProcessor) countMalformed(exchange string) {
	metrics.IncDeltaMalformed(exchange)
	p.statsMu.Lock()
	p.malformed++
	p.statsMu.Unlock()
}

// Stats returns the number of submitted and malformed frames.
func (p *DeltaProcessor) Stats() (processed, malformed int64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.processed, p.malformed
}

func (p *DeltaProcessor) metricsReporter() {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			processed, malformed := p.Stats()
			backlog := 0
			for _, q := range p.queues {
				backlog += len(q)
			}
			log := p.log.WithComponent("delta_processor")
			log.LogMetric("DeltaFramesProcessed", processed, "counter", nil)
			log.LogMetric("DeltaFramesMalformed", malformed, "counter", nil)
			log.LogMetric("DeltaProcessorBacklog", backlog, "gauge", nil)
		}
	}
}
