package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

type eventKind uint8

const (
	eventDelta eventKind = iota
	eventSnapshot
	eventResync
)

type event struct {
	kind     eventKind
	index    int
	delta    models.Delta
	snapshot models.Snapshot
}

// Dispatcher runs the manager across a fixed number of shard goroutines.
// Instrument i is always handled by shard i % shards, so events for one
// instrument are processed in submission order by a single goroutine.
type Dispatcher struct {
	manager *Manager
	inboxes []chan event
	log     *logger.Log

	mu      sync.RWMutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(m *Manager, shards, inboxSize int) *Dispatcher {
	if shards <= 0 {
		shards = 1
	}
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	d := &Dispatcher{
		manager: m,
		inboxes: make([]chan event, shards),
		log:     logger.GetLogger(),
	}
	for i := range d.inboxes {
		d.inboxes[i] = make(chan event, inboxSize)
	}
	return d
}

func (d *Dispatcher) Manager() *Manager { return d.manager }

func (d *Dispatcher) Shards() int { return len(d.inboxes) }

// Start launches the shard goroutines. Each shard starts its own instruments
// so the first snapshot requests are issued from the owning goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.done = make(chan struct{})

	for i := range d.inboxes {
		d.wg.Add(1)
		go d.runShard(ctx, i)
	}

	d.log.WithComponent("engine").WithFields(logger.Fields{
		"shards":      len(d.inboxes),
		"instruments": d.manager.Len(),
	}).Info("dispatcher started")
	return nil
}

// Stop terminates the shard goroutines and waits for them. Events still
// queued are discarded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("engine").Info("dispatcher stopped")
}

func (d *Dispatcher) runShard(ctx context.Context, shard int) {
	defer d.wg.Done()

	for idx := shard; idx < d.manager.Len(); idx += len(d.inboxes) {
		if err := d.manager.StartInstrument(idx); err != nil {
			d.log.WithComponent("engine").WithError(err).Error("failed to start instrument")
		}
	}

	inbox := d.inboxes[shard]
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case ev := <-inbox:
			d.handle(shard, ev)
		}
	}
}

func (d *Dispatcher) handle(shard int, ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithComponent("engine").WithFields(logger.Fields{
				"shard": shard,
				"index": ev.index,
				"panic": fmt.Sprint(r),
			}).Error("recovered panic while processing event")
		}
	}()

	var err error
	switch ev.kind {
	case eventDelta:
		err = d.manager.OnDelta(ev.delta)
	case eventSnapshot:
		err = d.manager.OnSnapshotResult(ev.snapshot)
	case eventResync:
		err = d.manager.Resync(ev.index)
	}
	if err != nil && !errors.Is(err, ErrMalformedDelta) && !errors.Is(err, ErrBufferOverflow) && !errors.Is(err, ErrMalformedSnapshot) {
		// the manager already logged the expected failures
		d.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{"index": ev.index}).Warn("event rejected")
	}
}

func (d *Dispatcher) submit(ctx context.Context, ev event) error {
	if ev.index < 0 || ev.index >= d.manager.Len() {
		return fmt.Errorf("%w: index %d", ErrUnknownInstrument, ev.index)
	}
	d.mu.RLock()
	running, done := d.running, d.done
	d.mu.RUnlock()
	if !running {
		return ErrStopped
	}

	select {
	case d.inboxes[ev.index%len(d.inboxes)] <- ev:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitDelta queues a delta for its instrument's shard, blocking while the
// shard inbox is full.
func (d *Dispatcher) SubmitDelta(ctx context.Context, delta models.Delta) error {
	return d.submit(ctx, event{kind: eventDelta, index: delta.Instrument.Index, delta: delta})
}

func (d *Dispatcher) SubmitSnapshot(ctx context.Context, snap models.Snapshot) error {
	return d.submit(ctx, event{kind: eventSnapshot, index: snap.Instrument.Index, snapshot: snap})
}

// Resync queues an operator forced resynchronisation.
func (d *Dispatcher) Resync(ctx context.Context, idx int) error {
	return d.submit(ctx, event{kind: eventResync, index: idx})
}
