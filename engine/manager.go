package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"bookflow/book"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// SnapshotRequester asks for a full depth snapshot of one instrument. The
// result is delivered later through OnSnapshotResult. Implementations must not
// block.
type SnapshotRequester interface {
	RequestSnapshot(inst models.Instrument)
}

// Publisher receives every quote the manager emits. Implementations must not
// block and must treat the quote as read-only.
type Publisher interface {
	Publish(q models.Quote)
}

type Options struct {
	TopN      int
	BufferCap int
}

// Status is a point-in-time view of one instrument safe to read from any
// goroutine.
type Status struct {
	Instrument     models.Instrument `json:"instrument"`
	Lifecycle      string            `json:"lifecycle"`
	Valid          bool              `json:"valid"`
	LastAppliedSeq int64             `json:"last_applied_seq"`
	HasApplied     bool              `json:"has_applied"`
	Buffered       int               `json:"buffered"`
}

type slot struct {
	inst        models.Instrument
	state       SymbolState
	book        *book.Book
	lastEventMs int64

	// mirrors for lock-free readers
	lifecycle atomic.Uint32
	lastSeq   atomic.Int64
	applied   atomic.Bool
	buffered  atomic.Int64
	quote     atomic.Pointer[models.Quote]
}

// Manager owns the book and state machine of every instrument. Mutating calls
// for one instrument must come from a single goroutine; Dispatcher provides
// that. Read accessors are safe from anywhere.
type Manager struct {
	slots     []slot
	topN      int
	requester SnapshotRequester
	publisher Publisher
	log       *logger.Log
	now       func() time.Time
}

func NewManager(u *Universe, opts Options, requester SnapshotRequester, publisher Publisher) *Manager {
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	instruments := u.Instruments()
	m := &Manager{
		slots:     make([]slot, len(instruments)),
		topN:      opts.TopN,
		requester: requester,
		publisher: publisher,
		log:       logger.GetLogger(),
		now:       time.Now,
	}
	for i, inst := range instruments {
		s := &m.slots[i]
		s.inst = inst
		s.state = newSymbolState(opts.BufferCap)
		s.book = book.New()
		s.sync()
	}
	return m
}

// Len returns the number of instrument slots.
func (m *Manager) Len() int { return len(m.slots) }

// Start puts every instrument into Unsynced and requests its first snapshot.
func (m *Manager) Start() {
	for i := range m.slots {
		m.StartInstrument(i)
	}
}

func (m *Manager) StartInstrument(idx int) error {
	s, err := m.slot(idx)
	if err != nil {
		return err
	}
	s.state.reset()
	s.book.Clear()
	s.sync()
	m.requestSnapshot(s)
	return nil
}

func (m *Manager) slot(idx int) (*slot, error) {
	if idx < 0 || idx >= len(m.slots) {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownInstrument, idx)
	}
	return &m.slots[idx], nil
}

func (m *Manager) entry(s *slot) *logger.Entry {
	return m.log.WithComponent("engine").WithFields(logger.Fields{
		"exchange": s.inst.Exchange,
		"symbol":   s.inst.Symbol,
	})
}

// OnDelta feeds one delta into the instrument's state machine.
func (m *Manager) OnDelta(d models.Delta) error {
	s, err := m.slot(d.Instrument.Index)
	if err != nil {
		metrics.IncDeltaMalformed(d.Instrument.Exchange)
		return fmt.Errorf("%w: %w", ErrMalformedDelta, err)
	}
	if err := validateDelta(d); err != nil {
		metrics.IncDeltaMalformed(s.inst.Exchange)
		m.entry(s).WithError(err).Warn("dropping malformed delta")
		return err
	}

	switch s.state.Lifecycle {
	case Unsynced:
		return m.bufferDelta(s, d)
	case Syncing:
		if err := m.bufferDelta(s, d); err != nil {
			return err
		}
		m.reconcile(s)
	case Valid:
		m.applyLive(s, d)
	default:
		// Invalid never outlives a single call
		m.entry(s).WithFields(logger.Fields{"lifecycle": s.state.Lifecycle.String()}).Error("delta received in unexpected state")
	}
	return nil
}

// OnSnapshotResult feeds a snapshot baseline. Snapshots for Valid instruments
// are ignored.
func (m *Manager) OnSnapshotResult(snap models.Snapshot) error {
	s, err := m.slot(snap.Instrument.Index)
	if err != nil {
		return err
	}

	if s.state.Lifecycle == Valid {
		s.state.SnapshotPending = false
		m.entry(s).WithFields(logger.Fields{"baseline_seq": snap.BaselineSeq}).Info("ignoring snapshot for valid instrument")
		return nil
	}
	s.state.SnapshotPending = false

	if err := validateSnapshot(snap); err != nil {
		metrics.IncSnapshotError(s.inst.Exchange, s.inst.Symbol)
		m.entry(s).WithError(err).Warn("rejecting snapshot")
		m.requestSnapshot(s)
		return err
	}

	if !m.transition(s, SnapshotArrived) {
		return nil
	}
	if cur := s.state.baseline; cur != nil && snap.BaselineSeq < cur.BaselineSeq {
		m.entry(s).WithFields(logger.Fields{
			"baseline_seq": snap.BaselineSeq,
			"retained_seq": cur.BaselineSeq,
		}).Debug("keeping newer retained baseline")
	} else {
		baseline := snap
		s.state.baseline = &baseline
	}
	m.reconcile(s)
	s.sync()
	return nil
}

// Resync forces the instrument back through reconciliation. A valid
// instrument announces an invalid quote first.
func (m *Manager) Resync(idx int) error {
	s, err := m.slot(idx)
	if err != nil {
		return err
	}
	metrics.IncResync(s.inst.Exchange, s.inst.Symbol)
	logger.IncrementResync()
	m.entry(s).WithFields(logger.Fields{"lifecycle": s.state.Lifecycle.String()}).Info("forced resync")

	if s.state.Lifecycle == Valid {
		m.invalidate(s, ForceResync, nil)
		return nil
	}
	if !m.transition(s, ForceResync) {
		return nil
	}
	s.state.reset()
	s.book.Clear()
	s.sync()
	m.requestSnapshot(s)
	return nil
}

func (m *Manager) bufferDelta(s *slot, d models.Delta) error {
	if err := s.state.buffer.Push(d); err != nil {
		m.entry(s).WithError(err).WithFields(logger.Fields{
			"lifecycle": s.state.Lifecycle.String(),
		}).Error("delta buffer overflow, restarting reconciliation")
		if m.transition(s, BufferOverflow) {
			s.state.reset()
			s.book.Clear()
			m.requestSnapshot(s)
		}
		s.sync()
		return err
	}
	s.buffered.Store(int64(s.state.buffer.Len()))
	if !s.state.SnapshotPending && s.state.Lifecycle == Unsynced {
		m.requestSnapshot(s)
	}
	return nil
}

// reconcile locates the retained baseline inside the buffered deltas and
// replays from there.
func (m *Manager) reconcile(s *slot) {
	base := s.state.baseline
	if base == nil {
		return
	}
	buf := s.state.buffer
	buf.DiscardThrough(base.BaselineSeq)
	at := buf.Locate(base.BaselineSeq)
	if at < 0 {
		m.transition(s, NoQualifying)
		if !s.state.SnapshotPending {
			m.entry(s).WithFields(logger.Fields{
				"baseline_seq": base.BaselineSeq,
				"buffered":     buf.Len(),
			}).Debug("no buffered delta covers baseline, requesting newer snapshot")
		}
		m.requestSnapshot(s)
		s.sync()
		return
	}

	if err := s.book.LoadSnapshot(base.Bids, base.Asks); err != nil {
		// validated on arrival, so only reachable through a book bug
		m.entry(s).WithError(err).Error("failed to load snapshot")
		s.state.baseline = nil
		m.requestSnapshot(s)
		s.sync()
		return
	}

	items := buf.Items()
	first := items[at]
	applyLevels(s.book, first)
	metrics.IncDeltaApplied(s.inst.Exchange, s.inst.Symbol)
	last := first.End
	s.lastEventMs = first.EventTimeMs

	for i := at + 1; i < len(items); i++ {
		d := items[i]
		if d.Start <= last {
			metrics.IncDeltaDuplicate(s.inst.Exchange, s.inst.Symbol)
			continue
		}
		if d.Start != last+1 {
			s.state.LastAppliedSeq = last
			s.state.HasApplied = true
			rest := append([]models.Delta(nil), items[i:]...)
			m.entry(s).WithFields(logger.Fields{
				"expected_start": last + 1,
				"start":          d.Start,
			}).Warn("gap while replaying buffered deltas")
			m.invalidate(s, ReplayGap, rest)
			return
		}
		applyLevels(s.book, d)
		metrics.IncDeltaApplied(s.inst.Exchange, s.inst.Symbol)
		last = d.End
		s.lastEventMs = d.EventTimeMs
	}

	if !m.transition(s, ReplayContiguous) {
		return
	}
	s.state.LastAppliedSeq = last
	s.state.HasApplied = true
	s.state.baseline = nil
	buf.Clear()
	s.sync()
	m.entry(s).WithFields(logger.Fields{"last_applied_seq": last}).Info("book synchronised")
	m.publish(s, true)
}

func (m *Manager) applyLive(s *slot, d models.Delta) {
	last := s.state.LastAppliedSeq
	switch {
	case d.Start <= last:
		metrics.IncDeltaDuplicate(s.inst.Exchange, s.inst.Symbol)
	case d.Start == last+1:
		applyLevels(s.book, d)
		s.state.LastAppliedSeq = d.End
		s.lastEventMs = d.EventTimeMs
		s.lastSeq.Store(d.End)
		metrics.IncDeltaApplied(s.inst.Exchange, s.inst.Symbol)
		m.publish(s, true)
	default:
		m.entry(s).WithFields(logger.Fields{
			"expected_start": last + 1,
			"start":          d.Start,
			"end":            d.End,
		}).Warn("sequence gap detected")
		m.invalidate(s, Gap, []models.Delta{d})
	}
}

// invalidate announces an invalid quote built from the current levels and
// restarts reconciliation. carry seeds the buffer of the next attempt.
func (m *Manager) invalidate(s *slot, trigger Trigger, carry []models.Delta) {
	if !m.transition(s, trigger) {
		return
	}
	if trigger != ForceResync {
		metrics.IncGap(s.inst.Exchange, s.inst.Symbol)
		logger.IncrementGap()
	}
	s.sync()
	m.publish(s, false)

	if !m.transition(s, Restart) {
		return
	}
	s.state.reset()
	s.book.Clear()
	for _, d := range carry {
		if err := s.state.buffer.Push(d); err != nil {
			break
		}
	}
	s.sync()
	m.requestSnapshot(s)
}

func (m *Manager) transition(s *slot, trigger Trigger) bool {
	next, err := Transition(s.state.Lifecycle, trigger)
	if err != nil {
		m.entry(s).WithError(err).Error("rejected lifecycle transition")
		return false
	}
	if next != s.state.Lifecycle {
		m.entry(s).WithFields(logger.Fields{
			"from":    s.state.Lifecycle.String(),
			"to":      next.String(),
			"trigger": trigger.String(),
		}).Debug("lifecycle transition")
	}
	s.state.Lifecycle = next
	s.lifecycle.Store(uint32(next))
	metrics.SetLifecycle(s.inst.Exchange, s.inst.Symbol, int(next))
	return true
}

func (m *Manager) requestSnapshot(s *slot) {
	if s.state.SnapshotPending {
		return
	}
	s.state.SnapshotPending = true
	metrics.IncSnapshotRequested(s.inst.Exchange, s.inst.Symbol)
	if m.requester != nil {
		m.requester.RequestSnapshot(s.inst)
	}
}

func (m *Manager) publish(s *slot, valid bool) {
	q := models.Quote{
		Instrument:  s.inst,
		Bids:        s.book.TopN(models.Bid, m.topN),
		Asks:        s.book.TopN(models.Ask, m.topN),
		Valid:       valid,
		SourceSeq:   s.state.LastAppliedSeq,
		EventTimeMs: s.lastEventMs,
		Timestamp:   m.now(),
	}
	s.quote.Store(&q)
	if m.publisher != nil {
		m.publisher.Publish(q)
	}
}

// sync refreshes the atomic mirrors from the owned state.
func (s *slot) sync() {
	s.lifecycle.Store(uint32(s.state.Lifecycle))
	s.lastSeq.Store(s.state.LastAppliedSeq)
	s.applied.Store(s.state.HasApplied)
	s.buffered.Store(int64(s.state.buffer.Len()))
}

// IsValid reports whether the instrument currently has a synchronised book.
func (m *Manager) IsValid(idx int) bool {
	s, err := m.slot(idx)
	if err != nil {
		return false
	}
	return Lifecycle(s.lifecycle.Load()) == Valid
}

// Snapshot returns the most recently published quote. The second result is
// false when nothing has been published yet. The Valid flag of the returned
// quote reflects the current lifecycle.
func (m *Manager) Snapshot(idx int) (models.Quote, bool) {
	s, err := m.slot(idx)
	if err != nil {
		return models.Quote{}, false
	}
	q := s.quote.Load()
	if q == nil {
		return models.Quote{Instrument: s.inst}, false
	}
	out := *q
	out.Bids = append([]models.Level(nil), q.Bids...)
	out.Asks = append([]models.Level(nil), q.Asks...)
	out.Valid = out.Valid && Lifecycle(s.lifecycle.Load()) == Valid
	return out, true
}

func (m *Manager) Status(idx int) (Status, error) {
	s, err := m.slot(idx)
	if err != nil {
		return Status{}, err
	}
	lc := Lifecycle(s.lifecycle.Load())
	return Status{
		Instrument:     s.inst,
		Lifecycle:      lc.String(),
		Valid:          lc == Valid,
		LastAppliedSeq: s.lastSeq.Load(),
		HasApplied:     s.applied.Load(),
		Buffered:       int(s.buffered.Load()),
	}, nil
}

// TopN returns up to n levels of one side from the last published quote.
func (m *Manager) TopN(idx int, side models.Side, n int) []models.Level {
	q, ok := m.Snapshot(idx)
	if !ok {
		return nil
	}
	levels := q.Bids
	if side == models.Ask {
		levels = q.Asks
	}
	if n >= 0 && n < len(levels) {
		levels = levels[:n]
	}
	return levels
}

func applyLevels(b *book.Book, d models.Delta) {
	// levels are validated before the delta reaches the book
	for _, l := range d.Bids {
		_ = b.ApplyLevel(models.Bid, l.Price, l.Quantity)
	}
	for _, l := range d.Asks {
		_ = b.ApplyLevel(models.Ask, l.Price, l.Quantity)
	}
}

func validateDelta(d models.Delta) error {
	if d.Start <= 0 || d.End < d.Start {
		return fmt.Errorf("%w: range [%d,%d]", ErrMalformedDelta, d.Start, d.End)
	}
	if err := validateLevels(d.Bids); err != nil {
		return fmt.Errorf("%w: bids: %v", ErrMalformedDelta, err)
	}
	if err := validateLevels(d.Asks); err != nil {
		return fmt.Errorf("%w: asks: %v", ErrMalformedDelta, err)
	}
	return nil
}

func validateSnapshot(s models.Snapshot) error {
	if s.BaselineSeq < 0 {
		return fmt.Errorf("%w: baseline %d", ErrMalformedSnapshot, s.BaselineSeq)
	}
	if err := validateLevels(s.Bids); err != nil {
		return fmt.Errorf("%w: bids: %v", ErrMalformedSnapshot, err)
	}
	if err := validateLevels(s.Asks); err != nil {
		return fmt.Errorf("%w: asks: %v", ErrMalformedSnapshot, err)
	}
	return nil
}

func validateLevels(levels []models.Level) error {
	for _, l := range levels {
		if !l.Price.IsPositive() {
			return fmt.Errorf("non-positive price %s", l.Price)
		}
		if l.Quantity.IsNegative() {
			return fmt.Errorf("negative quantity %s at %s", l.Quantity, l.Price)
		}
	}
	return nil
}
