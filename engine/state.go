package engine

import "bookflow/models"

// SymbolState is the per instrument sequence bookkeeping. LastAppliedSeq is
// only meaningful when HasApplied is set.
type SymbolState struct {
	Lifecycle       Lifecycle
	LastAppliedSeq  int64
	HasApplied      bool
	SnapshotPending bool

	baseline *models.Snapshot
	buffer   *DeltaBuffer
}

func newSymbolState(bufferCap int) SymbolState {
	return SymbolState{Lifecycle: Unsynced, buffer: NewDeltaBuffer(bufferCap)}
}

// reset drops everything learned since the last baseline. A pending snapshot
// request stays pending.
func (s *SymbolState) reset() {
	s.Lifecycle = Unsynced
	s.LastAppliedSeq = 0
	s.HasApplied = false
	s.baseline = nil
	s.buffer.Clear()
}
