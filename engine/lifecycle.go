package engine

import "fmt"

// Lifecycle is the reconciliation state of one instrument.
type Lifecycle uint32

const (
	Unsynced Lifecycle = iota
	Syncing
	Valid
	Invalid
)

func (l Lifecycle) String() string {
	switch l {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("lifecycle(%d)", uint32(l))
	}
}

// Trigger is an event that moves an instrument between lifecycle states.
type Trigger uint8

const (
	SnapshotArrived Trigger = iota
	NoQualifying
	ReplayContiguous
	ReplayGap
	Gap
	ForceResync
	BufferOverflow
	Restart
)

func (t Trigger) String() string {
	switch t {
	case SnapshotArrived:
		return "snapshot_arrived"
	case NoQualifying:
		return "no_qualifying"
	case ReplayContiguous:
		return "replay_contiguous"
	case ReplayGap:
		return "replay_gap"
	case Gap:
		return "gap"
	case ForceResync:
		return "force_resync"
	case BufferOverflow:
		return "buffer_overflow"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
}

type edge struct {
	from    Lifecycle
	trigger Trigger
}

var transitions = map[edge]Lifecycle{
	{Unsynced, SnapshotArrived}: Syncing,
	{Syncing, SnapshotArrived}:  Syncing,
	{Syncing, NoQualifying}:     Syncing,
	{Syncing, ReplayContiguous}: Valid,
	{Syncing, ReplayGap}:        Invalid,
	{Valid, Gap}:                Invalid,
	{Valid, ForceResync}:        Invalid,
	{Unsynced, ForceResync}:     Unsynced,
	{Syncing, ForceResync}:      Unsynced,
	{Unsynced, BufferOverflow}:  Unsynced,
	{Syncing, BufferOverflow}:   Unsynced,
	{Invalid, Restart}:          Unsynced,
}

// Transition returns the state reached from `from` on trigger t.
func Transition(from Lifecycle, t Trigger) (Lifecycle, error) {
	to, ok := transitions[edge{from, t}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, from, t)
	}
	return to, nil
}
