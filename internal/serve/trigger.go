package serve

import "sync/atomic"

const (
	flagTriggered uint32 = 1 << iota
	flagInProgress
)

// TriggerState guards the cold-cache background sweep. Both flags flip together in one
// compare-and-swap so concurrent cold requests cannot both start a sweep.
type TriggerState struct {
	v atomic.Uint32
}

func NewTriggerState() *TriggerState { return &TriggerState{} }

// TryStart moves {false,false} to {true,true} and reports whether this caller won.
func (t *TriggerState) TryStart() bool {
	return t.v.CompareAndSwap(0, flagTriggered|flagInProgress)
}

// Finish clears inProgress. A failed sweep also clears triggered so a later cold request retries.
func (t *TriggerState) Finish(success bool) {
	if success {
		t.v.Store(flagTriggered)
		return
	}
	t.v.Store(0)
}

// Idle reports {false,false}: nothing started this process lifetime, or the last sweep failed.
func (t *TriggerState) Idle() bool { return t.v.Load() == 0 }

func (t *TriggerState) Snapshot() (triggered, inProgress bool) {
	v := t.v.Load()
	return v&flagTriggered != 0, v&flagInProgress != 0
}
