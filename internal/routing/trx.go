package routing

import "github.com/sqlrelay/sqlrelay/internal/classifier"

// TrxState is a bitset tracking explicit transaction state; it does not
// reflect autocommit (spec.md §3 TrxTracker).
type TrxState uint8

const (
	TrxActive TrxState = 1 << iota
	TrxReadOnly
	TrxEnding
	TrxStarting
)

func (s TrxState) Has(bit TrxState) bool { return s&bit != 0 }

// TrxTracker tracks explicit-transaction state from the statements the
// protocol layer has reported (spec.md §3/§4.2).
type TrxTracker struct {
	state TrxState
}

// State returns the current bitset.
func (t *TrxTracker) State() TrxState { return t.state }

func (t *TrxTracker) IsActive() bool    { return t.state.Has(TrxActive) }
func (t *TrxTracker) IsReadOnly() bool  { return t.state.Has(TrxReadOnly) }
func (t *TrxTracker) IsEnding() bool    { return t.state.Has(TrxEnding) }
func (t *TrxTracker) IsStarting() bool  { return t.state.Has(TrxStarting) }

// TrackTransactionState folds one statement's type mask into the
// tracker's bits (spec.md §4.4 step 2).
func (t *TrxTracker) TrackTransactionState(typeMask classifier.TypeMask) {
	t.state &^= TrxStarting | TrxEnding

	switch {
	case typeMask.Has(classifier.TypeBeginTrx):
		t.state |= TrxActive | TrxStarting
		t.state &^= TrxReadOnly
	case typeMask.Has(classifier.TypeCommit), typeMask.Has(classifier.TypeRollback):
		if t.state.Has(TrxActive) {
			t.state |= TrxEnding
		}
		t.state &^= TrxActive
	}
}

// SetReadOnly marks the current transaction (if active) as read-only,
// used when a BEGIN carries "START TRANSACTION READ ONLY" semantics.
func (t *TrxTracker) SetReadOnly(ro bool) {
	if ro {
		t.state |= TrxReadOnly
	} else {
		t.state &^= TrxReadOnly
	}
}

// Reset clears all transaction bits, used when a reply confirms the
// server ended the transaction (spec.md §4.4 update_from_reply).
func (t *TrxTracker) Reset() {
	t.state = 0
}
