package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cantinaworks/djrex/internal/event"
)

// TxnState tracks the lifecycle of a [Txn].
type TxnState string

const (
	TxnOpen       TxnState = "open"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
)

// ErrTxnClosed is returned when staging or committing a transaction that has
// already committed or rolled back.
var ErrTxnClosed = errors.New("bus: transaction is not open")

// txnOp is one staged operation: either an emit or a local action, each with
// an optional compensating action run in reverse order on rollback.
type txnOp struct {
	topic      string
	payload    event.Payload
	action     func(ctx context.Context) error
	compensate func(ctx context.Context)
}

// Txn buffers a bounded set of emits and local actions so they either all
// take effect or are undone via compensating actions. The mode manager uses
// it to make mode transitions atomic: if any handler of a staged event fails,
// the previously executed operations are compensated in reverse order.
//
// A Txn is single-use and not safe for concurrent use; callers serialise
// access (the mode manager holds its transition lock across the whole
// transaction).
type Txn struct {
	bus   *Bus
	state TxnState
	ops   []txnOp
}

// Transaction opens a new transaction on b.
func (b *Bus) Transaction() *Txn {
	return &Txn{bus: b, state: TxnOpen}
}

// State returns the transaction's current lifecycle state.
func (t *Txn) State() TxnState { return t.state }

// Stage buffers an emit of payload on topic. compensate, when non-nil, runs
// during rollback if this emit had already executed. Returns ErrTxnClosed
// when the transaction is no longer open.
func (t *Txn) Stage(topic string, payload event.Payload, compensate func(ctx context.Context)) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	t.ops = append(t.ops, txnOp{topic: topic, payload: payload, compensate: compensate})
	return nil
}

// StageFunc buffers a local action (e.g., applying an internal state change
// between two staged emits). The action's error aborts the commit just like a
// handler error would.
func (t *Txn) StageFunc(action func(ctx context.Context) error, compensate func(ctx context.Context)) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	t.ops = append(t.ops, txnOp{action: action, compensate: compensate})
	return nil
}

// Commit executes the staged operations in order. Emits are delivered through
// the bus; a handler error (or local action error) stops the sequence, runs
// the compensations of every already-executed operation in reverse order,
// moves the transaction to rolled_back, and returns the failure. On success
// the transaction moves to committed and Commit returns nil.
func (t *Txn) Commit(ctx context.Context) error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}

	for i, op := range t.ops {
		var err error
		if op.action != nil {
			err = op.action(ctx)
		} else {
			err = t.bus.Emit(ctx, op.topic, op.payload)
		}
		if err != nil {
			t.rollbackFrom(ctx, i-1)
			t.state = TxnRolledBack
			if op.topic != "" {
				return fmt.Errorf("bus: transaction aborted at emit %q: %w", op.topic, err)
			}
			return fmt.Errorf("bus: transaction aborted at action %d: %w", i, err)
		}
	}

	t.state = TxnCommitted
	return nil
}

// Rollback abandons an open transaction before Commit has executed anything.
// Used when the caller detects a precondition failure after staging. Staged
// operations are discarded; no compensations run because nothing executed.
func (t *Txn) Rollback() error {
	if t.state != TxnOpen {
		return ErrTxnClosed
	}
	t.state = TxnRolledBack
	return nil
}

// rollbackFrom runs compensations for ops[0..last] in reverse order.
func (t *Txn) rollbackFrom(ctx context.Context, last int) {
	for i := last; i >= 0; i-- {
		if t.ops[i].compensate != nil {
			t.ops[i].compensate(ctx)
		}
	}
}
