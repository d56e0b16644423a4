package locker

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LockState tracks the custody lifecycle of a single lock. A lock leaves
// LockLocked exactly once, either to LockReleased or to LockWithdrawn.
type LockState uint8

const (
	LockLocked LockState = iota
	LockReleased
	LockWithdrawn
)

// String returns the lower-case state name used in events and the API.
func (s LockState) String() string {
	switch s {
	case LockLocked:
		return "locked"
	case LockReleased:
		return "released"
	case LockWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

// Owner is the narrow view of an escrow instance the locker needs: the
// identity that may operate the lock, the party refunded on reclaim, and the
// vesting window applied when the lock is created.
type Owner interface {
	Address() common.Address
	Originator() common.Address
	LockDuration() int64
}

// Lock escrows the net payout of one released milestone.
type Lock struct {
	ID          uint64
	Owner       common.Address
	Beneficiary common.Address
	Token       common.Address
	Amount      *big.Int
	Milestone   uint64
	UnlockAt    int64
	State       LockState

	// Duration is the lock window captured from the owner when the lock was
	// created. Later policy changes do not move an existing lock's deadline.
	Duration int64

	// pending locks have not been announced yet; only they may be discarded.
	pending bool
}

// Deadline is the instant at which reclaim stops being possible and release
// becomes possible.
func (l *Lock) Deadline() int64 {
	if l == nil {
		return 0
	}
	return l.UnlockAt + l.Duration
}

// Clone returns a deep copy of the lock.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Amount != nil {
		clone.Amount = new(big.Int).Set(l.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}
