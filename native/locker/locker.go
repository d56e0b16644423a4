package locker

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/core/types"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
)

// Locker is the vesting custodian. It holds the net payout of every released
// milestone until the lock window elapses (release to the participant) or a
// dispute is resolved inside the window (reclaim to the originator).
type Locker struct {
	guard   nativecommon.ReentrancyGuard
	mu      sync.RWMutex
	address common.Address
	tokens  bank.Directory
	emitter events.Emitter
	nowFn   func() int64

	locks  []*Lock
	owners []Owner
}

// New creates a locker operating under address and moving funds through
// tokens.
func New(address common.Address, tokens bank.Directory) (*Locker, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: locker address required", coreerrors.ErrInvalidConfig)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token directory required", coreerrors.ErrInvalidConfig)
	}
	return &Locker{
		address: address,
		tokens:  tokens,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (l *Locker) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source.
func (l *Locker) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Address returns the custodian identity that holds locked funds.
func (l *Locker) Address() common.Address { return l.address }

func (l *Locker) emit(evt *types.Event) {
	if l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(events.Wrap(evt))
}

// CreateLock records a new lock owned by the calling instance and returns its
// identifier. The owner's current lock duration is stamped on the lock. The
// lock stays pending, and unannounced, until the owner commits it.
func (l *Locker) CreateLock(owner Owner, beneficiary, token common.Address, amount *big.Int, unlockAt int64, milestone uint64) (uint64, error) {
	release, err := l.guard.Enter()
	if err != nil {
		return 0, err
	}
	defer release()
	if owner == nil {
		return 0, fmt.Errorf("%w: lock owner required", coreerrors.ErrInvalidArgument)
	}
	if beneficiary == (common.Address{}) {
		return 0, fmt.Errorf("%w: beneficiary required", coreerrors.ErrInvalidArgument)
	}
	if token == (common.Address{}) {
		return 0, fmt.Errorf("%w: token required", coreerrors.ErrInvalidArgument)
	}
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("%w: lock amount must be non-negative", coreerrors.ErrInvalidArgument)
	}
	lock := &Lock{
		Owner:       owner.Address(),
		Beneficiary: beneficiary,
		Token:       token,
		Amount:      new(big.Int).Set(amount),
		Milestone:   milestone,
		UnlockAt:    unlockAt,
		Duration:    owner.LockDuration(),
		State:       LockLocked,
		pending:     true,
	}
	l.mu.Lock()
	lock.ID = uint64(len(l.locks))
	l.locks = append(l.locks, lock)
	l.owners = append(l.owners, owner)
	l.mu.Unlock()
	return lock.ID, nil
}

// Commit announces a pending lock once the operation that created it has
// funded it.
func (l *Locker) Commit(caller common.Address, id uint64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	l.mu.Lock()
	if id >= uint64(len(l.locks)) {
		l.mu.Unlock()
		return fmt.Errorf("%w: lock %d", coreerrors.ErrIndex, id)
	}
	lock := l.locks[id]
	if lock.Owner != caller {
		l.mu.Unlock()
		return fmt.Errorf("%w: lock %d owned by %s", coreerrors.ErrUnauthorized, id, lock.Owner.Hex())
	}
	if !lock.pending {
		l.mu.Unlock()
		return fmt.Errorf("%w: lock %d already committed", coreerrors.ErrInvalidState, id)
	}
	lock.pending = false
	snapshot := lock.Clone()
	l.mu.Unlock()
	l.emit(NewLockCreatedEvent(snapshot))
	return nil
}

// Release pays a vested lock to its beneficiary. Only the owning instance may
// call it, and only once now >= unlock + duration.
func (l *Locker) Release(caller common.Address, id uint64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	lock, _, err := l.operable(caller, id)
	if err != nil {
		return err
	}
	if now := l.nowFn(); now < lock.Deadline() {
		return fmt.Errorf("%w: lock %d vests at %d (now %d)", coreerrors.ErrStillLocked, id, lock.Deadline(), now)
	}
	tok, err := l.tokens.Token(lock.Token)
	if err != nil {
		return err
	}
	l.setState(lock, LockReleased)
	if err := tok.Transfer(l.address, lock.Beneficiary, lock.Amount); err != nil {
		l.setState(lock, LockLocked)
		return fmt.Errorf("%w: release lock %d: %v", coreerrors.ErrTransferFailed, id, err)
	}
	l.emit(NewLockReleasedEvent(lock))
	return nil
}

// Reclaim returns a lock to the owning instance's originator. It is the
// exact complement of Release: only possible while now < unlock + duration.
func (l *Locker) Reclaim(caller common.Address, id uint64) error {
	release, err := l.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	lock, owner, err := l.operable(caller, id)
	if err != nil {
		return err
	}
	if now := l.nowFn(); now >= lock.Deadline() {
		return fmt.Errorf("%w: lock %d vested at %d (now %d)", coreerrors.ErrWindowPassed, id, lock.Deadline(), now)
	}
	tok, err := l.tokens.Token(lock.Token)
	if err != nil {
		return err
	}
	recipient := owner.Originator()
	l.setState(lock, LockWithdrawn)
	if err := tok.Transfer(l.address, recipient, lock.Amount); err != nil {
		l.setState(lock, LockLocked)
		return fmt.Errorf("%w: reclaim lock %d: %v", coreerrors.ErrTransferFailed, id, err)
	}
	l.emit(NewLockWithdrawnEvent(lock, recipient.Hex()))
	return nil
}

// Discard drops the most recent lock of the caller when the transfer that was
// meant to fund it failed in the same operation. Committed locks cannot be
// discarded. With refund set, funds that already reached the locker are sent
// back to the owning instance.
func (l *Locker) Discard(caller common.Address, id uint64, refund bool) error {
	release, err := l.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	lock, _, err := l.operable(caller, id)
	if err != nil {
		return err
	}
	if l.Count() != int(id)+1 {
		return fmt.Errorf("%w: lock %d is not the latest lock", coreerrors.ErrInvalidState, id)
	}
	if !l.isPending(lock) {
		return fmt.Errorf("%w: lock %d already committed", coreerrors.ErrInvalidState, id)
	}
	if refund && lock.Amount.Sign() > 0 {
		tok, err := l.tokens.Token(lock.Token)
		if err != nil {
			return err
		}
		if err := tok.Transfer(l.address, caller, lock.Amount); err != nil {
			return fmt.Errorf("%w: refund lock %d: %v", coreerrors.ErrTransferFailed, id, err)
		}
	}
	l.mu.Lock()
	l.locks = l.locks[:id]
	l.owners = l.owners[:id]
	l.mu.Unlock()
	return nil
}

// Lock returns a copy of the lock.
func (l *Locker) Lock(id uint64) (*Lock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.locks)) {
		return nil, fmt.Errorf("%w: lock %d", coreerrors.ErrIndex, id)
	}
	return l.locks[id].Clone(), nil
}

// Deadline returns unlock + duration for the lock.
func (l *Locker) Deadline(id uint64) (int64, error) {
	lock, err := l.Lock(id)
	if err != nil {
		return 0, err
	}
	return lock.Deadline(), nil
}

// Count returns the number of locks ever created.
func (l *Locker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.locks)
}

// Locks returns a snapshot of every lock.
func (l *Locker) Locks() []*Lock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Lock, len(l.locks))
	for i, lock := range l.locks {
		out[i] = lock.Clone()
	}
	return out
}

func (l *Locker) operable(caller common.Address, id uint64) (*Lock, Owner, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id >= uint64(len(l.locks)) {
		return nil, nil, fmt.Errorf("%w: lock %d", coreerrors.ErrIndex, id)
	}
	lock := l.locks[id]
	if lock.Owner != caller {
		return nil, nil, fmt.Errorf("%w: lock %d owned by %s", coreerrors.ErrUnauthorized, id, lock.Owner.Hex())
	}
	if lock.State != LockLocked {
		return nil, nil, fmt.Errorf("%w: lock %d is %s", coreerrors.ErrInvalidState, id, lock.State)
	}
	return lock, l.owners[id], nil
}

func (l *Locker) isPending(lock *Lock) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return lock.pending
}

func (l *Locker) setState(lock *Lock, state LockState) {
	l.mu.Lock()
	lock.State = state
	l.mu.Unlock()
}
