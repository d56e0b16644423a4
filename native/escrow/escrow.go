package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/core/types"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
	"milestonemarket/native/locker"
)

// Custodian is the vesting custodian surface an instance depends on.
type Custodian interface {
	Address() common.Address
	CreateLock(owner locker.Owner, beneficiary, token common.Address, amount *big.Int, unlockAt int64, milestone uint64) (uint64, error)
	Release(caller common.Address, id uint64) error
	Reclaim(caller common.Address, id uint64) error
	Discard(caller common.Address, id uint64, refund bool) error
	Commit(caller common.Address, id uint64) error
	Deadline(id uint64) (int64, error)
}

// Factory is the registry surface an instance depends on: policy lookups,
// the operator role, and the removal callback used by Destroy.
type Factory interface {
	FeePolicy() FeePolicy
	LockPolicy() LockPolicy
	IsOperator(who common.Address) bool
	RemoveInstance(caller common.Address, position, ownPosition uint64, originator common.Address) error
}

// Template is the shared configuration every instance is cloned from. All
// instances behave identically and differ only in their data.
type Template struct {
	Tokens  bank.Directory
	Now     func() int64
	Emitter events.Emitter
}

// Validate reports whether the template can produce working instances.
func (t *Template) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: escrow template required", coreerrors.ErrInvalidConfig)
	}
	if t.Tokens == nil {
		return fmt.Errorf("%w: escrow template token directory required", coreerrors.ErrInvalidConfig)
	}
	return nil
}

// Clone constructs an uninitialised instance at address bound to factory.
func (t *Template) Clone(address common.Address, factory Factory) (*Instance, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: instance address required", coreerrors.ErrInvalidArgument)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: factory required", coreerrors.ErrInvalidArgument)
	}
	nowFn := t.Now
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().Unix() }
	}
	var emitter events.Emitter = events.NoopEmitter{}
	if t.Emitter != nil {
		emitter = t.Emitter
	}
	return &Instance{
		address: address,
		factory: factory,
		tokens:  t.Tokens,
		emitter: emitter,
		nowFn:   nowFn,
	}, nil
}

// Instance is a per-engagement escrow holding an ordered set of milestones.
// It is not safe for concurrent use; the hosting market serialises calls.
type Instance struct {
	guard   nativecommon.ReentrancyGuard
	address common.Address
	factory Factory
	tokens  bank.Directory
	emitter events.Emitter
	nowFn   func() int64

	initialized bool
	destroyed   bool
	originator  common.Address
	meta        string
	milestones  []*Milestone
}

// Initialize binds the instance to its originator. It succeeds once.
func (e *Instance) Initialize(originator common.Address, meta string) error {
	if e.initialized {
		return fmt.Errorf("%w: instance %s already initialised", coreerrors.ErrInvalidState, e.address.Hex())
	}
	if originator == (common.Address{}) {
		return fmt.Errorf("%w: originator required", coreerrors.ErrInvalidArgument)
	}
	e.originator = originator
	e.meta = NormalizeMeta(meta)
	e.initialized = true
	return nil
}

// NormalizeMeta puts free-form descriptions in Unicode NFC so that the same
// text always produces the same events and journal digests.
func NormalizeMeta(meta string) string { return norm.NFC.String(meta) }

// Address returns the identity of the instance.
func (e *Instance) Address() common.Address { return e.address }

// Originator returns the party that funds the instance. It is also the
// locker's refund callback and keeps answering after Destroy.
func (e *Instance) Originator() common.Address { return e.originator }

// LockDuration proxies the registry's current vesting window. It is the
// locker's duration callback and keeps answering after Destroy.
func (e *Instance) LockDuration() int64 {
	return e.factory.LockPolicy().Duration
}

// Destroyed reports whether the instance has been removed from the registry.
func (e *Instance) Destroyed() bool { return e.destroyed }

// Info returns the instance summary.
func (e *Instance) Info() (*Info, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return &Info{
		Address:      e.address,
		Originator:   e.originator,
		Meta:         e.meta,
		LockDuration: e.LockDuration(),
		Milestones:   len(e.milestones),
	}, nil
}

// Meta returns the description the instance was created with.
func (e *Instance) Meta() (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	return e.meta, nil
}

// Milestone returns a copy of the milestone at index.
func (e *Instance) Milestone(index uint64) (*Milestone, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	m, err := e.milestone(index)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Milestones returns copies of every milestone in index order.
func (e *Instance) Milestones() ([]*Milestone, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	out := make([]*Milestone, len(e.milestones))
	for i, m := range e.milestones {
		out[i] = m.Clone()
	}
	return out, nil
}

// CountByState returns how many milestones are in state.
func (e *Instance) CountByState(state MilestoneState) (int, error) {
	if err := e.live(); err != nil {
		return 0, err
	}
	if !state.Valid() {
		return 0, fmt.Errorf("%w: milestone state %d", coreerrors.ErrInvalidArgument, state)
	}
	count := 0
	for _, m := range e.milestones {
		if m.State == state {
			count++
		}
	}
	return count, nil
}

func (e *Instance) live() error {
	if e.destroyed {
		return fmt.Errorf("%w: %s", coreerrors.ErrInstanceDestroyed, e.address.Hex())
	}
	if !e.initialized {
		return fmt.Errorf("%w: instance %s not initialised", coreerrors.ErrInvalidState, e.address.Hex())
	}
	return nil
}

func (e *Instance) milestone(index uint64) (*Milestone, error) {
	if index >= uint64(len(e.milestones)) {
		return nil, fmt.Errorf("%w: milestone %d of %d", coreerrors.ErrIndex, index, len(e.milestones))
	}
	return e.milestones[index], nil
}

func (e *Instance) now() int64 { return e.nowFn() }

func (e *Instance) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(events.Wrap(evt))
}

func (e *Instance) requireOriginator(caller common.Address) error {
	if caller != e.originator {
		return fmt.Errorf("%w: caller %s is not the originator", coreerrors.ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (e *Instance) requireParticipant(caller common.Address, m *Milestone) error {
	if caller != m.Participant {
		return fmt.Errorf("%w: caller %s is not the participant of milestone %d", coreerrors.ErrUnauthorized, caller.Hex(), m.Index)
	}
	return nil
}

func (e *Instance) token(addr common.Address) (bank.Token, error) {
	tok, err := e.tokens.Token(addr)
	if err != nil {
		if errors.Is(err, coreerrors.ErrTransferFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", coreerrors.ErrTransferFailed, err)
	}
	return tok, nil
}

func invalidState(m *Milestone, op string) error {
	return fmt.Errorf("%w: cannot %s milestone %d in state %s", coreerrors.ErrInvalidState, op, m.Index, m.State)
}
