package registry

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/core/types"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
	"milestonemarket/native/escrow"
)

// FeeDenominator is the fixed denominator applied to the percentage fee.
const FeeDenominator uint64 = 100

// Config wires a registry. Template is the configuration every instance is
// cloned from; Native is the asset the flat creation fee is paid in.
type Config struct {
	Address  common.Address
	Owner    common.Address
	Template *escrow.Template
	Native   bank.Token
	Emitter  events.Emitter
}

// Policy is a snapshot of the global fee and vesting configuration.
type Policy struct {
	Fee  escrow.FeePolicy
	Lock escrow.LockPolicy
}

// Registry creates escrow instances, holds the global policy, and indexes
// active instances by position and by originator. It is not safe for
// concurrent use; the hosting market serialises calls.
type Registry struct {
	guard    nativecommon.ReentrancyGuard
	address  common.Address
	owner    common.Address
	template *escrow.Template
	native   bank.Token
	emitter  events.Emitter
	nonce    uint64

	fee  escrow.FeePolicy
	lock escrow.LockPolicy

	instances map[common.Address]*escrow.Instance
	active    []common.Address
	// byOriginator lists the active positions each originator owns.
	byOriginator map[common.Address][]uint64
	// positionOwner and positionSlot locate the byOriginator entry that
	// points at a given active position.
	positionOwner map[uint64]common.Address
	positionSlot  map[uint64]uint64
	operators     map[common.Address]bool
}

// New instantiates a registry. The template is stored for the lifetime of
// the registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.Template.Validate(); err != nil {
		return nil, err
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: registry address required", coreerrors.ErrInvalidConfig)
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: registry owner required", coreerrors.ErrInvalidConfig)
	}
	if cfg.Native == nil {
		return nil, fmt.Errorf("%w: native asset required", coreerrors.ErrInvalidConfig)
	}
	r := &Registry{
		address:       cfg.Address,
		owner:         cfg.Owner,
		template:      cfg.Template,
		native:        cfg.Native,
		emitter:       events.NoopEmitter{},
		fee:           escrow.FeePolicy{FlatFee: big.NewInt(0), Denominator: FeeDenominator},
		instances:     make(map[common.Address]*escrow.Instance),
		byOriginator:  make(map[common.Address][]uint64),
		positionOwner: make(map[uint64]common.Address),
		positionSlot:  make(map[uint64]uint64),
		operators:     make(map[common.Address]bool),
	}
	if cfg.Emitter != nil {
		r.emitter = cfg.Emitter
	}
	return r, nil
}

func (r *Registry) emit(evt *types.Event) {
	if r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(events.Wrap(evt))
}

// Address returns the registry identity instance addresses derive from.
func (r *Registry) Address() common.Address { return r.address }

// Owner returns the identity allowed to change policy and operators.
func (r *Registry) Owner() common.Address { return r.owner }

func (r *Registry) requireOwner(caller common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("%w: caller %s is not the registry owner", coreerrors.ErrUnauthorized, caller.Hex())
	}
	return nil
}

// SetLockPolicy configures the vesting custodian and the lock window in
// seconds. Owner only.
func (r *Registry) SetLockPolicy(caller common.Address, custodian escrow.Custodian, duration int64) error {
	release, err := r.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if custodian == nil || custodian.Address() == (common.Address{}) {
		return fmt.Errorf("%w: custodian required", coreerrors.ErrInvalidConfig)
	}
	if duration <= 0 {
		return fmt.Errorf("%w: lock duration must be positive", coreerrors.ErrInvalidConfig)
	}
	r.lock = escrow.LockPolicy{Custodian: custodian, Duration: duration}
	r.emit(NewLockInfoSetEvent(custodian.Address(), duration))
	return nil
}

// SetFeePolicy configures the fee recipient, the flat creation fee and the
// percentage fee taken on release. Owner only.
func (r *Registry) SetFeePolicy(caller, recipient common.Address, flatFee *big.Int, percent uint64) error {
	release, err := r.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: fee recipient required", coreerrors.ErrInvalidConfig)
	}
	if flatFee == nil || flatFee.Sign() < 0 {
		return fmt.Errorf("%w: flat fee must be non-negative", coreerrors.ErrInvalidConfig)
	}
	if percent > FeeDenominator {
		return fmt.Errorf("%w: percent fee %d exceeds %d", coreerrors.ErrInvalidConfig, percent, FeeDenominator)
	}
	r.fee = escrow.FeePolicy{
		Recipient:   recipient,
		FlatFee:     new(big.Int).Set(flatFee),
		Percent:     percent,
		Denominator: FeeDenominator,
	}
	r.emit(NewFeeInfoSetEvent(r.fee))
	return nil
}

// FeePolicy implements escrow.Factory.
func (r *Registry) FeePolicy() escrow.FeePolicy {
	p := r.fee
	p.FlatFee = new(big.Int).Set(r.fee.FlatFee)
	return p
}

// LockPolicy implements escrow.Factory.
func (r *Registry) LockPolicy() escrow.LockPolicy { return r.lock }

// Policy returns the current fee and vesting configuration.
func (r *Registry) Policy() Policy {
	return Policy{Fee: r.FeePolicy(), Lock: r.LockPolicy()}
}

// SetOperator grants or revokes the dispute operator role. Owner only.
func (r *Registry) SetOperator(caller, operator common.Address, enabled bool) error {
	release, err := r.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if operator == (common.Address{}) {
		return fmt.Errorf("%w: operator required", coreerrors.ErrInvalidArgument)
	}
	if enabled {
		r.operators[operator] = true
	} else {
		delete(r.operators, operator)
	}
	r.emit(NewOperatorSetEvent(operator, enabled))
	return nil
}

// IsOperator implements escrow.Factory.
func (r *Registry) IsOperator(who common.Address) bool { return r.operators[who] }

// Operators lists the identities holding the operator role.
func (r *Registry) Operators() []common.Address {
	out := make([]common.Address, 0, len(r.operators))
	for op := range r.operators {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// CreateEscrowInstance clones the template into a new instance owned by the
// caller. paid must equal the flat fee and is forwarded to the fee recipient.
// The new instance and its active-list position are returned.
func (r *Registry) CreateEscrowInstance(caller common.Address, meta string, paid *big.Int) (*escrow.Instance, uint64, error) {
	release, err := r.guard.Enter()
	if err != nil {
		return nil, 0, err
	}
	defer release()
	if r.fee.Recipient == (common.Address{}) || r.lock.Custodian == nil {
		return nil, 0, coreerrors.ErrPolicyNotSet
	}
	if paid == nil {
		paid = big.NewInt(0)
	}
	if paid.Cmp(r.fee.FlatFee) != 0 {
		return nil, 0, fmt.Errorf("%w: paid %s, flat fee %s", coreerrors.ErrPaymentMismatch, paid, r.fee.FlatFee)
	}
	meta = escrow.NormalizeMeta(meta)
	addr := crypto.CreateAddress(r.address, r.nonce)
	inst, err := r.template.Clone(addr, r)
	if err != nil {
		return nil, 0, err
	}
	if err := inst.Initialize(caller, meta); err != nil {
		return nil, 0, err
	}

	position := uint64(len(r.active))
	slot := uint64(len(r.byOriginator[caller]))
	r.nonce++
	r.instances[addr] = inst
	r.active = append(r.active, addr)
	r.byOriginator[caller] = append(r.byOriginator[caller], position)
	r.positionOwner[position] = caller
	r.positionSlot[position] = slot

	if paid.Sign() > 0 {
		if err := r.native.Transfer(caller, r.fee.Recipient, paid); err != nil {
			r.nonce--
			delete(r.instances, addr)
			r.active = r.active[:position]
			r.dropPosition(caller, slot)
			delete(r.positionOwner, position)
			delete(r.positionSlot, position)
			return nil, 0, fmt.Errorf("%w: creation fee: %v", coreerrors.ErrTransferFailed, err)
		}
	}
	r.emit(NewEscrowCreatedEvent(caller, addr, position, meta))
	return inst, position, nil
}

// dropPosition truncates the originator index after a failed creation; the
// entry being dropped is always the most recent one.
func (r *Registry) dropPosition(originator common.Address, slot uint64) {
	list := r.byOriginator[originator][:slot]
	if len(list) == 0 {
		delete(r.byOriginator, originator)
		return
	}
	r.byOriginator[originator] = list
}

// ListActiveInstances returns a snapshot of the active list.
func (r *Registry) ListActiveInstances() []common.Address {
	return append([]common.Address(nil), r.active...)
}

// ListOwnPositions returns the active positions held by originator.
func (r *Registry) ListOwnPositions(originator common.Address) []uint64 {
	return append([]uint64(nil), r.byOriginator[originator]...)
}

// Instance returns any instance ever created by this registry, including
// destroyed ones.
func (r *Registry) Instance(addr common.Address) (*escrow.Instance, error) {
	inst, ok := r.instances[addr]
	if !ok {
		return nil, fmt.Errorf("%w: unknown escrow %s", coreerrors.ErrIndex, addr.Hex())
	}
	return inst, nil
}

// Locate returns the current active position of an instance and the slot of
// that position in its originator's index, i.e. the arguments Destroy needs.
func (r *Registry) Locate(addr common.Address) (position, ownPosition uint64, ok bool) {
	for i, candidate := range r.active {
		if candidate == addr {
			position = uint64(i)
			return position, r.positionSlot[position], true
		}
	}
	return 0, 0, false
}

// RemoveInstance drops the calling instance from the active list and from its
// originator's index. Both structures are compacted by moving their last
// element into the vacated slot. Only the instance stored at position may
// remove itself.
func (r *Registry) RemoveInstance(caller common.Address, position, ownPosition uint64, originator common.Address) error {
	release, err := r.guard.Enter()
	if err != nil {
		return err
	}
	defer release()
	if position >= uint64(len(r.active)) {
		return fmt.Errorf("%w: position %d of %d", coreerrors.ErrIndex, position, len(r.active))
	}
	if r.active[position] != caller {
		return fmt.Errorf("%w: position %d does not hold %s", coreerrors.ErrIndex, position, caller.Hex())
	}
	own := r.byOriginator[originator]
	if ownPosition >= uint64(len(own)) || own[ownPosition] != position {
		return fmt.Errorf("%w: own position %d of %s does not resolve to %d", coreerrors.ErrIndex, ownPosition, originator.Hex(), position)
	}

	// Originator index: move the last entry into the vacated slot.
	lastSlot := uint64(len(own) - 1)
	if ownPosition != lastSlot {
		moved := own[lastSlot]
		own[ownPosition] = moved
		r.positionSlot[moved] = ownPosition
	}
	if lastSlot == 0 {
		delete(r.byOriginator, originator)
	} else {
		r.byOriginator[originator] = own[:lastSlot]
	}
	delete(r.positionOwner, position)
	delete(r.positionSlot, position)

	// Active list: move the last instance into the vacated position and
	// repoint the originator index entry that referenced it.
	last := uint64(len(r.active) - 1)
	if position != last {
		r.active[position] = r.active[last]
		movedOwner := r.positionOwner[last]
		movedSlot := r.positionSlot[last]
		r.byOriginator[movedOwner][movedSlot] = position
		r.positionOwner[position] = movedOwner
		r.positionSlot[position] = movedSlot
		delete(r.positionOwner, last)
		delete(r.positionSlot, last)
	}
	r.active = r.active[:last]
	r.emit(NewEscrowRemovedEvent(originator, caller, position))
	return nil
}

// CheckConsistency verifies that the active list and the originator index
// describe each other exactly. It returns nil when they do.
func (r *Registry) CheckConsistency() error {
	seen := make(map[uint64]bool, len(r.active))
	entries := 0
	for originator, positions := range r.byOriginator {
		if len(positions) == 0 {
			return fmt.Errorf("originator %s has an empty index", originator.Hex())
		}
		for slot, position := range positions {
			entries++
			if position >= uint64(len(r.active)) {
				return fmt.Errorf("originator %s slot %d points past the active list (%d)", originator.Hex(), slot, position)
			}
			if seen[position] {
				return fmt.Errorf("position %d indexed twice", position)
			}
			seen[position] = true
			if r.positionOwner[position] != originator || r.positionSlot[position] != uint64(slot) {
				return fmt.Errorf("position %d lookup disagrees with originator %s slot %d", position, originator.Hex(), slot)
			}
			inst, ok := r.instances[r.active[position]]
			if !ok {
				return fmt.Errorf("position %d holds unknown instance", position)
			}
			if inst.Originator() != originator {
				return fmt.Errorf("position %d indexed under %s but owned by %s", position, originator.Hex(), inst.Originator().Hex())
			}
		}
	}
	if entries != len(r.active) || len(r.positionOwner) != len(r.active) || len(r.positionSlot) != len(r.active) {
		return fmt.Errorf("index sizes disagree: active=%d indexed=%d owners=%d slots=%d", len(r.active), entries, len(r.positionOwner), len(r.positionSlot))
	}
	return nil
}
