package market

import (
	"log/slog"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/native/escrow"
	"milestonemarket/native/locker"
)

const noIndex = math.MaxUint64

// Policy is the registry policy as exposed to clients.
type Policy struct {
	FeeRecipient common.Address
	FlatFee      *big.Int
	PercentFee   uint64
	Denominator  uint64
	Custodian    common.Address
	LockDuration int64
}

// Created describes a freshly created instance.
type Created struct {
	Address  common.Address
	Position uint64
}

// Instance summarises an escrow instance, including destroyed ones.
type Instance struct {
	escrow.Info
	Destroyed bool
}

// SetLockPolicy points the registry at the market's locker with the given
// window in seconds.
func (m *Market) SetLockPolicy(caller common.Address, durationSeconds int64) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.Int64("duration", durationSeconds)}
	return m.do("registry", "set_lock_policy", attrs, func() error {
		return m.registry.SetLockPolicy(caller, m.locker, durationSeconds)
	})
}

// SetFeePolicy updates the fee recipient, flat creation fee and percentage.
func (m *Market) SetFeePolicy(caller, recipient common.Address, flatFee *big.Int, percent uint64) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("recipient", recipient.Hex())}
	return m.do("registry", "set_fee_policy", attrs, func() error {
		return m.registry.SetFeePolicy(caller, recipient, flatFee, percent)
	})
}

// SetOperator grants or revokes the dispute operator role.
func (m *Market) SetOperator(caller, operator common.Address, enabled bool) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("operator", operator.Hex()), slog.Bool("enabled", enabled)}
	return m.do("registry", "set_operator", attrs, func() error {
		return m.registry.SetOperator(caller, operator, enabled)
	})
}

// Policy returns the current registry policy.
func (m *Market) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.registry.Policy()
	out := Policy{
		FeeRecipient: p.Fee.Recipient,
		FlatFee:      p.Fee.FlatFee,
		PercentFee:   p.Fee.Percent,
		Denominator:  p.Fee.Denominator,
		LockDuration: p.Lock.Duration,
	}
	if p.Lock.Custodian != nil {
		out.Custodian = p.Lock.Custodian.Address()
	}
	return out
}

// Operators lists the identities holding the operator role.
func (m *Market) Operators() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Operators()
}

// IsOperator reports whether who holds the operator role.
func (m *Market) IsOperator(who common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.IsOperator(who)
}

// CreateEscrow creates an instance owned by caller, paying the flat fee in
// the native token.
func (m *Market) CreateEscrow(caller common.Address, meta string, paid *big.Int) (Created, error) {
	var out Created
	attrs := []any{slog.String("caller", caller.Hex())}
	err := m.do("registry", "create_escrow", attrs, func() error {
		inst, position, err := m.registry.CreateEscrowInstance(caller, meta, paid)
		if err != nil {
			return err
		}
		out = Created{Address: inst.Address(), Position: position}
		return nil
	})
	return out, err
}

// ActiveEscrows returns the registry's active list.
func (m *Market) ActiveEscrows() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.ListActiveInstances()
}

// OwnPositions returns the active-list positions held by originator.
func (m *Market) OwnPositions(originator common.Address) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.ListOwnPositions(originator)
}

// Escrow returns the summary of an instance. Destroyed instances report only
// their address and the Destroyed flag.
func (m *Market) Escrow(addr common.Address) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(addr)
	if err != nil {
		return Instance{}, err
	}
	if inst.Destroyed() {
		return Instance{Info: escrow.Info{Address: addr}, Destroyed: true}, nil
	}
	info, err := inst.Info()
	if err != nil {
		return Instance{}, err
	}
	return Instance{Info: *info}, nil
}

// Milestones returns every milestone of an instance.
func (m *Market) Milestones(addr common.Address) ([]*escrow.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(addr)
	if err != nil {
		return nil, err
	}
	return inst.Milestones()
}

// Milestone returns one milestone of an instance.
func (m *Market) Milestone(addr common.Address, index uint64) (*escrow.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(addr)
	if err != nil {
		return nil, err
	}
	return inst.Milestone(index)
}

// CountByState counts the milestones of an instance in state.
func (m *Market) CountByState(addr common.Address, state escrow.MilestoneState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(addr)
	if err != nil {
		return 0, err
	}
	return inst.CountByState(state)
}

// CreateMilestone appends a milestone to the instance at addr.
func (m *Market) CreateMilestone(caller, addr common.Address, terms escrow.Terms) (uint64, error) {
	var index uint64
	err := m.withInstance("create_milestone", caller, addr, noIndex, func(inst *escrow.Instance) error {
		var err error
		index, err = inst.CreateMilestone(caller, terms)
		return err
	})
	return index, err
}

// UpdateMilestone rewrites the terms of a milestone still in Created.
func (m *Market) UpdateMilestone(caller, addr common.Address, index uint64, terms escrow.Terms) error {
	return m.withInstance("update_milestone", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.UpdateMilestone(caller, index, terms)
	})
}

// Agree accepts a milestone's terms.
func (m *Market) Agree(caller, addr common.Address, index uint64) error {
	return m.withInstance("agree", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.AgreeMilestone(caller, index)
	})
}

// Deposit funds a milestone from the originator's allowance.
func (m *Market) Deposit(caller, addr common.Address, index uint64) error {
	return m.withInstance("deposit", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.DepositMilestone(caller, index)
	})
}

// Request signals that a due milestone is awaiting release.
func (m *Market) Request(caller, addr common.Address, index uint64) error {
	return m.withInstance("request", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.RequestMilestone(caller, index)
	})
}

// Release pays a milestone out into a lock.
func (m *Market) Release(caller, addr common.Address, index uint64) error {
	return m.withInstance("release", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.ReleaseMilestone(caller, index)
	})
}

// Dispute contests a release inside its lock window.
func (m *Market) Dispute(caller, addr common.Address, index uint64) error {
	return m.withInstance("dispute", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.CreateDispute(caller, index)
	})
}

// Resolve settles a dispute in the originator's favour.
func (m *Market) Resolve(caller, addr common.Address, index uint64) error {
	return m.withInstance("resolve", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.ResolveDispute(caller, index)
	})
}

// CancelDispute withdraws a dispute.
func (m *Market) CancelDispute(caller, addr common.Address, index uint64) error {
	return m.withInstance("cancel_dispute", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.CancelDispute(caller, index)
	})
}

// Claim pays a vested lock to the participant.
func (m *Market) Claim(caller, addr common.Address, index uint64) error {
	return m.withInstance("claim", caller, addr, index, func(inst *escrow.Instance) error {
		return inst.Claim(caller, index)
	})
}

// Destroy removes an instance whose milestones are all released. The
// registry positions are looked up on the caller's behalf.
func (m *Market) Destroy(caller, addr common.Address) error {
	return m.withInstance("destroy", caller, addr, noIndex, func(inst *escrow.Instance) error {
		position, own, ok := m.registry.Locate(addr)
		if !ok {
			position, own = noIndex, noIndex
		}
		return inst.Destroy(caller, position, own)
	})
}

// DestroyAt removes an instance with explicit registry positions.
func (m *Market) DestroyAt(caller, addr common.Address, position, ownPosition uint64) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("escrow", addr.Hex()),
		slog.String("position", strconv.FormatUint(position, 10))}
	return m.do("escrow", "destroy", attrs, func() error {
		inst, err := m.instance(addr)
		if err != nil {
			return err
		}
		return inst.Destroy(caller, position, ownPosition)
	})
}

// Locks returns every lock held by the custodian.
func (m *Market) Locks() []*locker.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locker.Locks()
}

// Lock returns one lock.
func (m *Market) Lock(id uint64) (*locker.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locker.Lock(id)
}

// CheckConsistency verifies the registry's index structures.
func (m *Market) CheckConsistency() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.CheckConsistency()
}
