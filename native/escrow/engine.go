package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/native/bank"
)

// enter takes the reentrancy guard and rejects calls on inert instances.
func (e *Instance) enter() (func(), error) {
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	if err := e.live(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (e *Instance) validateTerms(t Terms) (Terms, error) {
	if t.Token == (common.Address{}) {
		return Terms{}, fmt.Errorf("%w: token required", coreerrors.ErrInvalidArgument)
	}
	if t.Participant == (common.Address{}) {
		return Terms{}, fmt.Errorf("%w: participant required", coreerrors.ErrInvalidArgument)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return Terms{}, fmt.Errorf("%w: amount must be positive", coreerrors.ErrInvalidArgument)
	}
	if now := e.now(); t.DueAt <= now {
		return Terms{}, fmt.Errorf("%w: due date %d not after %d", coreerrors.ErrInvalidArgument, t.DueAt, now)
	}
	if strings.TrimSpace(t.Meta) == "" {
		return Terms{}, fmt.Errorf("%w: milestone description required", coreerrors.ErrInvalidArgument)
	}
	t.Amount = new(big.Int).Set(t.Amount)
	t.Meta = NormalizeMeta(t.Meta)
	return t, nil
}

// CreateMilestone appends a milestone in the Created state and returns its
// index. Originator only.
func (e *Instance) CreateMilestone(caller common.Address, terms Terms) (uint64, error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	if err := e.requireOriginator(caller); err != nil {
		return 0, err
	}
	terms, err = e.validateTerms(terms)
	if err != nil {
		return 0, err
	}
	m := &Milestone{
		Index:       uint64(len(e.milestones)),
		Token:       terms.Token,
		Participant: terms.Participant,
		Amount:      terms.Amount,
		DueAt:       terms.DueAt,
		LockID:      NoLock,
		Meta:        terms.Meta,
		State:       MilestoneCreated,
	}
	e.milestones = append(e.milestones, m)
	e.emit(NewMilestoneCreatedEvent(e.address, m))
	return m.Index, nil
}

// UpdateMilestone rewrites the terms of a milestone that has not been agreed
// yet. Originator only.
func (e *Instance) UpdateMilestone(caller common.Address, index uint64, terms Terms) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireOriginator(caller); err != nil {
		return err
	}
	terms, err = e.validateTerms(terms)
	if err != nil {
		return err
	}
	if m.State != MilestoneCreated {
		return invalidState(m, "update")
	}
	m.Token = terms.Token
	m.Participant = terms.Participant
	m.Amount = terms.Amount
	m.DueAt = terms.DueAt
	m.Meta = terms.Meta
	e.emit(NewMilestoneUpdatedEvent(e.address, m))
	return nil
}

// AgreeMilestone accepts the terms of a milestone. Participant only.
func (e *Instance) AgreeMilestone(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(caller, m); err != nil {
		return err
	}
	if m.State != MilestoneCreated {
		return invalidState(m, "agree")
	}
	e.transition(m, MilestoneAgreed)
	return nil
}

// DepositMilestone pulls the milestone amount from the originator into the
// instance. The originator must have approved the instance beforehand.
func (e *Instance) DepositMilestone(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireOriginator(caller); err != nil {
		return err
	}
	if m.State != MilestoneAgreed {
		return invalidState(m, "deposit")
	}
	tok, err := e.token(m.Token)
	if err != nil {
		return err
	}
	m.State = MilestoneDeposited
	m.Funded = true
	if err := tok.TransferFrom(e.address, e.originator, e.address, m.Amount); err != nil {
		m.State = MilestoneAgreed
		m.Funded = false
		return fmt.Errorf("%w: deposit milestone %d: %v", coreerrors.ErrTransferFailed, index, err)
	}
	e.emit(NewMilestoneStateUpdatedEvent(e.address, m))
	return nil
}

// RequestMilestone signals that the work is due for release. It moves no
// funds. Participant only, and only once the due date has been reached.
func (e *Instance) RequestMilestone(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(caller, m); err != nil {
		return err
	}
	if m.State != MilestoneAgreed && m.State != MilestoneDeposited {
		return invalidState(m, "request")
	}
	if now := e.now(); now < m.DueAt {
		return fmt.Errorf("%w: milestone %d due at %d (now %d)", coreerrors.ErrNotYetDue, index, m.DueAt, now)
	}
	e.transition(m, MilestoneRequested)
	return nil
}

// ReleaseMilestone pays the milestone out: the fee share goes to the fee
// recipient and the net payout is placed under a lock with the custodian.
// Originator only.
func (e *Instance) ReleaseMilestone(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireOriginator(caller); err != nil {
		return err
	}
	if m.State != MilestoneDeposited && m.State != MilestoneRequested {
		return invalidState(m, "release")
	}
	fees := e.factory.FeePolicy()
	custody := e.factory.LockPolicy()
	if custody.Custodian == nil {
		return fmt.Errorf("%w: custodian", coreerrors.ErrPolicyNotSet)
	}
	if fees.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: fee recipient", coreerrors.ErrPolicyNotSet)
	}
	tok, err := e.token(m.Token)
	if err != nil {
		return err
	}
	fee, net := fees.Split(m.Amount)
	now := e.now()

	saved := *m
	var undo []func() error
	fail := func(stage string, cause error) error {
		*m = saved
		var rollback []string
		for i := len(undo) - 1; i >= 0; i-- {
			if rbErr := undo[i](); rbErr != nil {
				rollback = append(rollback, rbErr.Error())
			}
		}
		if len(rollback) > 0 {
			return fmt.Errorf("%w: %s: %v (rollback: %s)", coreerrors.ErrTransferFailed, stage, cause, strings.Join(rollback, "; "))
		}
		return fmt.Errorf("%w: %s: %v", coreerrors.ErrTransferFailed, stage, cause)
	}

	m.State = MilestoneReleased
	if !saved.Funded {
		// Requested without a prior deposit: pull the amount now.
		if err := tok.TransferFrom(e.address, e.originator, e.address, saved.Amount); err != nil {
			return fail(fmt.Sprintf("pull milestone %d", index), err)
		}
		undo = append(undo, func() error {
			if err := tok.Transfer(e.address, e.originator, saved.Amount); err != nil {
				return err
			}
			return restoreAllowance(tok, e.originator, e.address, saved.Amount)
		})
	}
	lockID, err := custody.Custodian.CreateLock(e, m.Participant, m.Token, net, now, m.Index)
	if err != nil {
		if len(undo) == 0 {
			*m = saved
			return err
		}
		return fail(fmt.Sprintf("lock milestone %d", index), err)
	}
	m.LockID = lockID
	m.ReleasedAt = now
	m.Funded = true
	m.custodian = custody.Custodian
	lockFunded := false
	undo = append(undo, func() error {
		return custody.Custodian.Discard(e.address, lockID, lockFunded)
	})

	if err := tok.Transfer(e.address, custody.Custodian.Address(), net); err != nil {
		return fail(fmt.Sprintf("fund lock %d", lockID), err)
	}
	lockFunded = true
	if fee.Sign() > 0 {
		if err := tok.Transfer(e.address, fees.Recipient, fee); err != nil {
			return fail("pay fee", err)
		}
	}
	if err := custody.Custodian.Commit(e.address, lockID); err != nil {
		return fail(fmt.Sprintf("commit lock %d", lockID), err)
	}
	e.emit(NewMilestoneStateUpdatedEvent(e.address, m))
	return nil
}

// CreateDispute contests a release while its lock is still inside the vesting
// window. Originator only.
func (e *Instance) CreateDispute(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireOriginator(caller); err != nil {
		return err
	}
	if m.State != MilestoneReleased {
		return invalidState(m, "dispute")
	}
	deadline, err := m.custodian.Deadline(m.LockID)
	if err != nil {
		return err
	}
	if now := e.now(); now >= deadline {
		return fmt.Errorf("%w: milestone %d window closed at %d (now %d)", coreerrors.ErrWindowClosed, index, deadline, now)
	}
	e.transition(m, MilestoneDisputed)
	return nil
}

// ResolveDispute settles a dispute in the originator's favour: the lock is
// reclaimed and the milestone returns to Agreed so it can be funded again.
// The participant or an operator may resolve.
func (e *Instance) ResolveDispute(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if caller != m.Participant && !e.factory.IsOperator(caller) {
		return fmt.Errorf("%w: caller %s may not resolve milestone %d", coreerrors.ErrUnauthorized, caller.Hex(), index)
	}
	if m.State != MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d is %s", coreerrors.ErrNoDispute, index, m.State)
	}
	saved := *m
	m.State = MilestoneAgreed
	m.LockID = NoLock
	m.ReleasedAt = 0
	m.Funded = false
	m.custodian = nil
	if err := saved.custodian.Reclaim(e.address, saved.LockID); err != nil {
		*m = saved
		return err
	}
	e.emit(NewMilestoneStateUpdatedEvent(e.address, m))
	return nil
}

// CancelDispute withdraws a dispute; the lock stays in place and vests as
// before. The originator or an operator may cancel.
func (e *Instance) CancelDispute(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if caller != e.originator && !e.factory.IsOperator(caller) {
		return fmt.Errorf("%w: caller %s may not cancel dispute on milestone %d", coreerrors.ErrUnauthorized, caller.Hex(), index)
	}
	if m.State != MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d is %s", coreerrors.ErrNoDispute, index, m.State)
	}
	e.transition(m, MilestoneReleased)
	return nil
}

// Claim asks the custodian to pay the vested lock to the participant.
// Participant only.
func (e *Instance) Claim(caller common.Address, index uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	m, err := e.milestone(index)
	if err != nil {
		return err
	}
	if err := e.requireParticipant(caller, m); err != nil {
		return err
	}
	if m.State != MilestoneReleased {
		return invalidState(m, "claim")
	}
	return m.custodian.Release(e.address, m.LockID)
}

// Destroy removes the instance from the registry once every milestone has
// been released. The instance is inert afterwards.
func (e *Instance) Destroy(caller common.Address, position, ownPosition uint64) error {
	release, err := e.enter()
	if err != nil {
		return err
	}
	defer release()
	if err := e.requireOriginator(caller); err != nil {
		return err
	}
	for _, m := range e.milestones {
		if m.State != MilestoneReleased {
			return fmt.Errorf("%w: milestone %d is %s", coreerrors.ErrHasPendingMilestones, m.Index, m.State)
		}
	}
	if err := e.factory.RemoveInstance(e.address, position, ownPosition, e.originator); err != nil {
		return err
	}
	e.destroyed = true
	return nil
}

// allowanceToken is implemented by tokens whose allowances can be adjusted
// directly, which lets a rolled back pull give the spent allowance back.
type allowanceToken interface {
	Allowance(owner, spender common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) error
}

func restoreAllowance(tok bank.Token, owner, spender common.Address, amount *big.Int) error {
	at, ok := tok.(allowanceToken)
	if !ok {
		return nil
	}
	return at.Approve(owner, spender, new(big.Int).Add(at.Allowance(owner, spender), amount))
}

func (e *Instance) transition(m *Milestone, next MilestoneState) {
	m.State = next
	e.emit(NewMilestoneStateUpdatedEvent(e.address, m))
}
