package locker

import (
	"strconv"

	"milestonemarket/core/types"
)

const (
	EventTypeLockCreated   = "escrow.lock.created"
	EventTypeLockReleased  = "escrow.lock.released"
	EventTypeLockWithdrawn = "escrow.lock.withdrawn"
)

// NewLockCreatedEvent returns the payload emitted when a milestone payout is
// placed under custody.
func NewLockCreatedEvent(l *Lock) *types.Event { return newLockEvent(EventTypeLockCreated, l, "") }

// NewLockReleasedEvent returns the payload emitted when a vested lock is paid
// to its beneficiary.
func NewLockReleasedEvent(l *Lock) *types.Event { return newLockEvent(EventTypeLockReleased, l, "") }

// NewLockWithdrawnEvent returns the payload emitted when a disputed lock is
// returned to the originator.
func NewLockWithdrawnEvent(l *Lock, recipient string) *types.Event {
	return newLockEvent(EventTypeLockWithdrawn, l, recipient)
}

func newLockEvent(eventType string, l *Lock, recipient string) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["lockId"] = strconv.FormatUint(l.ID, 10)
	attrs["escrow"] = l.Owner.Hex()
	attrs["beneficiary"] = l.Beneficiary.Hex()
	attrs["token"] = l.Token.Hex()
	attrs["amount"] = l.Amount.String()
	attrs["milestone"] = strconv.FormatUint(l.Milestone, 10)
	attrs["unlockAt"] = strconv.FormatInt(l.UnlockAt, 10)
	attrs["deadline"] = strconv.FormatInt(l.Deadline(), 10)
	attrs["state"] = l.State.String()
	if recipient != "" {
		attrs["recipient"] = recipient
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
