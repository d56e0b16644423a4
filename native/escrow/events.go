package escrow

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/core/types"
)

const (
	EventTypeMilestoneCreated      = "escrow.milestone.created"
	EventTypeMilestoneUpdated      = "escrow.milestone.updated"
	EventTypeMilestoneStateUpdated = "escrow.milestone.state_updated"
)

// NewMilestoneCreatedEvent returns the canonical payload for a newly created
// milestone.
func NewMilestoneCreatedEvent(instance common.Address, m *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneCreated, instance, m, true)
}

// NewMilestoneUpdatedEvent returns the canonical payload emitted when the
// originator rewrites the terms of a milestone.
func NewMilestoneUpdatedEvent(instance common.Address, m *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneUpdated, instance, m, true)
}

// NewMilestoneStateUpdatedEvent returns the payload emitted on every state
// transition.
func NewMilestoneStateUpdatedEvent(instance common.Address, m *Milestone) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneStateUpdated, instance, m, false)
}

func newMilestoneEvent(eventType string, instance common.Address, m *Milestone, terms bool) *types.Event {
	attrs := make(map[string]string)
	if m == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["escrow"] = instance.Hex()
	attrs["index"] = strconv.FormatUint(m.Index, 10)
	attrs["state"] = m.State.String()
	if terms {
		attrs["token"] = m.Token.Hex()
		attrs["participant"] = m.Participant.Hex()
		attrs["amount"] = m.Amount.String()
		attrs["dueAt"] = strconv.FormatInt(m.DueAt, 10)
		attrs["meta"] = m.Meta
	}
	if m.HasLock() {
		attrs["lockId"] = strconv.FormatUint(m.LockID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
