package registry

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/core/types"
	"milestonemarket/native/escrow"
)

const (
	EventTypeLockInfoSet   = "escrow.registry.lock_info_set"
	EventTypeFeeInfoSet    = "escrow.registry.fee_info_set"
	EventTypeOperatorSet   = "escrow.registry.operator_set"
	EventTypeEscrowCreated = "escrow.registry.created"
	EventTypeEscrowRemoved = "escrow.registry.removed"
)

// NewLockInfoSetEvent returns the payload emitted when the vesting policy
// changes.
func NewLockInfoSetEvent(custodian common.Address, duration int64) *types.Event {
	return &types.Event{Type: EventTypeLockInfoSet, Attributes: map[string]string{
		"custodian": custodian.Hex(),
		"duration":  strconv.FormatInt(duration, 10),
	}}
}

// NewFeeInfoSetEvent returns the payload emitted when the fee policy changes.
func NewFeeInfoSetEvent(p escrow.FeePolicy) *types.Event {
	return &types.Event{Type: EventTypeFeeInfoSet, Attributes: map[string]string{
		"recipient":   p.Recipient.Hex(),
		"flatFee":     p.FlatFee.String(),
		"percentFee":  strconv.FormatUint(p.Percent, 10),
		"denominator": strconv.FormatUint(p.Denominator, 10),
	}}
}

// NewOperatorSetEvent returns the payload emitted when the operator role is
// granted or revoked.
func NewOperatorSetEvent(operator common.Address, enabled bool) *types.Event {
	return &types.Event{Type: EventTypeOperatorSet, Attributes: map[string]string{
		"operator": operator.Hex(),
		"enabled":  strconv.FormatBool(enabled),
	}}
}

// NewEscrowCreatedEvent returns the payload emitted when an instance joins the
// active list.
func NewEscrowCreatedEvent(originator, instance common.Address, position uint64, meta string) *types.Event {
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: map[string]string{
		"originator": originator.Hex(),
		"escrow":     instance.Hex(),
		"position":   strconv.FormatUint(position, 10),
		"meta":       meta,
	}}
}

// NewEscrowRemovedEvent returns the payload emitted when an instance leaves
// the active list.
func NewEscrowRemovedEvent(originator, instance common.Address, position uint64) *types.Event {
	return &types.Event{Type: EventTypeEscrowRemoved, Attributes: map[string]string{
		"originator": originator.Hex(),
		"escrow":     instance.Hex(),
		"position":   strconv.FormatUint(position, 10),
	}}
}
