package escrow

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MilestoneState represents the lifecycle of a single milestone.
type MilestoneState uint8

const (
	MilestoneCreated MilestoneState = iota
	MilestoneAgreed
	MilestoneDeposited
	MilestoneRequested
	MilestoneReleased
	MilestoneDisputed
)

// NoLock is the lock identifier of a milestone that has not been released.
const NoLock uint64 = math.MaxUint64

var milestoneStateNames = [...]string{
	MilestoneCreated:   "created",
	MilestoneAgreed:    "agreed",
	MilestoneDeposited: "deposited",
	MilestoneRequested: "requested",
	MilestoneReleased:  "released",
	MilestoneDisputed:  "disputed",
}

// String returns the lower-case state name used in events and the API.
func (s MilestoneState) String() string {
	if !s.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
	return milestoneStateNames[s]
}

// Valid reports whether the state value is within the supported range.
func (s MilestoneState) Valid() bool {
	return int(s) < len(milestoneStateNames)
}

// ParseMilestoneState resolves a state name (case-insensitive).
func ParseMilestoneState(name string) (MilestoneState, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range milestoneStateNames {
		if candidate == normalized {
			return MilestoneState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown milestone state %q", name)
}

// Milestone is one funded unit of work inside an escrow instance. Indices are
// stable for the lifetime of the instance; milestones are never removed.
type Milestone struct {
	Index       uint64
	Token       common.Address
	Participant common.Address
	Amount      *big.Int
	DueAt       int64
	LockID      uint64
	ReleasedAt  int64
	Meta        string
	State       MilestoneState

	// Funded records that the originator has paid the amount in, by deposit
	// or at release. A resolved dispute refunds the payout and clears it.
	Funded bool

	// custodian is the locker that holds LockID. It is captured at release
	// so later policy changes cannot strand the lock.
	custodian Custodian
}

// Clone returns a deep copy of the milestone so callers can safely mutate
// the copy without affecting the stored instance.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// HasLock reports whether the milestone currently references a lock.
func (m *Milestone) HasLock() bool { return m != nil && m.LockID != NoLock }

// Terms carries the caller-supplied fields of a milestone.
type Terms struct {
	Token       common.Address
	Participant common.Address
	Amount      *big.Int
	DueAt       int64
	Meta        string
}

// FeePolicy is the registry's fee configuration as seen by an instance.
type FeePolicy struct {
	Recipient   common.Address
	FlatFee     *big.Int
	Percent     uint64
	Denominator uint64
}

// Split divides amount into the fee share and the net payout, rounding the
// fee down.
func (p FeePolicy) Split(amount *big.Int) (fee, net *big.Int) {
	fee = big.NewInt(0)
	if amount == nil {
		return fee, big.NewInt(0)
	}
	if p.Denominator > 0 && p.Percent > 0 {
		fee.Mul(amount, new(big.Int).SetUint64(p.Percent))
		fee.Quo(fee, new(big.Int).SetUint64(p.Denominator))
	}
	return fee, new(big.Int).Sub(amount, fee)
}

// LockPolicy is the registry's vesting configuration as seen by an instance.
type LockPolicy struct {
	Custodian Custodian
	Duration  int64
}

// Info summarises an instance for clients.
type Info struct {
	Address      common.Address
	Originator   common.Address
	Meta         string
	LockDuration int64
	Milestones   int
}
