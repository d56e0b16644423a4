package routes

import (
	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/core/market"
	"milestonemarket/native/escrow"
	"milestonemarket/native/locker"
)

type policyView struct {
	FeeRecipient string `json:"feeRecipient"`
	FlatFee      string `json:"flatFee"`
	PercentFee   uint64 `json:"percentFee"`
	Denominator  uint64 `json:"denominator"`
	Custodian    string `json:"custodian"`
	LockDuration int64  `json:"lockDurationSeconds"`
}

type registryView struct {
	Address   string     `json:"address"`
	Owner     string     `json:"owner"`
	Locker    string     `json:"locker"`
	Policy    policyView `json:"policy"`
	Operators []string   `json:"operators"`
	Now       int64      `json:"now"`
	Simulated bool       `json:"simulated"`
}

type escrowView struct {
	Address      string `json:"address"`
	Originator   string `json:"originator,omitempty"`
	Meta         string `json:"meta,omitempty"`
	LockDuration int64  `json:"lockDurationSeconds,omitempty"`
	Milestones   int    `json:"milestones"`
	Destroyed    bool   `json:"destroyed"`
}

type milestoneView struct {
	Index       uint64  `json:"index"`
	Token       string  `json:"token"`
	Participant string  `json:"participant"`
	Amount      string  `json:"amount"`
	DueAt       int64   `json:"dueAt"`
	State       string  `json:"state"`
	Funded      bool    `json:"funded"`
	LockID      *uint64 `json:"lockId,omitempty"`
	ReleasedAt  int64   `json:"releasedAt,omitempty"`
	Meta        string  `json:"meta,omitempty"`
}

type lockView struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Milestone   uint64 `json:"milestone"`
	UnlockAt    int64  `json:"unlockAt"`
	Duration    int64  `json:"durationSeconds"`
	Deadline    int64  `json:"deadline"`
	State       string `json:"state"`
}

type tokenView struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Native      bool   `json:"native"`
	TotalSupply string `json:"totalSupply"`
}

func policyViewFrom(p market.Policy) policyView {
	out := policyView{
		FlatFee:      formatAmount(p.FlatFee),
		PercentFee:   p.PercentFee,
		Denominator:  p.Denominator,
		LockDuration: p.LockDuration,
	}
	if p.FeeRecipient != (common.Address{}) {
		out.FeeRecipient = p.FeeRecipient.Hex()
	}
	if p.Custodian != (common.Address{}) {
		out.Custodian = p.Custodian.Hex()
	}
	return out
}

func escrowViewFrom(inst market.Instance) escrowView {
	out := escrowView{
		Address:    inst.Address.Hex(),
		Destroyed:  inst.Destroyed,
		Milestones: inst.Milestones,
	}
	if !inst.Destroyed {
		out.Originator = inst.Originator.Hex()
		out.Meta = inst.Meta
		out.LockDuration = inst.LockDuration
	}
	return out
}

func milestoneViewFrom(m *escrow.Milestone) milestoneView {
	out := milestoneView{
		Index:       m.Index,
		Token:       m.Token.Hex(),
		Participant: m.Participant.Hex(),
		Amount:      formatAmount(m.Amount),
		DueAt:       m.DueAt,
		State:       m.State.String(),
		Funded:      m.Funded,
		ReleasedAt:  m.ReleasedAt,
		Meta:        m.Meta,
	}
	if m.HasLock() {
		id := m.LockID
		out.LockID = &id
	}
	return out
}

func lockViewFrom(l *locker.Lock) lockView {
	return lockView{
		ID:          l.ID,
		Owner:       l.Owner.Hex(),
		Beneficiary: l.Beneficiary.Hex(),
		Token:       l.Token.Hex(),
		Amount:      formatAmount(l.Amount),
		Milestone:   l.Milestone,
		UnlockAt:    l.UnlockAt,
		Duration:    l.Duration,
		Deadline:    l.Deadline(),
		State:       l.State.String(),
	}
}

func tokenViewFrom(t market.Token) tokenView {
	return tokenView{
		Address:     t.Address.Hex(),
		Symbol:      t.Symbol,
		Native:      t.Native,
		TotalSupply: formatAmount(t.TotalSupply),
	}
}

func hexList(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.Hex()
	}
	return out
}
