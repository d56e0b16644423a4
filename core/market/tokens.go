package market

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/native/bank"
)

// Token describes a registered asset.
type Token struct {
	Address     common.Address
	Symbol      string
	Native      bool
	TotalSupply *big.Int
}

// Tokens lists the registered assets.
func (m *Market) Tokens() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	assets := m.ledger.Assets()
	out := make([]Token, 0, len(assets))
	for _, asset := range assets {
		out = append(out, Token{
			Address:     asset.Address(),
			Symbol:      asset.Symbol(),
			Native:      asset.Address() == m.native.Address(),
			TotalSupply: asset.TotalSupply(),
		})
	}
	return out
}

// asset resolves a token for a client request; an unknown token is an index
// error there rather than a failed transfer.
func (m *Market) asset(token common.Address) (*bank.Asset, error) {
	asset, err := m.ledger.Asset(token)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown token %s", coreerrors.ErrIndex, token.Hex())
	}
	return asset, nil
}

// Balance returns who's balance of token.
func (m *Market) Balance(token, who common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.asset(token)
	if err != nil {
		return nil, err
	}
	return asset.BalanceOf(who), nil
}

// Allowance returns how much spender may pull from owner's token balance.
func (m *Market) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, err := m.asset(token)
	if err != nil {
		return nil, err
	}
	return asset.Allowance(owner, spender), nil
}

// Mint credits new supply. Only the registry owner may mint.
func (m *Market) Mint(caller, token, to common.Address, amount *big.Int) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("token", token.Hex()), slog.String("to", to.Hex())}
	return m.do("bank", "mint", attrs, func() error {
		if caller != m.owner {
			return fmt.Errorf("%w: only the registry owner may mint", coreerrors.ErrUnauthorized)
		}
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: mint amount must be positive", coreerrors.ErrInvalidArgument)
		}
		asset, err := m.asset(token)
		if err != nil {
			return err
		}
		return asset.Mint(to, amount)
	})
}

// Approve lets spender pull up to amount of caller's token balance. Escrow
// instances pull deposits this way.
func (m *Market) Approve(caller, token, spender common.Address, amount *big.Int) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("token", token.Hex()), slog.String("spender", spender.Hex())}
	return m.do("bank", "approve", attrs, func() error {
		if err := m.requireHolder(caller); err != nil {
			return err
		}
		if spender == (common.Address{}) {
			return fmt.Errorf("%w: spender required", coreerrors.ErrInvalidArgument)
		}
		asset, err := m.asset(token)
		if err != nil {
			return err
		}
		return asset.Approve(caller, spender, amount)
	})
}

// Transfer moves caller's funds.
func (m *Market) Transfer(caller, token, to common.Address, amount *big.Int) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("token", token.Hex()), slog.String("to", to.Hex())}
	return m.do("bank", "transfer", attrs, func() error {
		if err := m.requireHolder(caller); err != nil {
			return err
		}
		asset, err := m.asset(token)
		if err != nil {
			return err
		}
		return asset.Transfer(caller, to, amount)
	})
}

// requireHolder rejects custody identities as callers. Funds held by the
// locker, the registry or an escrow instance only move through their own
// operations.
func (m *Market) requireHolder(caller common.Address) error {
	if caller == m.locker.Address() || caller == m.registry.Address() {
		return fmt.Errorf("%w: %s is a custody account", coreerrors.ErrUnauthorized, caller.Hex())
	}
	if _, err := m.registry.Instance(caller); err == nil {
		return fmt.Errorf("%w: %s is an escrow instance", coreerrors.ErrUnauthorized, caller.Hex())
	}
	return nil
}
