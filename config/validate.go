package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/crypto"
)

// MaxPercentFee is the fixed denominator the percentage fee is expressed in.
const MaxPercentFee = 100

// Validate checks the configuration for values the market cannot boot with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("ListenAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("DataDir is required")
	}
	for name, value := range map[string]string{
		"Registry.Address": c.Registry.Address,
		"Registry.Owner":   c.Registry.Owner,
		"Registry.Locker":  c.Registry.Locker,
	} {
		if _, err := ParseAddress(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := c.validatePolicy(); err != nil {
		return err
	}
	if err := c.validateTokens(); err != nil {
		return err
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return errors.New("Auth.HMACSecret is required when auth is enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("RateLimit values must be non-negative")
	}
	if c.Webhooks.Enabled {
		switch c.Webhooks.Driver {
		case "sqlite":
		case "postgres":
			if strings.TrimSpace(c.Webhooks.DSN) == "" {
				return errors.New("Webhooks.DSN is required for postgres")
			}
		default:
			return fmt.Errorf("Webhooks.Driver %q is not supported", c.Webhooks.Driver)
		}
	}
	if c.Webhooks.QueueCapacity < 0 || c.Webhooks.MaxAttempts < 0 || c.Webhooks.TimeoutSeconds < 0 {
		return errors.New("Webhooks values must be non-negative")
	}
	return nil
}

func (c *Config) validatePolicy() error {
	p := c.Policy
	if _, err := ParseAmount(p.FlatFee); err != nil {
		return fmt.Errorf("Policy.FlatFee: %w", err)
	}
	if p.PercentFee > MaxPercentFee {
		return fmt.Errorf("Policy.PercentFee %d exceeds %d", p.PercentFee, MaxPercentFee)
	}
	if p.LockDurationSeconds < 0 {
		return errors.New("Policy.LockDurationSeconds must be non-negative")
	}
	if strings.TrimSpace(p.FeeRecipient) != "" {
		if _, err := ParseAddress(p.FeeRecipient); err != nil {
			return fmt.Errorf("Policy.FeeRecipient: %w", err)
		}
		if p.LockDurationSeconds == 0 {
			return errors.New("Policy.LockDurationSeconds is required with a fee recipient")
		}
	}
	for i, op := range p.Operators {
		if _, err := ParseAddress(op); err != nil {
			return fmt.Errorf("Policy.Operators[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateTokens() error {
	seen := make(map[common.Address]bool, len(c.Tokens))
	natives := 0
	for i, tok := range c.Tokens {
		addr, err := ParseAddress(tok.Address)
		if err != nil {
			return fmt.Errorf("Tokens[%d].Address: %w", i, err)
		}
		if seen[addr] {
			return fmt.Errorf("Tokens[%d]: duplicate token %s", i, addr.Hex())
		}
		seen[addr] = true
		if strings.TrimSpace(tok.Symbol) == "" {
			return fmt.Errorf("Tokens[%d].Symbol is required", i)
		}
		if tok.Native {
			natives++
		}
		for j, alloc := range tok.Allocations {
			if _, err := ParseAddress(alloc.Address); err != nil {
				return fmt.Errorf("Tokens[%d].Allocations[%d].Address: %w", i, j, err)
			}
			if _, err := ParseAmount(alloc.Amount); err != nil {
				return fmt.Errorf("Tokens[%d].Allocations[%d].Amount: %w", i, j, err)
			}
		}
	}
	if natives != 1 {
		return fmt.Errorf("exactly one native token required, found %d", natives)
	}
	return nil
}

// NativeToken returns the token the creation fee is paid in.
func (c *Config) NativeToken() (Token, bool) {
	for _, tok := range c.Tokens {
		if tok.Native {
			return tok, true
		}
	}
	return Token{}, false
}

// ParseAddress decodes a non-zero hex or bech32 address.
func ParseAddress(value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return addr, nil
}

// ParseAmount decodes a non-negative base-10 integer. Empty means zero.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	return amount, nil
}
