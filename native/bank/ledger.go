package bank

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	coreerrors "milestonemarket/core/errors"
)

// Ledger is an in-memory multi-asset ledger. Each registered asset behaves
// like a plain allowance-based fungible token.
type Ledger struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Asset
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{tokens: make(map[common.Address]*Asset)}
}

// Register adds an asset under addr. Registering an address twice returns the
// existing asset when the symbol matches.
func (l *Ledger) Register(addr common.Address, symbol string) (*Asset, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: token address required", coreerrors.ErrInvalidArgument)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: token symbol required", coreerrors.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.tokens[addr]; ok {
		if existing.symbol != symbol {
			return nil, fmt.Errorf("%w: token %s already registered as %s", coreerrors.ErrInvalidArgument, addr.Hex(), existing.symbol)
		}
		return existing, nil
	}
	asset := &Asset{
		addr:       addr,
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
	l.tokens[addr] = asset
	return asset, nil
}

// Token implements Directory.
func (l *Ledger) Token(addr common.Address) (Token, error) {
	asset, err := l.Asset(addr)
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// Asset returns the concrete asset registered under addr.
func (l *Ledger) Asset(addr common.Address) (*Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %s", coreerrors.ErrTransferFailed, addr.Hex())
	}
	return asset, nil
}

// Assets lists registered assets ordered by symbol.
func (l *Ledger) Assets() []*Asset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Asset, 0, len(l.tokens))
	for _, asset := range l.tokens {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}

// Asset is a single fungible token held in a Ledger.
type Asset struct {
	mu         sync.Mutex
	addr       common.Address
	symbol     string
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
}

// Address implements Token.
func (a *Asset) Address() common.Address { return a.addr }

// Symbol returns the canonical upper-case ticker.
func (a *Asset) Symbol() string { return a.symbol }

// BalanceOf implements Token.
func (a *Asset) BalanceOf(who common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance(who).ToBig()
}

// TotalSupply returns the minted supply.
func (a *Asset) TotalSupply() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supply.ToBig()
}

// Mint credits amount to the recipient.
func (a *Asset) Mint(to common.Address, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: mint to zero address", coreerrors.ErrTransferFailed)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(a.supply, amt)
	if overflow {
		return fmt.Errorf("%w: %s supply overflow", coreerrors.ErrTransferFailed, a.symbol)
	}
	balance := new(uint256.Int).Add(a.balance(to), amt)
	a.supply = supply
	a.balances[to] = balance
	return nil
}

// Approve sets the amount spender may move out of owner's balance.
func (a *Asset) Approve(owner, spender common.Address, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	byOwner, ok := a.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		a.allowances[owner] = byOwner
	}
	byOwner[spender] = amt
	return nil
}

// Allowance returns the remaining allowance of spender over owner's funds.
func (a *Asset) Allowance(owner, spender common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowance(owner, spender).ToBig()
}

// Transfer implements Token.
func (a *Asset) Transfer(from, to common.Address, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.move(from, to, amt)
}

// TransferFrom implements Token.
func (a *Asset) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	amt, err := toUint(amount)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	allowed := a.allowance(from, spender)
	if allowed.Lt(amt) {
		return fmt.Errorf("%w: %s allowance %s below %s", coreerrors.ErrTransferFailed, a.symbol, allowed.Dec(), amt.Dec())
	}
	if err := a.move(from, to, amt); err != nil {
		return err
	}
	a.allowances[from][spender] = new(uint256.Int).Sub(allowed, amt)
	return nil
}

func (a *Asset) move(from, to common.Address, amt *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", coreerrors.ErrTransferFailed)
	}
	if amt.IsZero() {
		return nil
	}
	fromBal := a.balance(from)
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: %s balance %s below %s", coreerrors.ErrTransferFailed, a.symbol, fromBal.Dec(), amt.Dec())
	}
	a.balances[from] = new(uint256.Int).Sub(fromBal, amt)
	a.balances[to] = new(uint256.Int).Add(a.balance(to), amt)
	return nil
}

func (a *Asset) balance(who common.Address) *uint256.Int {
	if bal, ok := a.balances[who]; ok && bal != nil {
		return bal
	}
	return new(uint256.Int)
}

func (a *Asset) allowance(owner, spender common.Address) *uint256.Int {
	if byOwner, ok := a.allowances[owner]; ok {
		if amt, ok := byOwner[spender]; ok && amt != nil {
			return amt
		}
	}
	return new(uint256.Int)
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount", coreerrors.ErrTransferFailed)
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: amount overflow", coreerrors.ErrTransferFailed)
	}
	return amt, nil
}
