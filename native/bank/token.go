package bank

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is the fungible asset surface the escrow core consumes. Every call is
// fallible; failures wrap core/errors.ErrTransferFailed. Transfer moves funds
// owned by from; TransferFrom moves funds owned by from on behalf of spender
// and consumes spender's allowance.
type Token interface {
	Address() common.Address
	BalanceOf(who common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// Directory resolves token identities to their implementation.
type Directory interface {
	Token(addr common.Address) (Token, error)
}
