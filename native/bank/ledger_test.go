package bank

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	coreerrors "milestonemarket/core/errors"
)

func addr(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

func TestLedgerTransferMovesBalances(t *testing.T) {
	ledger := NewLedger()
	asset, err := ledger.Register(addr(0x10), "usdc")
	require.NoError(t, err)
	require.Equal(t, "USDC", asset.Symbol())

	require.NoError(t, asset.Mint(addr(0x01), big.NewInt(500)))
	require.NoError(t, asset.Transfer(addr(0x01), addr(0x02), big.NewInt(200)))

	require.Equal(t, int64(300), asset.BalanceOf(addr(0x01)).Int64())
	require.Equal(t, int64(200), asset.BalanceOf(addr(0x02)).Int64())
	require.Equal(t, int64(500), asset.TotalSupply().Int64())
}

func TestLedgerTransferFailuresLeaveBalancesUntouched(t *testing.T) {
	ledger := NewLedger()
	asset, err := ledger.Register(addr(0x10), "USDC")
	require.NoError(t, err)
	require.NoError(t, asset.Mint(addr(0x01), big.NewInt(50)))

	err = asset.Transfer(addr(0x01), addr(0x02), big.NewInt(51))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	err = asset.Transfer(addr(0x01), addr(0x02), big.NewInt(-1))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	err = asset.Transfer(addr(0x01), common.Address{}, big.NewInt(1))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)

	require.Equal(t, int64(50), asset.BalanceOf(addr(0x01)).Int64())
	require.Equal(t, int64(0), asset.BalanceOf(addr(0x02)).Int64())
}

func TestLedgerTransferFromConsumesAllowance(t *testing.T) {
	ledger := NewLedger()
	asset, err := ledger.Register(addr(0x10), "USDC")
	require.NoError(t, err)
	owner, spender := addr(0x01), addr(0x03)
	require.NoError(t, asset.Mint(owner, big.NewInt(100)))

	err = asset.TransferFrom(spender, owner, spender, big.NewInt(10))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)

	require.NoError(t, asset.Approve(owner, spender, big.NewInt(60)))
	require.NoError(t, asset.TransferFrom(spender, owner, spender, big.NewInt(40)))
	require.Equal(t, int64(20), asset.Allowance(owner, spender).Int64())
	require.Equal(t, int64(40), asset.BalanceOf(spender).Int64())

	err = asset.TransferFrom(spender, owner, spender, big.NewInt(21))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	require.Equal(t, int64(20), asset.Allowance(owner, spender).Int64())
}

func TestLedgerDirectoryLookup(t *testing.T) {
	ledger := NewLedger()
	_, err := ledger.Register(addr(0x10), "USDC")
	require.NoError(t, err)
	_, err = ledger.Register(addr(0x10), "DAI")
	require.ErrorIs(t, err, coreerrors.ErrInvalidArgument)
	again, err := ledger.Register(addr(0x10), "usdc")
	require.NoError(t, err)
	require.Equal(t, addr(0x10), again.Address())

	tok, err := ledger.Token(addr(0x10))
	require.NoError(t, err)
	require.Equal(t, addr(0x10), tok.Address())

	_, err = ledger.Token(addr(0x11))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	require.Len(t, ledger.Assets(), 1)
}

func TestLedgerRejectsOverflow(t *testing.T) {
	ledger := NewLedger()
	asset, err := ledger.Register(addr(0x10), "USDC")
	require.NoError(t, err)
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	require.ErrorIs(t, asset.Mint(addr(0x01), huge), coreerrors.ErrTransferFailed)

	max := new(big.Int).Sub(huge, big.NewInt(1))
	require.NoError(t, asset.Mint(addr(0x01), max))
	require.ErrorIs(t, asset.Mint(addr(0x02), big.NewInt(1)), coreerrors.ErrTransferFailed)
	require.Equal(t, int64(0), asset.BalanceOf(addr(0x02)).Int64())
}
