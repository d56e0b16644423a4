package registry

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
	"milestonemarket/native/escrow"
	"milestonemarket/native/locker"
)

const week = int64(7 * 24 * 60 * 60)

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

var (
	registryAddr = newTestAddress(0xAA)
	ownerAddr    = newTestAddress(0x0A)
	feeRecipient = newTestAddress(0xFE)
	nativeAddr   = newTestAddress(0xE0)
)

type harness struct {
	registry *Registry
	locker   *locker.Locker
	native   *bank.Asset
	clock    *nativecommon.ManualClock
	recorder *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := bank.NewLedger()
	native, err := ledger.Register(nativeAddr, "NHB")
	require.NoError(t, err)
	clock := nativecommon.NewManualClock(1_700_000_000)
	rec := &events.Recorder{}
	lk, err := locker.New(newTestAddress(0xCC), ledger)
	require.NoError(t, err)
	lk.SetNowFunc(clock.Now)
	reg, err := New(Config{
		Address:  registryAddr,
		Owner:    ownerAddr,
		Template: &escrow.Template{Tokens: ledger, Now: clock.Now, Emitter: rec},
		Native:   native,
		Emitter:  rec,
	})
	require.NoError(t, err)
	return &harness{registry: reg, locker: lk, native: native, clock: clock, recorder: rec}
}

// configured installs a week-long lock and a zero flat fee.
func (h *harness) configured(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, h.registry.SetLockPolicy(ownerAddr, h.locker, week))
	require.NoError(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(0), 10))
	return h
}

func (h *harness) create(t *testing.T, originator common.Address) *escrow.Instance {
	t.Helper()
	inst, _, err := h.registry.CreateEscrowInstance(originator, "engagement", nil)
	require.NoError(t, err)
	return inst
}

func (h *harness) destroy(t *testing.T, inst *escrow.Instance) {
	t.Helper()
	position, own, ok := h.registry.Locate(inst.Address())
	require.True(t, ok, "instance %s not active", inst.Address().Hex())
	require.NoError(t, inst.Destroy(inst.Originator(), position, own))
	require.NoError(t, h.registry.CheckConsistency())
}

func TestNewValidatesConfig(t *testing.T) {
	ledger := bank.NewLedger()
	native, err := ledger.Register(nativeAddr, "NHB")
	require.NoError(t, err)
	tmpl := &escrow.Template{Tokens: ledger}

	cases := map[string]Config{
		"template": {Address: registryAddr, Owner: ownerAddr, Native: native},
		"address":  {Owner: ownerAddr, Template: tmpl, Native: native},
		"owner":    {Address: registryAddr, Template: tmpl, Native: native},
		"native":   {Address: registryAddr, Owner: ownerAddr, Template: tmpl},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg)
			require.ErrorIs(t, err, coreerrors.ErrInvalidConfig)
		})
	}
}

func TestPolicySettersOwnerOnly(t *testing.T) {
	h := newHarness(t)
	stranger := newTestAddress(0x99)

	require.ErrorIs(t, h.registry.SetLockPolicy(stranger, h.locker, week), coreerrors.ErrUnauthorized)
	require.ErrorIs(t, h.registry.SetFeePolicy(stranger, feeRecipient, big.NewInt(1), 5), coreerrors.ErrUnauthorized)
	require.ErrorIs(t, h.registry.SetOperator(stranger, stranger, true), coreerrors.ErrUnauthorized)
	require.Empty(t, h.recorder.Events())
}

func TestPolicyValidation(t *testing.T) {
	h := newHarness(t)

	require.ErrorIs(t, h.registry.SetLockPolicy(ownerAddr, nil, week), coreerrors.ErrInvalidConfig)
	require.ErrorIs(t, h.registry.SetLockPolicy(ownerAddr, h.locker, 0), coreerrors.ErrInvalidConfig)
	require.ErrorIs(t, h.registry.SetFeePolicy(ownerAddr, common.Address{}, big.NewInt(1), 5), coreerrors.ErrInvalidConfig)
	require.ErrorIs(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(-1), 5), coreerrors.ErrInvalidConfig)
	require.ErrorIs(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(1), 101), coreerrors.ErrInvalidConfig)

	require.NoError(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(100), 100))
	require.NoError(t, h.registry.SetLockPolicy(ownerAddr, h.locker, week))

	policy := h.registry.Policy()
	require.Equal(t, feeRecipient, policy.Fee.Recipient)
	require.Equal(t, int64(100), policy.Fee.FlatFee.Int64())
	require.Equal(t, uint64(100), policy.Fee.Percent)
	require.Equal(t, FeeDenominator, policy.Fee.Denominator)
	require.Equal(t, week, policy.Lock.Duration)
	require.Equal(t, h.locker.Address(), policy.Lock.Custodian.Address())

	// Snapshots do not alias the stored policy.
	policy.Fee.FlatFee.SetInt64(1)
	require.Equal(t, int64(100), h.registry.FeePolicy().FlatFee.Int64())

	require.Len(t, h.recorder.OfType(EventTypeFeeInfoSet), 1)
	locks := h.recorder.OfType(EventTypeLockInfoSet)
	require.Len(t, locks, 1)
	require.Equal(t, "604800", locks[0].Attributes["duration"])
}

func TestOperators(t *testing.T) {
	h := newHarness(t)
	a, b := newTestAddress(0x51), newTestAddress(0x52)

	require.False(t, h.registry.IsOperator(a))
	require.NoError(t, h.registry.SetOperator(ownerAddr, b, true))
	require.NoError(t, h.registry.SetOperator(ownerAddr, a, true))
	require.True(t, h.registry.IsOperator(a))
	require.Equal(t, []common.Address{a, b}, h.registry.Operators())

	require.NoError(t, h.registry.SetOperator(ownerAddr, a, false))
	require.False(t, h.registry.IsOperator(a))
	require.ErrorIs(t, h.registry.SetOperator(ownerAddr, common.Address{}, true), coreerrors.ErrInvalidArgument)

	evts := h.recorder.OfType(EventTypeOperatorSet)
	require.Len(t, evts, 3)
	require.Equal(t, "false", evts[2].Attributes["enabled"])
}

func TestCreateRequiresPolicy(t *testing.T) {
	h := newHarness(t)
	originator := newTestAddress(0x01)

	_, _, err := h.registry.CreateEscrowInstance(originator, "x", nil)
	require.ErrorIs(t, err, coreerrors.ErrPolicyNotSet)

	require.NoError(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(0), 0))
	_, _, err = h.registry.CreateEscrowInstance(originator, "x", nil)
	require.ErrorIs(t, err, coreerrors.ErrPolicyNotSet)
	require.Empty(t, h.registry.ListActiveInstances())
}

func TestCreateDerivesAddressesAndIndexes(t *testing.T) {
	h := newHarness(t).configured(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)

	first, pos, err := h.registry.CreateEscrowInstance(alice, "site build", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pos)
	require.Equal(t, crypto.CreateAddress(registryAddr, 0), first.Address())

	second := h.create(t, bob)
	third := h.create(t, alice)
	require.Equal(t, crypto.CreateAddress(registryAddr, 1), second.Address())
	require.Equal(t, crypto.CreateAddress(registryAddr, 2), third.Address())

	require.Equal(t, []common.Address{first.Address(), second.Address(), third.Address()}, h.registry.ListActiveInstances())
	require.Equal(t, []uint64{0, 2}, h.registry.ListOwnPositions(alice))
	require.Equal(t, []uint64{1}, h.registry.ListOwnPositions(bob))
	require.Empty(t, h.registry.ListOwnPositions(newTestAddress(0x03)))

	info, err := first.Info()
	require.NoError(t, err)
	require.Equal(t, alice, info.Originator)
	require.Equal(t, "site build", info.Meta)
	require.Equal(t, week, info.LockDuration)

	got, err := h.registry.Instance(second.Address())
	require.NoError(t, err)
	require.Same(t, second, got)
	_, err = h.registry.Instance(newTestAddress(0x77))
	require.ErrorIs(t, err, coreerrors.ErrIndex)

	created := h.recorder.OfType(EventTypeEscrowCreated)
	require.Len(t, created, 3)
	require.Equal(t, first.Address().Hex(), created[0].Attributes["escrow"])
	require.Equal(t, "2", created[2].Attributes["position"])
	require.NoError(t, h.registry.CheckConsistency())
}

func TestCreatePaymentMismatch(t *testing.T) {
	h := newHarness(t).configured(t)
	alice := newTestAddress(0x01)
	require.NoError(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(100), 10))
	require.NoError(t, h.native.Mint(alice, big.NewInt(1_000)))

	for _, paid := range []*big.Int{nil, big.NewInt(0), big.NewInt(99), big.NewInt(101)} {
		_, _, err := h.registry.CreateEscrowInstance(alice, "x", paid)
		require.ErrorIs(t, err, coreerrors.ErrPaymentMismatch, "paid %v", paid)
	}
	require.Empty(t, h.registry.ListActiveInstances())

	inst, _, err := h.registry.CreateEscrowInstance(alice, "x", big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, crypto.CreateAddress(registryAddr, 0), inst.Address())
	require.Equal(t, int64(100), h.native.BalanceOf(feeRecipient).Int64())
	require.Equal(t, int64(900), h.native.BalanceOf(alice).Int64())
}

func TestCreateRollsBackOnFailedFee(t *testing.T) {
	h := newHarness(t).configured(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	existing := h.create(t, alice)
	require.NoError(t, h.registry.SetFeePolicy(ownerAddr, feeRecipient, big.NewInt(100), 10))
	h.recorder.Reset()

	// bob holds no native balance.
	_, _, err := h.registry.CreateEscrowInstance(bob, "x", big.NewInt(100))
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	require.Equal(t, []common.Address{existing.Address()}, h.registry.ListActiveInstances())
	require.Empty(t, h.registry.ListOwnPositions(bob))
	require.Empty(t, h.recorder.OfType(EventTypeEscrowCreated))
	require.NoError(t, h.registry.CheckConsistency())

	// The nonce was not consumed.
	require.NoError(t, h.native.Mint(bob, big.NewInt(100)))
	inst, _, err := h.registry.CreateEscrowInstance(bob, "x", big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, crypto.CreateAddress(registryAddr, 1), inst.Address())
}

func TestRemoveLast(t *testing.T) {
	h := newHarness(t).configured(t)
	alice := newTestAddress(0x01)
	a := h.create(t, alice)
	b := h.create(t, alice)

	require.NoError(t, b.Destroy(alice, 1, 1))
	require.Equal(t, []common.Address{a.Address()}, h.registry.ListActiveInstances())
	require.Equal(t, []uint64{0}, h.registry.ListOwnPositions(alice))
	require.NoError(t, h.registry.CheckConsistency())

	removed := h.recorder.OfType(EventTypeEscrowRemoved)
	require.Len(t, removed, 1)
	require.Equal(t, b.Address().Hex(), removed[0].Attributes["escrow"])
}

func TestRemoveMiddleMovesLast(t *testing.T) {
	h := newHarness(t).configured(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	a0 := h.create(t, alice) // position 0
	b0 := h.create(t, bob)   // position 1
	a1 := h.create(t, alice) // position 2
	b1 := h.create(t, bob)   // position 3

	// Removing position 1 moves b1 from 3 to 1 and repoints bob's index.
	require.NoError(t, b0.Destroy(bob, 1, 0))
	require.Equal(t, []common.Address{a0.Address(), b1.Address(), a1.Address()}, h.registry.ListActiveInstances())
	require.Equal(t, []uint64{1}, h.registry.ListOwnPositions(bob))
	require.Equal(t, []uint64{0, 2}, h.registry.ListOwnPositions(alice))
	require.NoError(t, h.registry.CheckConsistency())

	// The moved instance is removable at its new location.
	require.NoError(t, b1.Destroy(bob, 1, 0))
	require.Equal(t, []common.Address{a0.Address(), a1.Address()}, h.registry.ListActiveInstances())
	require.Empty(t, h.registry.ListOwnPositions(bob))
	require.Equal(t, []uint64{0, 1}, h.registry.ListOwnPositions(alice))
	require.NoError(t, h.registry.CheckConsistency())

	// Removing alice's first slot moves her last slot into it.
	require.NoError(t, a0.Destroy(alice, 0, 0))
	require.Equal(t, []common.Address{a1.Address()}, h.registry.ListActiveInstances())
	require.Equal(t, []uint64{0}, h.registry.ListOwnPositions(alice))
	require.NoError(t, h.registry.CheckConsistency())
}

func TestRemoveAllPermutations(t *testing.T) {
	originators := []common.Address{newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x01), newTestAddress(0x03), newTestAddress(0x02)}
	orders := permutations(len(originators))
	require.Len(t, orders, 120)
	for _, order := range orders {
		h := newHarness(t).configured(t)
		instances := make([]*escrow.Instance, len(originators))
		for i, originator := range originators {
			instances[i] = h.create(t, originator)
		}
		for _, idx := range order {
			h.destroy(t, instances[idx])
			require.True(t, instances[idx].Destroyed())
		}
		require.Empty(t, h.registry.ListActiveInstances(), "order %v", order)
		for _, originator := range originators {
			require.Empty(t, h.registry.ListOwnPositions(originator), "order %v", order)
		}
		require.Empty(t, h.registry.byOriginator)
		require.Empty(t, h.registry.positionOwner)
		require.Empty(t, h.registry.positionSlot)

		// Destroyed instances stay resolvable but inert.
		inst, err := h.registry.Instance(instances[0].Address())
		require.NoError(t, err)
		_, err = inst.Info()
		require.ErrorIs(t, err, coreerrors.ErrInstanceDestroyed)
	}
}

// permutations returns every ordering of 0..n-1 (Heap's algorithm).
func permutations(n int) [][]int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	var out [][]int
	var generate func(k int)
	generate = func(k int) {
		if k <= 1 {
			out = append(out, append([]int(nil), perm...))
			return
		}
		for i := 0; i < k-1; i++ {
			generate(k - 1)
			if k%2 == 0 {
				perm[i], perm[k-1] = perm[k-1], perm[i]
			} else {
				perm[0], perm[k-1] = perm[k-1], perm[0]
			}
		}
		generate(k - 1)
	}
	generate(n)
	return out
}

func TestRemoveIndexMismatch(t *testing.T) {
	h := newHarness(t).configured(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	a0 := h.create(t, alice)
	b0 := h.create(t, bob)
	a1 := h.create(t, alice)

	cases := []struct {
		name        string
		caller      common.Address
		position    uint64
		ownPosition uint64
		originator  common.Address
	}{
		{"position out of range", a0.Address(), 3, 0, alice},
		{"position holds another instance", a0.Address(), 1, 0, alice},
		{"own position out of range", a0.Address(), 0, 2, alice},
		{"own position points elsewhere", a0.Address(), 0, 1, alice},
		{"wrong originator", b0.Address(), 1, 0, alice},
		{"unknown originator", a1.Address(), 2, 0, newTestAddress(0x09)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.registry.RemoveInstance(tc.caller, tc.position, tc.ownPosition, tc.originator)
			require.ErrorIs(t, err, coreerrors.ErrIndex)
			require.Len(t, h.registry.ListActiveInstances(), 3)
			require.NoError(t, h.registry.CheckConsistency())
		})
	}

	// Destroy surfaces the same error and leaves the instance live.
	require.ErrorIs(t, a0.Destroy(alice, 0, 1), coreerrors.ErrIndex)
	require.False(t, a0.Destroyed())
	_, err := a0.Info()
	require.NoError(t, err)
}

func TestLocate(t *testing.T) {
	h := newHarness(t).configured(t)
	alice, bob := newTestAddress(0x01), newTestAddress(0x02)
	h.create(t, alice)
	b0 := h.create(t, bob)
	a1 := h.create(t, alice)

	position, own, ok := h.registry.Locate(a1.Address())
	require.True(t, ok)
	require.Equal(t, uint64(2), position)
	require.Equal(t, uint64(1), own)

	h.destroy(t, b0)
	position, own, ok = h.registry.Locate(a1.Address())
	require.True(t, ok)
	require.Equal(t, uint64(1), position)
	require.Equal(t, uint64(1), own)

	_, _, ok = h.registry.Locate(b0.Address())
	require.False(t, ok)
}
