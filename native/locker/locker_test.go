package locker

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
)

const week = int64(7 * 24 * 60 * 60)

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

type fakeOwner struct {
	addr       common.Address
	originator common.Address
	duration   int64
}

func (o *fakeOwner) Address() common.Address    { return o.addr }
func (o *fakeOwner) Originator() common.Address { return o.originator }
func (o *fakeOwner) LockDuration() int64        { return o.duration }

type fixture struct {
	locker   *Locker
	asset    *bank.Asset
	clock    *nativecommon.ManualClock
	owner    *fakeOwner
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := bank.NewLedger()
	asset, err := ledger.Register(newTestAddress(0xE1), "USDC")
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	l, err := New(newTestAddress(0xCC), ledger)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	clock := nativecommon.NewManualClock(1_700_000_000)
	l.SetNowFunc(clock.Now)
	rec := &events.Recorder{}
	l.SetEmitter(rec)
	owner := &fakeOwner{addr: newTestAddress(0xE5), originator: newTestAddress(0x01), duration: week}
	return &fixture{locker: l, asset: asset, clock: clock, owner: owner, recorder: rec}
}

// fund creates a lock and moves its amount into custody the way an escrow
// instance does on release, leaving the lock pending.
func (f *fixture) fund(t *testing.T, amount int64) uint64 {
	t.Helper()
	if err := f.asset.Mint(f.locker.Address(), big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	id, err := f.locker.CreateLock(f.owner, newTestAddress(0x02), f.asset.Address(), big.NewInt(amount), f.clock.Now(), 0)
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}
	return id
}

// committed funds a lock and commits it.
func (f *fixture) committed(t *testing.T, amount int64) uint64 {
	t.Helper()
	id := f.fund(t, amount)
	if err := f.locker.Commit(f.owner.addr, id); err != nil {
		t.Fatalf("commit lock: %v", err)
	}
	return id
}

func TestCreateLockValidatesArguments(t *testing.T) {
	f := newFixture(t)
	token := f.asset.Address()
	cases := []struct {
		name        string
		beneficiary common.Address
		token       common.Address
		amount      *big.Int
	}{
		{"missing beneficiary", common.Address{}, token, big.NewInt(1)},
		{"missing token", newTestAddress(0x02), common.Address{}, big.NewInt(1)},
		{"negative amount", newTestAddress(0x02), token, big.NewInt(-1)},
	}
	for _, tc := range cases {
		if _, err := f.locker.CreateLock(f.owner, tc.beneficiary, tc.token, tc.amount, 0, 0); !errors.Is(err, coreerrors.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
	if f.locker.Count() != 0 {
		t.Fatalf("rejected locks must not be stored")
	}
}

func TestCreateLockStampsOwnerDuration(t *testing.T) {
	f := newFixture(t)
	id := f.fund(t, 90)
	if got := f.recorder.OfType(EventTypeLockCreated); len(got) != 0 {
		t.Fatalf("pending lock must not be announced, got %+v", got)
	}
	if err := f.locker.Commit(f.owner.addr, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.owner.duration = 1
	lock, err := f.locker.Lock(id)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock.Duration != week || lock.Owner != f.owner.addr || lock.State != LockLocked {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if got := f.recorder.OfType(EventTypeLockCreated); len(got) != 1 || got[0].Attributes["amount"] != "90" {
		t.Fatalf("expected lock created event, got %+v", got)
	}
}

func TestReleaseAndReclaimAreComplementsAtBoundary(t *testing.T) {
	for _, offset := range []int64{-1, 0, 1} {
		f := newFixture(t)
		id := f.fund(t, 90)
		deadline, err := f.locker.Deadline(id)
		if err != nil {
			t.Fatalf("deadline: %v", err)
		}
		f.clock.Set(deadline + offset)

		releaseErr := f.locker.Release(f.owner.addr, id)
		if offset < 0 {
			if !errors.Is(releaseErr, coreerrors.ErrStillLocked) {
				t.Fatalf("offset %d: expected ErrStillLocked, got %v", offset, releaseErr)
			}
			if err := f.locker.Reclaim(f.owner.addr, id); err != nil {
				t.Fatalf("offset %d: reclaim: %v", offset, err)
			}
			if got := f.asset.BalanceOf(f.owner.originator).Int64(); got != 90 {
				t.Fatalf("originator balance %d", got)
			}
		} else {
			if releaseErr != nil {
				t.Fatalf("offset %d: release: %v", offset, releaseErr)
			}
			if err := f.locker.Reclaim(f.owner.addr, id); !errors.Is(err, coreerrors.ErrInvalidState) {
				t.Fatalf("offset %d: expected ErrInvalidState after release, got %v", offset, err)
			}
			if got := f.asset.BalanceOf(newTestAddress(0x02)).Int64(); got != 90 {
				t.Fatalf("beneficiary balance %d", got)
			}
		}
		if got := f.asset.BalanceOf(f.locker.Address()).Int64(); got != 0 {
			t.Fatalf("offset %d: locker still holds %d", offset, got)
		}
	}
}

func TestReclaimFailsAtExactDeadline(t *testing.T) {
	f := newFixture(t)
	id := f.fund(t, 90)
	deadline, _ := f.locker.Deadline(id)
	f.clock.Set(deadline)
	if err := f.locker.Reclaim(f.owner.addr, id); !errors.Is(err, coreerrors.ErrWindowPassed) {
		t.Fatalf("expected ErrWindowPassed, got %v", err)
	}
	lock, _ := f.locker.Lock(id)
	if lock.State != LockLocked {
		t.Fatalf("failed reclaim must not change state")
	}
}

func TestReleaseRequiresOwningInstance(t *testing.T) {
	f := newFixture(t)
	id := f.fund(t, 10)
	f.clock.Advance(8 * 24 * time.Hour)
	if err := f.locker.Release(newTestAddress(0x99), id); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.locker.Release(f.owner.addr, 42); !errors.Is(err, coreerrors.ErrIndex) {
		t.Fatalf("expected ErrIndex, got %v", err)
	}
}

func TestReleaseRestoresStateWhenTransferFails(t *testing.T) {
	f := newFixture(t)
	id, err := f.locker.CreateLock(f.owner, newTestAddress(0x02), f.asset.Address(), big.NewInt(50), f.clock.Now(), 0)
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}
	deadline, _ := f.locker.Deadline(id)
	f.clock.Set(deadline)
	// Custody was never funded, so the payout transfer fails.
	if err := f.locker.Release(f.owner.addr, id); !errors.Is(err, coreerrors.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	lock, _ := f.locker.Lock(id)
	if lock.State != LockLocked {
		t.Fatalf("expected lock to remain locked, got %s", lock.State)
	}
	if len(f.recorder.OfType(EventTypeLockReleased)) != 0 {
		t.Fatalf("failed release must not emit")
	}
}

func TestDiscardDropsLatestLock(t *testing.T) {
	f := newFixture(t)
	first := f.fund(t, 10)
	second := f.fund(t, 20)
	if err := f.locker.Discard(f.owner.addr, first, false); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for non-latest lock, got %v", err)
	}
	if err := f.locker.Discard(f.owner.addr, second, true); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if f.locker.Count() != 1 {
		t.Fatalf("expected one lock left, got %d", f.locker.Count())
	}
	if got := f.asset.BalanceOf(f.owner.addr).Int64(); got != 20 {
		t.Fatalf("expected refund to owner, got %d", got)
	}
}

func TestCommitAnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	id := f.fund(t, 40)
	if err := f.locker.Commit(newTestAddress(0x99), id); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.locker.Commit(f.owner.addr, 7); !errors.Is(err, coreerrors.ErrIndex) {
		t.Fatalf("expected ErrIndex, got %v", err)
	}
	if err := f.locker.Commit(f.owner.addr, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := f.locker.Commit(f.owner.addr, id); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second commit, got %v", err)
	}
	if err := f.locker.Discard(f.owner.addr, id, true); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected committed lock to refuse discard, got %v", err)
	}
	created := f.recorder.OfType(EventTypeLockCreated)
	if len(created) != 1 || created[0].Attributes["lockId"] != "0" {
		t.Fatalf("expected a single lock created event, got %+v", created)
	}
	if f.locker.Count() != 1 {
		t.Fatalf("expected lock to remain, got %d", f.locker.Count())
	}
}

func TestDiscardedLockIsNeverAnnounced(t *testing.T) {
	f := newFixture(t)
	id := f.fund(t, 25)
	if err := f.locker.Discard(f.owner.addr, id, true); err != nil {
		t.Fatalf("discard: %v", err)
	}
	again := f.committed(t, 30)
	if again != id {
		t.Fatalf("expected lock id %d to be reused, got %d", id, again)
	}
	created := f.recorder.OfType(EventTypeLockCreated)
	if len(created) != 1 || created[0].Attributes["amount"] != "30" {
		t.Fatalf("expected only the committed lock to be announced, got %+v", created)
	}
}
