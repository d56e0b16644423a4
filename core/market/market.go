package market

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"milestonemarket/config"
	coreerrors "milestonemarket/core/errors"
	"milestonemarket/core/events"
	"milestonemarket/native/bank"
	nativecommon "milestonemarket/native/common"
	"milestonemarket/native/escrow"
	"milestonemarket/native/locker"
	"milestonemarket/native/registry"
	"milestonemarket/observability"
)

// Options carries the collaborators a market is built with. Zero values fall
// back to the default logger, a no-op emitter and the wall clock (or a manual
// clock when simulation is enabled in the config).
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
	Now     func() int64
}

// Market hosts one registry, its locker and the token ledger in a single
// process. Every call is serialised, so each operation runs to completion
// before the next one is observed.
type Market struct {
	mu       sync.Mutex
	logger   *slog.Logger
	clock    *nativecommon.ManualClock
	now      func() int64
	ledger   *bank.Ledger
	native   *bank.Asset
	locker   *locker.Locker
	registry *registry.Registry
	owner    common.Address
}

// New builds a market from cfg: tokens and allocations are registered, the
// locker and registry are created, and any policy and operators named in the
// config are applied on behalf of the registry owner.
func New(cfg *config.Config, opts Options) (*Market, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config required", coreerrors.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerrors.ErrInvalidConfig, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var emitter events.Emitter = events.NoopEmitter{}
	if opts.Emitter != nil {
		emitter = opts.Emitter
	}
	m := &Market{logger: logger.With(slog.String("component", "market")), ledger: bank.NewLedger()}
	switch {
	case opts.Now != nil:
		m.now = opts.Now
	case cfg.Simulation.Enabled:
		start := cfg.Simulation.StartUnix
		if start == 0 {
			start = time.Now().Unix()
		}
		m.clock = nativecommon.NewManualClock(start)
		m.now = m.clock.Now
	default:
		m.now = nativecommon.SystemClock
	}

	if err := m.registerTokens(cfg.Tokens); err != nil {
		return nil, err
	}
	registryAddr, _ := config.ParseAddress(cfg.Registry.Address)
	lockerAddr, _ := config.ParseAddress(cfg.Registry.Locker)
	m.owner, _ = config.ParseAddress(cfg.Registry.Owner)

	lk, err := locker.New(lockerAddr, m.ledger)
	if err != nil {
		return nil, err
	}
	lk.SetNowFunc(m.now)
	lk.SetEmitter(emitter)
	m.locker = lk

	reg, err := registry.New(registry.Config{
		Address:  registryAddr,
		Owner:    m.owner,
		Template: &escrow.Template{Tokens: m.ledger, Now: m.now, Emitter: emitter},
		Native:   m.native,
		Emitter:  emitter,
	})
	if err != nil {
		return nil, err
	}
	m.registry = reg
	if err := m.applyPolicy(cfg.Policy); err != nil {
		return nil, err
	}
	m.refreshGauges()
	return m, nil
}

func (m *Market) registerTokens(tokens []config.Token) error {
	for _, tok := range tokens {
		addr, _ := config.ParseAddress(tok.Address)
		asset, err := m.ledger.Register(addr, tok.Symbol)
		if err != nil {
			return err
		}
		if tok.Native {
			m.native = asset
		}
		for _, alloc := range tok.Allocations {
			to, _ := config.ParseAddress(alloc.Address)
			amount, _ := config.ParseAmount(alloc.Amount)
			if err := asset.Mint(to, amount); err != nil {
				return fmt.Errorf("allocate %s to %s: %w", asset.Symbol(), to.Hex(), err)
			}
		}
	}
	if m.native == nil {
		return fmt.Errorf("%w: native token required", coreerrors.ErrInvalidConfig)
	}
	return nil
}

func (m *Market) applyPolicy(p config.Policy) error {
	if p.LockDurationSeconds > 0 {
		if err := m.registry.SetLockPolicy(m.owner, m.locker, p.LockDurationSeconds); err != nil {
			return err
		}
	}
	if p.FeeRecipient != "" {
		recipient, _ := config.ParseAddress(p.FeeRecipient)
		flat, _ := config.ParseAmount(p.FlatFee)
		if err := m.registry.SetFeePolicy(m.owner, recipient, flat, p.PercentFee); err != nil {
			return err
		}
	}
	for _, raw := range p.Operators {
		op, _ := config.ParseAddress(raw)
		if err := m.registry.SetOperator(m.owner, op, true); err != nil {
			return err
		}
	}
	return nil
}

// do runs a mutating operation under the market lock and records its outcome.
func (m *Market) do(component, operation string, attrs []any, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := time.Now()
	err := fn()
	kind := coreerrors.Kind(err)
	observability.Escrow().Observe(component, operation, kind, time.Since(start))
	args := append([]any{slog.String("operation", operation), slog.String("outcome", kind)}, attrs...)
	if err != nil {
		m.logger.Warn("operation rejected", append(args, slog.Any("error", err))...)
		return err
	}
	m.logger.Info("operation applied", args...)
	m.refreshGauges()
	return nil
}

func (m *Market) refreshGauges() {
	metrics := observability.Escrow()
	metrics.SetActiveInstances(len(m.registry.ListActiveInstances()))
	byState := map[string]int{
		locker.LockLocked.String():    0,
		locker.LockReleased.String():  0,
		locker.LockWithdrawn.String(): 0,
	}
	locked := make(map[common.Address]*big.Int)
	for _, lock := range m.locker.Locks() {
		byState[lock.State.String()]++
		if lock.State != locker.LockLocked {
			continue
		}
		if locked[lock.Token] == nil {
			locked[lock.Token] = new(big.Int)
		}
		locked[lock.Token].Add(locked[lock.Token], lock.Amount)
	}
	metrics.SetLocks(byState)
	for _, asset := range m.ledger.Assets() {
		amount := locked[asset.Address()]
		if amount == nil {
			amount = new(big.Int)
		}
		f, _ := new(big.Float).SetInt(amount).Float64()
		metrics.SetLockedAmount(asset.Symbol(), f)
	}
}

func (m *Market) instance(addr common.Address) (*escrow.Instance, error) {
	return m.registry.Instance(addr)
}

// withInstance runs fn against the instance at addr under the market lock.
func (m *Market) withInstance(operation string, caller, addr common.Address, index uint64, fn func(*escrow.Instance) error) error {
	attrs := []any{slog.String("caller", caller.Hex()), slog.String("escrow", addr.Hex())}
	if index != math.MaxUint64 {
		attrs = append(attrs, slog.Uint64("index", index))
	}
	return m.do("escrow", operation, attrs, func() error {
		inst, err := m.instance(addr)
		if err != nil {
			return err
		}
		return fn(inst)
	})
}

// Now returns the market clock.
func (m *Market) Now() int64 { return m.now() }

// Simulated reports whether the market runs on a manual clock.
func (m *Market) Simulated() bool { return m.clock != nil }

// Advance moves the simulation clock forward and returns the new time.
func (m *Market) Advance(d time.Duration) (int64, error) {
	if m.clock == nil {
		return 0, fmt.Errorf("%w: clock is not simulated", coreerrors.ErrInvalidState)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: advance must be positive", coreerrors.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Advance(d)
	m.logger.Info("clock advanced", slog.Int64("now", now))
	return now, nil
}

// Owner returns the registry owner.
func (m *Market) Owner() common.Address { return m.owner }

// RegistryAddress returns the identity instance addresses derive from.
func (m *Market) RegistryAddress() common.Address { return m.registry.Address() }

// LockerAddress returns the custodian identity.
func (m *Market) LockerAddress() common.Address { return m.locker.Address() }
