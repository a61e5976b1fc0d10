package rollover_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"WalletLedger/internal/core"
	"WalletLedger/internal/ledger"
	"WalletLedger/internal/observability"
	"WalletLedger/internal/rollover"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockFailer lets the next n wallet locks through, then fails one
type lockFailer struct {
	*ledger.MemoryStore
	armed atomic.Bool
	skip  atomic.Int32
}

func (s *lockFailer) WithWalletLock(ctx context.Context, key ledger.WalletKey, fn func(tx ledger.WalletTx) error) error {
	if s.armed.Load() && s.skip.Add(-1) < 0 {
		s.armed.Store(false)
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.WithWalletLock(ctx, key, fn)
}

func (s *lockFailer) failAfter(n int32) {
	s.skip.Store(n)
	s.armed.Store(true)
}

type fixture struct {
	store   *lockFailer
	proc    *core.Processor
	sub     *rollover.Subledger
	metrics *observability.Metrics
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   &lockFailer{MemoryStore: ledger.NewMemoryStore()},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.proc = core.NewProcessor(f.store, core.WithMetrics(f.metrics))
	f.sub = rollover.NewSubledger(f.proc, rollover.Config{
		Metrics: f.metrics,
		Clock:   f.tick,
	})
	return f
}

// tick advances the clock so grants get distinct creation times
func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) wallet(t *testing.T) ledger.WalletKey {
	t.Helper()
	key := ledger.UserWallet(uuid.New())
	_, err := f.proc.OpenWallet(context.Background(), key, "USD")
	require.NoError(t, err)
	return key
}

func (f *fixture) grant(t *testing.T, key ledger.WalletKey, bonus int64, multiplier string, cap int64) *ledger.BonusGrant {
	t.Helper()
	res, err := f.sub.Grant(context.Background(), rollover.GrantInput{
		Wallet:        key,
		ReferenceID:   "bonus:test:" + uuid.NewString(),
		Fixed:         bonus,
		Multiplier:    decimal.RequireFromString(multiplier),
		MaxWithdrawal: cap,
	})
	require.NoError(t, err)
	return res.Grant
}

func (f *fixture) snapshot(t *testing.T, key ledger.WalletKey) *ledger.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), key)
	require.NoError(t, err)
	return w
}

func (f *fixture) grantByID(t *testing.T, id uuid.UUID) *ledger.BonusGrant {
	t.Helper()
	g, err := f.store.GetGrant(context.Background(), id)
	require.NoError(t, err)
	return g
}

func TestGrantInput_BonusAmount(t *testing.T) {
	tests := []struct {
		name string
		in   rollover.GrantInput
		want int64
	}{
		{"fixed", rollover.GrantInput{Fixed: 2500}, 2500},
		{"percent of deposit", rollover.GrantInput{DepositAmount: 10000, Percent: decimal.NewFromInt(50)}, 5000},
		{"percent capped at ceiling", rollover.GrantInput{DepositAmount: 100000, Percent: decimal.NewFromInt(100), Ceiling: 20000}, 20000},
		{"fractional cent truncated", rollover.GrantInput{DepositAmount: 333, Percent: decimal.NewFromInt(10)}, 33},
		{"fixed wins over percent", rollover.GrantInput{Fixed: 700, DepositAmount: 10000, Percent: decimal.NewFromInt(50)}, 700},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.BonusAmount()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGrant_CreditsBonusAndRollover(t *testing.T) {
	f := newFixture(t)
	key := f.wallet(t)

	g := f.grant(t, key, 5000, "3", 20000)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(5000), w.BonusBalance)
	assert.Equal(t, int64(15000), w.RolloverTotal)
	assert.Equal(t, int64(15000), w.RolloverRemaining)
	assert.Equal(t, int64(0), w.Balance)

	stored := f.grantByID(t, g.GrantID)
	assert.Equal(t, ledger.GrantActive, stored.Status)
	assert.Equal(t, int64(15000), stored.RolloverRemaining)
}

func TestGrant_IdempotentOnReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	in := rollover.GrantInput{
		Wallet:      key,
		ReferenceID: "bonus:welcome:deposit:stripe:pi_1",
		Fixed:       1000,
		Multiplier:  decimal.NewFromInt(2),
	}
	first, err := f.sub.Grant(ctx, in)
	require.NoError(t, err)
	second, err := f.sub.Grant(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Grant.GrantID, second.Grant.GrantID)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(1000), w.BonusBalance)
	assert.Equal(t, int64(2000), w.RolloverRemaining)

	grants, err := f.store.ListGrants(ctx, key)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestGrant_Validation(t *testing.T) {
	f := newFixture(t)
	key := f.wallet(t)

	tests := []struct {
		name string
		in   rollover.GrantInput
	}{
		{"missing reference", rollover.GrantInput{Wallet: key, Fixed: 100, Multiplier: decimal.NewFromInt(1)}},
		{"zero bonus", rollover.GrantInput{Wallet: key, ReferenceID: "b1", Multiplier: decimal.NewFromInt(1)}},
		{"negative multiplier", rollover.GrantInput{Wallet: key, ReferenceID: "b2", Fixed: 100, Multiplier: decimal.NewFromInt(-1)}},
		{"negative cap", rollover.GrantInput{Wallet: key, ReferenceID: "b3", Fixed: 100, Multiplier: decimal.NewFromInt(1), MaxWithdrawal: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sub.Grant(context.Background(), tt.in)
			require.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
	assert.Equal(t, int64(0), f.snapshot(t, key).BonusBalance)
}

// bonus 50 at 3x -> rollover 150; three wagers of 50 -> conversion of the
// full 50, below the 200 cap
func TestConsume_ThreeWagersConvertBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	g := f.grant(t, key, 5000, "3", 20000)

	var last *rollover.ConsumeResult
	for i, wantRemaining := range []int64{10000, 5000, 0} {
		res, err := f.sub.Consume(ctx, key, core.WagerRef(ledger.TypeBet, uuid.NewString()), 5000)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), res.Consumed, "wager %d", i)
		assert.Equal(t, wantRemaining, res.Remaining, "wager %d", i)
		last = res
	}

	require.NotNil(t, last.Conversion)
	assert.Equal(t, int64(5000), last.Conversion.Converted)
	assert.Equal(t, int64(0), last.Conversion.Forfeited)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(5000), w.Balance)
	assert.Equal(t, int64(0), w.BonusBalance)
	assert.Equal(t, int64(0), w.RolloverRemaining)
	assert.Equal(t, int64(0), w.RolloverTotal)

	stored := f.grantByID(t, g.GrantID)
	assert.Equal(t, ledger.GrantCompleted, stored.Status)
	assert.Equal(t, core.ConversionRef(g.GrantID), stored.ConversionRef)

	entry, err := f.store.FindEntry(ctx, core.ConversionRef(g.GrantID))
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeBonusConvert, entry.Type)

	assert.Equal(t, float64(15000), promtest.ToFloat64(f.metrics.RolloverConsumed))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.BonusConversions.WithLabelValues("false")))
}

func TestConsume_CapsAtRemainingAndNeverGoesNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	f.grant(t, key, 1000, "1", 0)

	res, err := f.sub.Consume(ctx, key, "bet:big", 4000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Consumed)
	assert.Equal(t, int64(0), res.Remaining)

	// Nothing outstanding: the wager is not charged
	res, err = f.sub.Consume(ctx, key, "bet:after", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Consumed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Nil(t, res.Conversion)

	_, err = f.store.FindEntry(ctx, core.RolloverRef("bet:after"))
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestConsume_FIFOAcrossGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	older := f.grant(t, key, 1000, "2", 0) // 2000 rollover
	newer := f.grant(t, key, 1000, "1", 0) // 1000 rollover

	res, err := f.sub.Consume(ctx, key, "bet:1", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.Consumed)
	assert.Equal(t, int64(500), res.Remaining)
	assert.Nil(t, res.Conversion)

	a := f.grantByID(t, older.GrantID)
	b := f.grantByID(t, newer.GrantID)
	assert.Equal(t, ledger.GrantCompleted, a.Status)
	assert.Equal(t, int64(0), a.RolloverRemaining)
	assert.Equal(t, ledger.GrantActive, b.Status)
	assert.Equal(t, int64(500), b.RolloverRemaining)

	entry, err := f.store.FindEntry(ctx, core.RolloverRef("bet:1"))
	require.NoError(t, err)
	meta, ok := entry.Metadata.(ledger.RolloverMeta)
	require.True(t, ok)
	assert.Equal(t, []ledger.GrantAllocation{
		{GrantID: older.GrantID, Amount: 2000},
		{GrantID: newer.GrantID, Amount: 500},
	}, meta.Allocations)
}

func TestConsume_RedeliveredWagerChargedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	f.grant(t, key, 1000, "5", 0)

	for i := 0; i < 3; i++ {
		res, err := f.sub.Consume(ctx, key, "bet:dup", 700)
		require.NoError(t, err)
		assert.Equal(t, int64(700), res.Consumed)
		assert.Equal(t, int64(4300), res.Remaining)
	}
	assert.Equal(t, float64(700), promtest.ToFloat64(f.metrics.RolloverConsumed))
}

func TestConsume_Validation(t *testing.T) {
	f := newFixture(t)
	key := f.wallet(t)

	_, err := f.sub.Consume(context.Background(), key, "", 100)
	require.ErrorIs(t, err, ledger.ErrValidation)
	_, err = f.sub.Consume(context.Background(), key, "bet:x", 0)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestConvert_ExcessOverCapDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	f.grant(t, key, 10000, "1", 3000)

	res, err := f.sub.Consume(ctx, key, "bet:all", 10000)
	require.NoError(t, err)
	require.NotNil(t, res.Conversion)
	assert.Equal(t, int64(3000), res.Conversion.Converted)
	assert.Equal(t, int64(7000), res.Conversion.Forfeited)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(3000), w.Balance)
	assert.Equal(t, int64(0), w.BonusBalance)

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.BonusConversions.WithLabelValues("true")))
	assert.Equal(t, float64(7000), promtest.ToFloat64(f.metrics.BonusForfeited.WithLabelValues("cap")))
}

func TestConvert_RefusedWhileRolloverOutstanding(t *testing.T) {
	f := newFixture(t)
	key := f.wallet(t)
	f.grant(t, key, 1000, "2", 0)

	_, err := f.sub.Convert(context.Background(), key)
	require.ErrorIs(t, err, ledger.ErrInsufficientRollover)
	assert.Equal(t, int64(1000), f.snapshot(t, key).BonusBalance)
}

func TestGrant_WithoutRolloverConvertsImmediately(t *testing.T) {
	f := newFixture(t)
	key := f.wallet(t)
	g := f.grant(t, key, 800, "0", 0)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(800), w.Balance)
	assert.Equal(t, int64(0), w.BonusBalance)
	assert.Equal(t, core.ConversionRef(g.GrantID), f.grantByID(t, g.GrantID).ConversionRef)
}

func TestCheckWithdrawalEligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	el, err := f.sub.CheckWithdrawalEligibility(ctx, key)
	require.NoError(t, err)
	assert.True(t, el.CanWithdraw)

	f.grant(t, key, 1000, "3", 0)
	el, err = f.sub.CheckWithdrawalEligibility(ctx, key)
	require.NoError(t, err)
	assert.False(t, el.CanWithdraw)
	assert.Equal(t, int64(3000), el.RolloverRemaining)

	_, err = f.sub.CheckWithdrawalEligibility(ctx, ledger.UserWallet(uuid.New()))
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestCancelGrant_ReleasesRolloverAndForfeitsBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	g := f.grant(t, key, 1000, "5", 0)

	entry, err := f.sub.CancelGrant(ctx, g.GrantID, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeBonusForfeit, entry.Type)
	assert.Equal(t, int64(1000), entry.Amount)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(0), w.BonusBalance)
	assert.Equal(t, int64(0), w.RolloverRemaining)
	assert.Equal(t, int64(0), w.RolloverTotal)
	assert.Equal(t, ledger.GrantCancelled, f.grantByID(t, g.GrantID).Status)

	// Cancelling again replays the same forfeit
	again, err := f.sub.CancelGrant(ctx, g.GrantID, "")
	require.NoError(t, err)
	assert.Equal(t, entry.EntryID, again.EntryID)

	_, err = f.sub.CancelGrant(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ledger.ErrGrantNotFound)
}

func TestCancelGrant_CompletesCycleForRemainingGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	done := f.grant(t, key, 1000, "1", 0)
	pending := f.grant(t, key, 500, "2", 0)

	_, err := f.sub.Consume(ctx, key, "bet:1", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), f.snapshot(t, key).RolloverRemaining)

	_, err = f.sub.CancelGrant(ctx, pending.GrantID, "abuse")
	require.NoError(t, err)

	// The released rollover leaves the first grant's bonus convertible
	w := f.snapshot(t, key)
	assert.Equal(t, int64(1000), w.Balance)
	assert.Equal(t, int64(0), w.BonusBalance)
	assert.Equal(t, int64(0), w.RolloverRemaining)
	assert.Equal(t, core.ConversionRef(done.GrantID), f.grantByID(t, done.GrantID).ConversionRef)
	assert.Equal(t, float64(500), promtest.ToFloat64(f.metrics.BonusForfeited.WithLabelValues("abuse")))
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	past := f.clock.Add(-time.Hour)
	future := f.clock.Add(24 * time.Hour)

	res, err := f.sub.Grant(ctx, rollover.GrantInput{
		Wallet: key, ReferenceID: "bonus:old", Fixed: 400, Multiplier: decimal.NewFromInt(2), ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = f.sub.Grant(ctx, rollover.GrantInput{
		Wallet: key, ReferenceID: "bonus:fresh", Fixed: 600, Multiplier: decimal.NewFromInt(2), ExpiresAt: &future,
	})
	require.NoError(t, err)

	n, err := f.sub.ExpireDue(ctx, f.clock, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, ledger.GrantExpired, f.grantByID(t, res.Grant.GrantID).Status)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(600), w.BonusBalance)
	assert.Equal(t, int64(1200), w.RolloverRemaining)

	n, err = f.sub.ExpireDue(ctx, f.clock, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGrant_RedeliveryFinishesFailedConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	in := rollover.GrantInput{
		Wallet:      key,
		ReferenceID: "bonus:cashback:7",
		Fixed:       800,
		Multiplier:  decimal.Zero,
	}

	// The credit commits, the immediate conversion does not
	f.store.failAfter(1)
	_, err := f.sub.Grant(ctx, in)
	require.Error(t, err)
	w := f.snapshot(t, key)
	assert.Equal(t, int64(800), w.BonusBalance)
	assert.Zero(t, w.Balance)

	res, err := f.sub.Grant(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	w = f.snapshot(t, key)
	assert.Equal(t, int64(800), w.Balance)
	assert.Zero(t, w.BonusBalance)
	assert.Zero(t, w.RolloverRemaining)
}

func TestConsume_NextWagerFinishesFailedConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)
	f.grant(t, key, 1000, "1", 0)

	f.store.failAfter(1)
	res, err := f.sub.Consume(ctx, key, "bet:1", 1000)
	require.Error(t, err)
	assert.Equal(t, int64(1000), res.Consumed)
	assert.Equal(t, int64(1000), f.snapshot(t, key).BonusBalance)

	res, err = f.sub.Consume(ctx, key, "bet:2", 300)
	require.NoError(t, err)
	assert.Zero(t, res.Consumed)
	require.NotNil(t, res.Conversion)
	assert.Equal(t, int64(1000), res.Conversion.Converted)

	w := f.snapshot(t, key)
	assert.Equal(t, int64(1000), w.Balance)
	assert.Zero(t, w.BonusBalance)
}

func TestGrant_HugeMultiplierRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.wallet(t)

	_, err := f.sub.Grant(ctx, rollover.GrantInput{
		Wallet:      key,
		ReferenceID: "bonus:promo:huge",
		Fixed:       1000,
		Multiplier:  decimal.RequireFromString("1e20"),
	})
	require.ErrorIs(t, err, ledger.ErrValidation)

	w := f.snapshot(t, key)
	assert.Zero(t, w.BonusBalance)
	assert.Zero(t, w.RolloverTotal)
	_, err = f.store.FindEntry(ctx, "bonus:promo:huge")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}
