package ledger_test

import (
	"WalletLedger/internal/ledger"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Test: WalletKey
// ============================================================================

func TestWalletKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.UserWallet(userID)

	path := key.Path()
	expected := "user:550e8400-e29b-41d4-a716-446655440000"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestWalletKey_ParseRoundTrip(t *testing.T) {
	key := ledger.AffiliateWallet(uuid.New())

	parsed, err := ledger.ParseWalletKey(key.Path())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != key {
		t.Errorf("got %v, want %v", parsed, key)
	}
}

func TestWalletKey_ParseRejectsUnknownScope(t *testing.T) {
	if _, err := ledger.ParseWalletKey("system:" + uuid.NewString()); err == nil {
		t.Error("expected error for unknown scope")
	}
	if _, err := ledger.ParseWalletKey("user"); err == nil {
		t.Error("expected error for missing owner id")
	}
}

// ============================================================================
// Test: Apply (transition table)
// ============================================================================

func TestApply_Transitions(t *testing.T) {
	grantID := uuid.New()

	tests := []struct {
		name    string
		start   ledger.Wallet
		txType  ledger.TransactionType
		amount  int64
		meta    ledger.Metadata
		want    ledger.Wallet
		wantErr error
	}{
		{
			name:   "deposit credits balance",
			start:  ledger.Wallet{Balance: 100},
			txType: ledger.TypeDeposit,
			amount: 50,
			want:   ledger.Wallet{Balance: 150},
		},
		{
			name:    "deposit overflowing balance is invalid",
			start:   ledger.Wallet{Balance: math.MaxInt64 - 10},
			txType:  ledger.TypeDeposit,
			amount:  11,
			wantErr: ledger.ErrValidation,
		},
		{
			name:    "release overflowing balance is invalid",
			start:   ledger.Wallet{Balance: math.MaxInt64, LockedBalance: 5},
			txType:  ledger.TypeWithdrawRelease,
			amount:  5,
			wantErr: ledger.ErrValidation,
		},
		{
			name:   "win credits balance",
			start:  ledger.Wallet{},
			txType: ledger.TypeWin,
			amount: 20,
			want:   ledger.Wallet{Balance: 20},
		},
		{
			name:   "bet debits balance",
			start:  ledger.Wallet{Balance: 100},
			txType: ledger.TypeBet,
			amount: 100,
			want:   ledger.Wallet{Balance: 0},
		},
		{
			name:    "bet beyond balance rejected",
			start:   ledger.Wallet{Balance: 99},
			txType:  ledger.TypeBet,
			amount:  100,
			want:    ledger.Wallet{Balance: 99},
			wantErr: ledger.ErrInsufficientFunds,
		},
		{
			name:   "reserve moves to locked",
			start:  ledger.Wallet{Balance: 10000},
			txType: ledger.TypeWithdrawReserve,
			amount: 4000,
			want:   ledger.Wallet{Balance: 6000, LockedBalance: 4000},
		},
		{
			name:   "release returns locked",
			start:  ledger.Wallet{Balance: 6000, LockedBalance: 4000},
			txType: ledger.TypeWithdrawRelease,
			amount: 4000,
			want:   ledger.Wallet{Balance: 10000},
		},
		{
			name:    "release beyond locked rejected",
			start:   ledger.Wallet{Balance: 6000, LockedBalance: 10},
			txType:  ledger.TypeWithdrawRelease,
			amount:  11,
			want:    ledger.Wallet{Balance: 6000, LockedBalance: 10},
			wantErr: ledger.ErrInsufficientLockedFunds,
		},
		{
			name:   "clear drops locked only",
			start:  ledger.Wallet{Balance: 6000, LockedBalance: 4000},
			txType: ledger.TypeWithdrawClear,
			amount: 4000,
			want:   ledger.Wallet{Balance: 6000},
		},
		{
			name:   "bonus credit adds rollover",
			start:  ledger.Wallet{},
			txType: ledger.TypeBonusCredit,
			amount: 5000,
			meta:   ledger.BonusCreditMeta{GrantID: grantID, Rollover: 15000},
			want:   ledger.Wallet{BonusBalance: 5000, RolloverTotal: 15000, RolloverRemaining: 15000},
		},
		{
			name:    "bonus credit without metadata rejected",
			start:   ledger.Wallet{},
			txType:  ledger.TypeBonusCredit,
			amount:  5000,
			wantErr: ledger.ErrValidation,
		},
		{
			name:   "rollover consume",
			start:  ledger.Wallet{RolloverTotal: 150, RolloverRemaining: 150},
			txType: ledger.TypeRolloverConsume,
			amount: 50,
			want:   ledger.Wallet{RolloverTotal: 150, RolloverRemaining: 100},
		},
		{
			name:   "convert moves bonus and resets cycle",
			start:  ledger.Wallet{Balance: 10, BonusBalance: 5000, RolloverTotal: 15000},
			txType: ledger.TypeBonusConvert,
			amount: 5000,
			meta:   ledger.ConversionMeta{GrantID: grantID},
			want:   ledger.Wallet{Balance: 5010},
		},
		{
			name:   "capped convert discards excess",
			start:  ledger.Wallet{BonusBalance: 30000, RolloverTotal: 90000},
			txType: ledger.TypeBonusConvert,
			amount: 20000,
			meta:   ledger.ConversionMeta{GrantID: grantID, Cap: 20000, Forfeited: 10000},
			want:   ledger.Wallet{Balance: 20000},
		},
		{
			name:    "convert with outstanding rollover rejected",
			start:   ledger.Wallet{BonusBalance: 5000, RolloverTotal: 150, RolloverRemaining: 1},
			txType:  ledger.TypeBonusConvert,
			amount:  5000,
			want:    ledger.Wallet{BonusBalance: 5000, RolloverTotal: 150, RolloverRemaining: 1},
			wantErr: ledger.ErrInsufficientRollover,
		},
		{
			name:   "forfeit releases rollover",
			start:  ledger.Wallet{BonusBalance: 5000, RolloverTotal: 15000, RolloverRemaining: 9000},
			txType: ledger.TypeBonusForfeit,
			amount: 5000,
			meta:   ledger.ForfeitMeta{GrantID: grantID, RolloverReleased: 9000},
			want:   ledger.Wallet{RolloverTotal: 6000},
		},
		{
			name:    "unknown type rejected",
			start:   ledger.Wallet{Balance: 1},
			txType:  ledger.TransactionType("TIP"),
			amount:  1,
			want:    ledger.Wallet{Balance: 1},
			wantErr: ledger.ErrValidation,
		},
		{
			name:    "zero amount rejected",
			start:   ledger.Wallet{Balance: 1},
			txType:  ledger.TypeDeposit,
			amount:  0,
			want:    ledger.Wallet{Balance: 1},
			wantErr: ledger.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.start
			err := ledger.Apply(&w, tt.txType, tt.amount, tt.meta)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if w != tt.start {
					t.Errorf("wallet mutated on error: %+v", w)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if w != tt.want {
				t.Errorf("got %+v, want %+v", w, tt.want)
			}
		})
	}
}

func TestCheckInvariant(t *testing.T) {
	if err := ledger.CheckInvariant(&ledger.Wallet{RolloverTotal: 10, RolloverRemaining: 10}); err != nil {
		t.Errorf("valid wallet rejected: %v", err)
	}
	if err := ledger.CheckInvariant(&ledger.Wallet{RolloverTotal: 10, RolloverRemaining: 11}); err == nil {
		t.Error("remaining > total should violate the invariant")
	}
	if err := ledger.CheckInvariant(&ledger.Wallet{LockedBalance: -1}); !errors.Is(err, ledger.ErrInsufficientLockedFunds) {
		t.Errorf("expected ErrInsufficientLockedFunds, got %v", err)
	}
}

// ============================================================================
// Test: Metadata
// ============================================================================

func TestValidateMetadata_WrongType(t *testing.T) {
	err := ledger.ValidateMetadata(ledger.TypeBet, ledger.DepositMeta{Gateway: "x", ExternalID: "1"})
	if err == nil {
		t.Fatal("deposit metadata should not be accepted on a bet")
	}
}

func TestValidateMetadata_MissingField(t *testing.T) {
	err := ledger.ValidateMetadata(ledger.TypeDeposit, ledger.DepositMeta{Gateway: "x"})
	if err == nil {
		t.Fatal("deposit metadata without external id should be rejected")
	}
}

func TestMetadata_EncodeDecode(t *testing.T) {
	in := ledger.RolloverMeta{
		WagerRef: "bet:42",
		Allocations: []ledger.GrantAllocation{
			{GrantID: uuid.New(), Amount: 30},
			{GrantID: uuid.New(), Amount: 20},
		},
	}

	raw, err := ledger.EncodeMetadata(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ledger.DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, ok := out.(ledger.RolloverMeta)
	if !ok {
		t.Fatalf("decoded %T, want RolloverMeta", out)
	}
	if got.WagerRef != in.WagerRef || len(got.Allocations) != 2 || got.Allocations[1] != in.Allocations[1] {
		t.Errorf("got %+v, want %+v", got, in)
	}
}

func TestReservationMeta_CarriesRequestKind(t *testing.T) {
	in := ledger.ReservationMeta{RequestID: uuid.New(), RequestKind: "affiliate_payout", Reason: "late"}
	if in.Kind() != "reservation" {
		t.Fatalf("metadata kind = %q, want reservation", in.Kind())
	}

	raw, err := ledger.EncodeMetadata(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"affiliate_payout"`) {
		t.Errorf("request kind missing from %s", raw)
	}
	out, err := ledger.DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, ok := out.(ledger.ReservationMeta); !ok || got != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestDecodeMetadata_UnknownKind(t *testing.T) {
	if _, err := ledger.DecodeMetadata([]byte(`{"kind":"tip","data":{}}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// ============================================================================
// Test: Errors
// ============================================================================

func TestError_KindAndPublicMessage(t *testing.T) {
	err := ledger.NewError(ledger.ErrInsufficientFunds, "apply BET", "bet:1", errors.New("have=10, need=20"))

	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Error("errors.Is should match the kind")
	}
	if ledger.KindOf(err) != ledger.ErrInsufficientFunds {
		t.Errorf("KindOf = %v", ledger.KindOf(err))
	}

	msg := ledger.PublicMessage(err)
	if msg != "Insufficient balance for this operation." {
		t.Errorf("unexpected public message %q", msg)
	}
}

// ============================================================================
// Test: MemoryStore
// ============================================================================

func openWallet(t *testing.T, s *ledger.MemoryStore, balance int64) ledger.WalletKey {
	t.Helper()
	key := ledger.UserWallet(uuid.New())
	if _, err := s.CreateWallet(context.Background(), &ledger.Wallet{Key: key, Currency: "USD", Balance: balance}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return key
}

func TestMemoryStore_CreateWalletIdempotent(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := ledger.UserWallet(uuid.New())

	first, err := s.CreateWallet(ctx, &ledger.Wallet{Key: key, Currency: "USD"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.CreateWallet(ctx, &ledger.Wallet{Key: key, Currency: "EUR"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.WalletID != second.WalletID || second.Currency != "USD" {
		t.Errorf("second create should return the existing wallet, got %+v", second)
	}
}

func TestMemoryStore_CommitIsAtomic(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := openWallet(t, s, 100)

	err := s.WithWalletLock(ctx, key, func(tx ledger.WalletTx) error {
		w := tx.Wallet()
		w.Balance = 0
		if err := tx.Commit(ctx, ledger.Change{Wallet: w, Entry: &ledger.Entry{ReferenceID: "r1", Type: ledger.TypeBet, Amount: 100}}); err != nil {
			return err
		}
		return errors.New("abort after staging")
	})
	if err == nil {
		t.Fatal("expected abort error")
	}

	w, _ := s.GetWallet(ctx, key)
	if w.Balance != 100 {
		t.Errorf("aborted change leaked: balance=%d", w.Balance)
	}
	if _, err := s.FindEntry(ctx, "r1"); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("aborted entry leaked: %v", err)
	}
}

func TestMemoryStore_DuplicateReferenceRejected(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := openWallet(t, s, 100)

	commit := func() error {
		return s.WithWalletLock(ctx, key, func(tx ledger.WalletTx) error {
			w := tx.Wallet()
			w.Balance += 1
			return tx.Commit(ctx, ledger.Change{Wallet: w, Entry: &ledger.Entry{ReferenceID: "dup", Type: ledger.TypeDeposit, Amount: 1}})
		})
	}

	if err := commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := commit(); !errors.Is(err, ledger.ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	w, _ := s.GetWallet(ctx, key)
	if w.Balance != 101 {
		t.Errorf("balance = %d, want 101", w.Balance)
	}
}

func TestMemoryStore_ListEntriesNewestFirst(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := openWallet(t, s, 0)

	for i, typ := range []ledger.TransactionType{ledger.TypeDeposit, ledger.TypeBet, ledger.TypeWin} {
		ref := string(typ)
		err := s.WithWalletLock(ctx, key, func(tx ledger.WalletTx) error {
			return tx.Commit(ctx, ledger.Change{Wallet: tx.Wallet(), Entry: &ledger.Entry{ReferenceID: ref, Type: typ, Amount: int64(i + 1)}})
		})
		if err != nil {
			t.Fatalf("commit %s: %v", ref, err)
		}
	}

	all, _ := s.ListEntries(ctx, key, ledger.EntryFilter{})
	if len(all) != 3 || all[0].Type != ledger.TypeWin {
		t.Fatalf("unexpected order: %+v", all)
	}

	bets, _ := s.ListEntries(ctx, key, ledger.EntryFilter{Types: []ledger.TransactionType{ledger.TypeBet}})
	if len(bets) != 1 || bets[0].ReferenceID != "BET" {
		t.Errorf("filter returned %+v", bets)
	}
}

func TestMemoryStore_GrantsSortedAndDue(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	key := openWallet(t, s, 0)
	now := time.Now()
	past := now.Add(-time.Hour)

	older := &ledger.BonusGrant{GrantID: uuid.New(), Wallet: key, Status: ledger.GrantActive, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: &past}
	newer := &ledger.BonusGrant{GrantID: uuid.New(), Wallet: key, Status: ledger.GrantActive, CreatedAt: now}

	err := s.WithWalletLock(ctx, key, func(tx ledger.WalletTx) error {
		return tx.Commit(ctx, ledger.Change{Wallet: tx.Wallet(), Grants: []*ledger.BonusGrant{newer, older}})
	})
	if err != nil {
		t.Fatalf("commit grants: %v", err)
	}

	grants, _ := s.ListGrants(ctx, key)
	if len(grants) != 2 || grants[0].GrantID != older.GrantID {
		t.Errorf("grants not ordered oldest first")
	}

	due, _ := s.DueGrants(ctx, now, 10)
	if len(due) != 1 || due[0].GrantID != older.GrantID {
		t.Errorf("expected only the expired grant to be due, got %d", len(due))
	}
}

func TestInvariantValidator_ValidateAll(t *testing.T) {
	s := ledger.NewMemoryStore()
	ctx := context.Background()
	openWallet(t, s, 100)
	bad := ledger.UserWallet(uuid.New())
	s.CreateWallet(ctx, &ledger.Wallet{Key: bad, RolloverTotal: 1, RolloverRemaining: 5})

	violations, err := ledger.NewInvariantValidator(s).ValidateAll(ctx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) != 1 || violations[0].Wallet != bad {
		t.Errorf("expected one violation for %s, got %+v", bad, violations)
	}
}
