package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stampledger/ledger"
	"stampledger/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fixture struct {
	ledger *ledger.Engine
	escrow *Engine
}

func newFixture(t *testing.T, accounts ...string) *fixture {
	t.Helper()
	ledgerEngine := ledger.New(setupTestDB(t), ledger.DefaultPolicy())
	escrowEngine := New(ledgerEngine, DefaultConfig())
	for _, id := range accounts {
		if _, err := ledgerEngine.EnsureAccount(context.Background(), id); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	return &fixture{ledger: ledgerEngine, escrow: escrowEngine}
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	balance, err := f.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return balance
}

// checkConservation asserts that no token appeared or vanished outside the
// transaction log: balances plus pending escrow always equal the minted total.
func (f *fixture) checkConservation(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	balances, err := f.ledger.SumBalances(ctx)
	if err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	pending, err := f.ledger.SumPendingEscrow(ctx)
	if err != nil {
		t.Fatalf("sum pending: %v", err)
	}
	var minted *int64
	err = f.ledger.DB().Model(&models.Transaction{}).
		Where("kind IN ?", []models.TxKind{
			models.KindGrant, models.KindDrip, models.KindPurchase,
			models.KindReplyBonus, models.KindAirdrop,
		}).
		Select("SUM(amount)").Scan(&minted).Error
	if err != nil {
		t.Fatalf("sum mints: %v", err)
	}
	var total int64
	if minted != nil {
		total = *minted
	}
	if balances+pending != total {
		t.Fatalf("conservation violated: balances %d + pending %d != minted %d", balances, pending, total)
	}
}

func TestStakeCreatesPendingEscrow(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	result, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if !result.OK || result.Insufficient {
		t.Fatalf("unexpected result %+v", result)
	}
	grant := f.ledger.Policy().SignupGrant
	if result.NewBalance != grant-3 {
		t.Fatalf("expected balance %d, got %d", grant-3, result.NewBalance)
	}
	if result.Escrow.Status != models.StatusPending {
		t.Fatalf("expected pending escrow, got %s", result.Escrow.Status)
	}
	if !result.Escrow.ExpiresAt.After(result.Escrow.CreatedAt) {
		t.Fatal("expiry must be after creation")
	}
	f.checkConservation(t)
}

func TestStakeIdempotentByReference(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	second, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3)
	if err != nil {
		t.Fatalf("repeat stake: %v", err)
	}
	if !second.OK {
		t.Fatalf("repeat stake not ok: %+v", second)
	}
	if second.NewBalance != first.NewBalance {
		t.Fatalf("repeat stake debited again: %d then %d", first.NewBalance, second.NewBalance)
	}

	// Same reference with a different definition is a conflict.
	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 5); !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("expected ErrDuplicateRef, got %v", err)
	}
}

func TestStakeInsufficientBalance(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	result, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", f.ledger.Policy().SignupGrant+1)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if !result.Insufficient || result.OK {
		t.Fatalf("expected insufficient branch, got %+v", result)
	}
	if result.NewBalance != f.ledger.Policy().SignupGrant {
		t.Fatalf("failed stake mutated balance: %d", result.NewBalance)
	}
	if _, err := f.escrow.Get(ctx, "msg-1"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected no escrow record, got %v", err)
	}
}

func TestStakeUnknownReceiver(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.escrow.Stake(context.Background(), "alice", "ghost", "msg-1", 3); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentStakesSingleWinner(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant

	var wg sync.WaitGroup
	results := make([]*StakeResult, 2)
	errs := make([]error, 2)
	refs := []string{"msg-a", "msg-b"}
	receivers := []string{"bob", "carol"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.escrow.Stake(ctx, "alice", receivers[i], refs[i], grant)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("stake %d: %v", i, errs[i])
		}
		if results[i].OK {
			ok++
		}
		if results[i].Insufficient {
			insufficient++
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one insufficient, got ok=%d insufficient=%d", ok, insufficient)
	}
	if got := f.balance(t, "alice"); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
	f.checkConservation(t)
}

func TestSettleOnReadRefundsSender(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	outcome, err := f.escrow.SettleOnRead(ctx, "msg-1")
	if err != nil {
		t.Fatalf("settle on read: %v", err)
	}
	if outcome.AlreadySettled {
		t.Fatal("first settlement reported as already settled")
	}
	if outcome.Escrow.Status != models.StatusRefunded {
		t.Fatalf("expected refunded, got %s", outcome.Escrow.Status)
	}
	if outcome.Escrow.SettledAt == nil {
		t.Fatal("settled_at not recorded")
	}
	if got := f.balance(t, "alice"); got != grant {
		t.Fatalf("expected sender restored to %d, got %d", grant, got)
	}
	if got := f.balance(t, "bob"); got != grant {
		t.Fatalf("read must not move tokens to the receiver, got %d", got)
	}
	f.checkConservation(t)
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := f.escrow.SettleOnRead(ctx, "msg-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// A repeat of the same operation and every competing operation must be a
	// no-op returning the recorded outcome.
	repeat, err := f.escrow.SettleOnRead(ctx, "msg-1")
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if !repeat.AlreadySettled || repeat.Escrow.Status != models.StatusRefunded {
		t.Fatalf("repeat settle outcome %+v", repeat)
	}
	reject, err := f.escrow.SettleOnReject(ctx, "msg-1")
	if err != nil {
		t.Fatalf("competing reject: %v", err)
	}
	if !reject.AlreadySettled || reject.Escrow.Status != models.StatusRefunded {
		t.Fatalf("competing reject outcome %+v", reject)
	}
	expire, err := f.escrow.Expire(ctx, "msg-1")
	if err != nil {
		t.Fatalf("competing expire: %v", err)
	}
	if !expire.AlreadySettled {
		t.Fatalf("competing expire outcome %+v", expire)
	}

	if got := f.balance(t, "alice"); got != grant {
		t.Fatalf("delta applied more than once, balance %d", got)
	}
	f.checkConservation(t)
}

func TestSettleOnReplyMintsBonusForBothParties(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant
	bonus := DefaultConfig().ReplyBonus

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	outcome, err := f.escrow.SettleOnReply(ctx, "msg-1", "bob")
	if err != nil {
		t.Fatalf("settle on reply: %v", err)
	}
	if outcome.Escrow.Status != models.StatusTransferred {
		t.Fatalf("expected transferred, got %s", outcome.Escrow.Status)
	}
	if got := f.balance(t, "alice"); got != grant+bonus {
		t.Fatalf("expected sender %d, got %d", grant+bonus, got)
	}
	if got := f.balance(t, "bob"); got != grant+bonus {
		t.Fatalf("expected receiver %d, got %d", grant+bonus, got)
	}
	f.checkConservation(t)
}

func TestSettleOnReplyRejectsWrongReplier(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := f.escrow.SettleOnReply(ctx, "msg-1", "mallory"); !errors.Is(err, ErrNotReceiver) {
		t.Fatalf("expected ErrNotReceiver, got %v", err)
	}
	esc, err := f.escrow.Get(ctx, "msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if esc.Status != models.StatusPending {
		t.Fatalf("failed reply settled the escrow: %s", esc.Status)
	}
}

func TestSettleOnRejectTransfersToReceiver(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	outcome, err := f.escrow.SettleOnReject(ctx, "msg-1")
	if err != nil {
		t.Fatalf("settle on reject: %v", err)
	}
	if outcome.Escrow.Status != models.StatusTransferred {
		t.Fatalf("expected transferred, got %s", outcome.Escrow.Status)
	}
	if outcome.CapRedirected {
		t.Fatal("unexpected cap redirect")
	}
	if got := f.balance(t, "alice"); got != grant-3 {
		t.Fatalf("expected sender %d, got %d", grant-3, got)
	}
	if got := f.balance(t, "bob"); got != grant+3 {
		t.Fatalf("expected receiver %d, got %d", grant+3, got)
	}
	f.checkConservation(t)
}

func TestExpireRedirectsWhenReceiverCapped(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	grant := f.ledger.Policy().SignupGrant
	cap := f.ledger.Policy().DailyEarnCap

	// Fill the receiver's daily earn meter.
	err := f.ledger.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := f.ledger.CreditEarnTx(tx, "bob", cap, models.KindReplyBonus, nil, "fills the cap")
		if err != nil {
			return err
		}
		if !applied {
			t.Fatal("priming credit should apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("prime cap: %v", err)
	}

	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-1", 3); err != nil {
		t.Fatalf("stake: %v", err)
	}
	outcome, err := f.escrow.Expire(ctx, "msg-1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if outcome.Escrow.Status != models.StatusForfeited {
		t.Fatalf("expected forfeited, got %s", outcome.Escrow.Status)
	}
	if !outcome.CapRedirected {
		t.Fatal("expected cap redirect")
	}
	if got := f.balance(t, "alice"); got != grant {
		t.Fatalf("expected sender restored to %d, got %d", grant, got)
	}
	if got := f.balance(t, "bob"); got != grant+cap {
		t.Fatalf("receiver balance changed by redirected credit: %d", got)
	}
	f.checkConservation(t)
}

func TestListExpired(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.escrow.SetNowFunc(func() time.Time { return base })
	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-old", 2); err != nil {
		t.Fatalf("stake: %v", err)
	}
	f.escrow.SetNowFunc(func() time.Time { return base.Add(48 * time.Hour) })
	if _, err := f.escrow.Stake(ctx, "alice", "bob", "msg-new", 2); err != nil {
		t.Fatalf("stake: %v", err)
	}

	refs, err := f.escrow.ListExpired(ctx, base.Add(DefaultConfig().TTL+time.Minute), 100)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(refs) != 1 || refs[0] != "msg-old" {
		t.Fatalf("expected only msg-old expired, got %v", refs)
	}
}

func TestSettleUnknownRef(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.escrow.SettleOnRead(context.Background(), "missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}
