// Package ledger implements the durable per-account token store. Every
// balance mutation pairs an atomic conditional update of the account row with
// an append-only transaction record inside one database transaction, so
// concurrent operations can never lose or double-apply a delta.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stampledger/models"
)

// Policy captures the configurable balance rules applied by the engine.
type Policy struct {
	// AllowNegativeBalance switches Debit from strict not-below-zero mode to
	// debt mode. Strict is the default.
	AllowNegativeBalance bool
	// SignupGrant is credited exactly once when an account is first created.
	SignupGrant int64
	// DailyEarnCap bounds tokens an account may receive through transfers and
	// bonuses within one rolling day. Zero or negative disables the cap.
	DailyEarnCap int64
	// DailyDrip is the small maintenance grant applied by the scheduler at
	// most once per rolling day. Zero disables the drip.
	DailyDrip int64
	// ReceivePriceMin and ReceivePriceMax bound the per-account receive price.
	ReceivePriceMin int64
	ReceivePriceMax int64
}

// DefaultPolicy returns the policy used when configuration does not override it.
func DefaultPolicy() Policy {
	return Policy{
		AllowNegativeBalance: false,
		SignupGrant:          10,
		DailyEarnCap:         30,
		DailyDrip:            1,
		ReceivePriceMin:      1,
		ReceivePriceMax:      10,
	}
}

// Engine wires ledger business logic to the database.
type Engine struct {
	db     *gorm.DB
	policy Policy
	now    func() time.Time
}

// New constructs a ledger engine with the given policy.
func New(db *gorm.DB, policy Policy) *Engine {
	return &Engine{db: db, policy: policy, now: time.Now}
}

// SetNowFunc overrides the time source. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// Policy returns the active balance policy.
func (e *Engine) Policy() Policy { return e.policy }

// DB exposes the underlying handle so sibling engines can compose their own
// transactions around the Tx variants below.
func (e *Engine) DB() *gorm.DB { return e.db }

// EnsureAccount idempotently creates the account and applies the signup grant
// exactly once. The uniqueness constraint on the primary key, not a
// read-then-write check, guards the grant under concurrent first contact.
func (e *Engine) EnsureAccount(ctx context.Context, id string) (*models.Account, error) {
	if id == "" {
		return nil, fmt.Errorf("ledger: account id is required")
	}
	now := e.now().UTC()
	account := models.Account{
		ID:              id,
		Balance:         e.policy.SignupGrant,
		LastDripAt:      now,
		LastEarnResetAt: now,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already exists; the grant was logged by whichever caller won.
			return tx.First(&account, "id = ?", id).Error
		}
		if e.policy.SignupGrant > 0 {
			return appendTransaction(tx, id, e.policy.SignupGrant, models.KindGrant, nil, "signup grant", now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Credit adds amount to the account balance and logs the transaction.
func (e *Engine) Credit(ctx context.Context, id string, amount int64, kind models.TxKind, reference *string, note string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.CreditTx(tx, id, amount, kind, reference, note)
	})
}

// CreditTx applies a credit inside an existing transaction.
func (e *Engine) CreditTx(tx *gorm.DB, id string, amount int64, kind models.TxKind, reference *string, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}
	res := tx.Model(&models.Account{}).
		Where("id = ?", id).
		UpdateColumn("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return appendTransaction(tx, id, amount, kind, reference, note, e.now().UTC())
}

// Debit removes amount from the account balance, enforcing the balance policy,
// and logs the transaction.
func (e *Engine) Debit(ctx context.Context, id string, amount int64, kind models.TxKind, reference *string, note string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.DebitTx(tx, id, amount, kind, reference, note)
	})
}

// DebitTx applies a debit inside an existing transaction. In strict mode the
// decrement only succeeds when the resulting balance stays non-negative; two
// concurrent debits against the same balance resolve to one success and one
// ErrInsufficientBalance.
func (e *Engine) DebitTx(tx *gorm.DB, id string, amount int64, kind models.TxKind, reference *string, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}
	query := tx.Model(&models.Account{}).Where("id = ?", id)
	if !e.policy.AllowNegativeBalance {
		query = query.Where("balance >= ?", amount)
	}
	res := query.UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Account{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}
	return appendTransaction(tx, id, -amount, kind, reference, note, e.now().UTC())
}

// CreditEarnTx credits amount to the account and counts it against the daily
// earn cap in one conditional update. It reports false, without mutating
// anything, when the cap would be exceeded so the caller can redirect the
// flow instead.
func (e *Engine) CreditEarnTx(tx *gorm.DB, id string, amount int64, kind models.TxKind, reference *string, note string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if !kind.Valid() {
		return false, ErrInvalidKind
	}
	query := tx.Model(&models.Account{}).Where("id = ?", id)
	if e.policy.DailyEarnCap > 0 {
		query = query.Where("daily_earned + ? <= ?", amount, e.policy.DailyEarnCap)
	}
	res := query.UpdateColumns(map[string]interface{}{
		"balance":      gorm.Expr("balance + ?", amount),
		"daily_earned": gorm.Expr("daily_earned + ?", amount),
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Account{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, ErrAccountNotFound
		}
		return false, nil
	}
	if err := appendTransaction(tx, id, amount, kind, reference, note, e.now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// EarnCapRemaining reports how many tokens the account may still receive
// today. The answer can be stale by one concurrent operation, which is an
// accepted bound; settlement paths re-check atomically via CreditEarnTx.
func (e *Engine) EarnCapRemaining(ctx context.Context, id string) (int64, error) {
	if e.policy.DailyEarnCap <= 0 {
		return int64(1) << 40, nil
	}
	var account models.Account
	if err := e.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	remaining := e.policy.DailyEarnCap - account.DailyEarned
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetBalance returns the current balance for the account.
func (e *Engine) GetBalance(ctx context.Context, id string) (int64, error) {
	var account models.Account
	if err := e.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return account.Balance, nil
}

// GetHistory returns a page of the account's transaction log, newest first.
// An unknown account is ErrAccountNotFound, never an empty page.
func (e *Engine) GetHistory(ctx context.Context, id string, page, size int) ([]models.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	var exists int64
	if err := e.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Count(&exists).Error; err != nil {
		return nil, 0, err
	}
	if exists == 0 {
		return nil, 0, ErrAccountNotFound
	}
	var total int64
	if err := e.db.WithContext(ctx).Model(&models.Transaction{}).Where("account_id = ?", id).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []models.Transaction
	err := e.db.WithContext(ctx).
		Where("account_id = ?", id).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&txs).Error
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// GetSettings returns the account's receive price, falling back to the policy
// minimum when none is stored.
func (e *Engine) GetSettings(ctx context.Context, id string) (*models.AccountSettings, error) {
	var settings models.AccountSettings
	err := e.db.WithContext(ctx).First(&settings, "account_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.AccountSettings{AccountID: id, ReceivePrice: e.policy.ReceivePriceMin}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpdateSettings stores the account's receive price after bounds checking.
func (e *Engine) UpdateSettings(ctx context.Context, id string, receivePrice int64) (*models.AccountSettings, error) {
	if receivePrice < e.policy.ReceivePriceMin || receivePrice > e.policy.ReceivePriceMax {
		return nil, ErrInvalidReceivePrice
	}
	settings := models.AccountSettings{
		AccountID:    id,
		ReceivePrice: receivePrice,
		UpdatedAt:    e.now().UTC(),
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"receive_price", "updated_at"}),
	}).Create(&settings).Error
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// ResetDailyEarned zeroes the daily earn meter for every account whose last
// reset is older than one rolling day, in a single atomic statement. Returns
// the number of accounts reset.
func (e *Engine) ResetDailyEarned(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-24 * time.Hour)
	res := e.db.WithContext(ctx).Model(&models.Account{}).
		Where("last_earn_reset_at <= ?", cutoff).
		UpdateColumns(map[string]interface{}{
			"daily_earned":       0,
			"last_earn_reset_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// DripAccounts applies the daily maintenance drip to every account that has
// not received one in the past rolling day. Each account is processed in its
// own transaction; the last_drip_at guard keeps the drip at most once per day
// even when passes overlap.
func (e *Engine) DripAccounts(ctx context.Context, now time.Time) (int64, error) {
	if e.policy.DailyDrip <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().Add(-24 * time.Hour)
	var ids []string
	if err := e.db.WithContext(ctx).Model(&models.Account{}).
		Where("last_drip_at <= ?", cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	var dripped int64
	for _, id := range ids {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Account{}).
				Where("id = ? AND last_drip_at <= ?", id, cutoff).
				UpdateColumns(map[string]interface{}{
					"balance":      gorm.Expr("balance + ?", e.policy.DailyDrip),
					"last_drip_at": now.UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			dripped++
			return appendTransaction(tx, id, e.policy.DailyDrip, models.KindDrip, nil, "daily drip", now.UTC())
		})
		if err != nil {
			return dripped, err
		}
	}
	return dripped, nil
}

// SumBalances totals every account balance. Used by reconciliation and tests.
func (e *Engine) SumBalances(ctx context.Context) (int64, error) {
	var sum *int64
	err := e.db.WithContext(ctx).Model(&models.Account{}).
		Select("SUM(balance)").Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

// SumPendingEscrow totals the amount held in pending escrows.
func (e *Engine) SumPendingEscrow(ctx context.Context) (int64, error) {
	var sum *int64
	err := e.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("status = ?", models.StatusPending).
		Select("SUM(amount)").Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

func appendTransaction(tx *gorm.DB, accountID string, amount int64, kind models.TxKind, reference *string, note string, at time.Time) error {
	record := models.Transaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Reference: reference,
		Note:      note,
		CreatedAt: at,
	}
	return tx.Create(&record).Error
}
