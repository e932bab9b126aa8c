// Package escrow implements the staked-message state machine. A stake holds
// tokens in a pending escrow until a read, reply, reject or timeout resolves
// it. Each transition runs as one database transaction whose serialization
// point is a conditional update of the escrow row from pending to a terminal
// status: when two settlers race, exactly one applies the balance deltas and
// the other observes the recorded outcome.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"stampledger/ledger"
	"stampledger/models"
)

var (
	// ErrEscrowNotFound indicates no escrow exists for the message reference.
	ErrEscrowNotFound = errors.New("escrow: not found")
	// ErrDuplicateRef is returned when a stake reuses a message reference
	// with a different definition.
	ErrDuplicateRef = errors.New("escrow: message reference already staked with different definition")
	// ErrNotReceiver is returned when a reply settlement names a replier that
	// is not the escrow's receiver.
	ErrNotReceiver = errors.New("escrow: replier is not the receiver")

	errSettledElsewhere = errors.New("escrow: settled by concurrent caller")
)

// Engine wires the escrow state machine to the ledger and the database.
type Engine struct {
	db         *gorm.DB
	ledger     *ledger.Engine
	ttl        time.Duration
	replyBonus int64
	now        func() time.Time
}

// Config captures the tunable escrow parameters.
type Config struct {
	// TTL is how long a stake stays pending before the scheduler times it out.
	TTL time.Duration
	// ReplyBonus is minted for each party when a message is replied to.
	ReplyBonus int64
}

// DefaultConfig returns the escrow parameters used when configuration does
// not override them.
func DefaultConfig() Config {
	return Config{TTL: 72 * time.Hour, ReplyBonus: 2}
}

// New constructs an escrow engine sharing the ledger's database handle.
func New(ledgerEngine *ledger.Engine, cfg Config) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.ReplyBonus < 0 {
		cfg.ReplyBonus = 0
	}
	return &Engine{
		db:         ledgerEngine.DB(),
		ledger:     ledgerEngine,
		ttl:        cfg.TTL,
		replyBonus: cfg.ReplyBonus,
		now:        time.Now,
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// StakeResult reports the outcome of a stake attempt. Insufficient balance is
// a normal branch, not an error.
type StakeResult struct {
	OK           bool
	Insufficient bool
	NewBalance   int64
	Escrow       *models.Escrow
}

// Outcome describes a settlement result. AlreadySettled means the escrow was
// terminal before this call and no delta was applied.
type Outcome struct {
	Escrow         models.Escrow
	AlreadySettled bool
	CapRedirected  bool
}

// Stake deducts the amount from the sender and opens a pending escrow keyed
// by the message reference. Calling it again with the same reference and the
// same definition returns the existing escrow without a second debit.
func (e *Engine) Stake(ctx context.Context, sender, receiver, messageRef string, amount int64) (*StakeResult, error) {
	messageRef = strings.TrimSpace(messageRef)
	if messageRef == "" {
		return nil, fmt.Errorf("escrow: message reference is required")
	}
	if sender == "" || receiver == "" {
		return nil, fmt.Errorf("escrow: sender and receiver are required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("escrow: stake amount must be positive")
	}

	now := e.now().UTC()
	result := &StakeResult{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Escrow
		err := tx.First(&existing, "message_ref = ?", messageRef).Error
		if err == nil {
			if existing.SenderID != sender || existing.ReceiverID != receiver || existing.Amount != amount {
				return ErrDuplicateRef
			}
			result.OK = true
			result.Escrow = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var receiverCount int64
		if err := tx.Model(&models.Account{}).Where("id = ?", receiver).Count(&receiverCount).Error; err != nil {
			return err
		}
		if receiverCount == 0 {
			return ledger.ErrAccountNotFound
		}

		ref := messageRef
		if err := e.ledger.DebitTx(tx, sender, amount, models.KindStake, &ref, "stake held in escrow"); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				result.Insufficient = true
				return nil
			}
			return err
		}

		record := models.Escrow{
			MessageRef: messageRef,
			SenderID:   sender,
			ReceiverID: receiver,
			Amount:     amount,
			Status:     models.StatusPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(e.ttl),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		result.OK = true
		result.Escrow = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.OK || result.Insufficient {
		if balance, err := e.ledger.GetBalance(ctx, sender); err == nil {
			result.NewBalance = balance
		}
	}
	return result, nil
}

// SettleOnRead refunds the stake to the sender. No tokens are minted or
// destroyed. Settling an already-terminal escrow is a benign no-op returning
// the recorded outcome.
func (e *Engine) SettleOnRead(ctx context.Context, messageRef string) (*Outcome, error) {
	return e.settle(ctx, messageRef, func(tx *gorm.DB, esc *models.Escrow) (models.EscrowStatus, bool, error) {
		ref := esc.MessageRef
		if err := e.ledger.CreditTx(tx, esc.SenderID, esc.Amount, models.KindRefund, &ref, "stake refunded on read"); err != nil {
			return "", false, err
		}
		return models.StatusRefunded, false, nil
	})
}

// SettleOnReply returns the stake to the sender and mints the reply bonus for
// both parties. Each side's bonus is individually subject to that side's
// daily earn cap; a capped bonus is skipped, not queued.
func (e *Engine) SettleOnReply(ctx context.Context, messageRef, replier string) (*Outcome, error) {
	return e.settle(ctx, messageRef, func(tx *gorm.DB, esc *models.Escrow) (models.EscrowStatus, bool, error) {
		if replier != "" && replier != esc.ReceiverID {
			return "", false, ErrNotReceiver
		}
		ref := esc.MessageRef
		if err := e.ledger.CreditTx(tx, esc.SenderID, esc.Amount, models.KindRefund, &ref, "stake refunded on reply"); err != nil {
			return "", false, err
		}
		if e.replyBonus > 0 {
			if _, err := e.ledger.CreditEarnTx(tx, esc.SenderID, e.replyBonus, models.KindReplyBonus, &ref, "reply bonus"); err != nil {
				return "", false, err
			}
			if _, err := e.ledger.CreditEarnTx(tx, esc.ReceiverID, e.replyBonus, models.KindReplyBonus, &ref, "reply bonus"); err != nil {
				return "", false, err
			}
		}
		return models.StatusTransferred, false, nil
	})
}

// SettleOnReject moves the stake to the receiver as compensation for an
// unwanted message. If the receiver's daily earn cap would be exceeded the
// amount is redirected back to the sender and the escrow is forfeited,
// keeping every token accounted for.
func (e *Engine) SettleOnReject(ctx context.Context, messageRef string) (*Outcome, error) {
	return e.transferToReceiver(ctx, messageRef, models.KindCompensation, "stake transferred on reject")
}

// Expire resolves a pending escrow whose deadline has passed, moving the
// stake to the receiver (or redirecting on cap) exactly like a reject. The
// scheduler invokes it; a racing read or reply simply wins the conditional
// update and Expire observes the recorded outcome.
func (e *Engine) Expire(ctx context.Context, messageRef string) (*Outcome, error) {
	return e.transferToReceiver(ctx, messageRef, models.KindForfeit, "stake forfeited on timeout")
}

func (e *Engine) transferToReceiver(ctx context.Context, messageRef string, kind models.TxKind, note string) (*Outcome, error) {
	return e.settle(ctx, messageRef, func(tx *gorm.DB, esc *models.Escrow) (models.EscrowStatus, bool, error) {
		ref := esc.MessageRef
		applied, err := e.ledger.CreditEarnTx(tx, esc.ReceiverID, esc.Amount, kind, &ref, note)
		if err != nil {
			return "", false, err
		}
		if applied {
			return models.StatusTransferred, false, nil
		}
		// Cap redirect: the receiver cannot earn today, return the stake to
		// the sender instead. Logged as a cap refund, not a loss.
		if err := e.ledger.CreditTx(tx, esc.SenderID, esc.Amount, models.KindCapRefund, &ref, "stake returned, receiver daily cap reached"); err != nil {
			return "", false, err
		}
		return models.StatusForfeited, true, nil
	})
}

// settle runs one terminal transition. The apply callback performs the
// balance deltas inside the transaction and names the terminal status; the
// conditional pending-guarded update afterwards is the serialization point.
// When the guard misses the whole transaction rolls back and the recorded
// outcome is returned instead.
func (e *Engine) settle(ctx context.Context, messageRef string, apply func(tx *gorm.DB, esc *models.Escrow) (models.EscrowStatus, bool, error)) (*Outcome, error) {
	messageRef = strings.TrimSpace(messageRef)
	if messageRef == "" {
		return nil, fmt.Errorf("escrow: message reference is required")
	}

	outcome := &Outcome{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var esc models.Escrow
		if err := tx.First(&esc, "message_ref = ?", messageRef).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEscrowNotFound
			}
			return err
		}
		if esc.Status.Terminal() {
			return errSettledElsewhere
		}

		target, redirected, err := apply(tx, &esc)
		if err != nil {
			return err
		}
		if err := models.ValidateTransition(models.StatusPending, target); err != nil {
			return err
		}

		settledAt := e.now().UTC()
		res := tx.Model(&models.Escrow{}).
			Where("message_ref = ? AND status = ?", messageRef, models.StatusPending).
			Updates(map[string]interface{}{
				"status":     target,
				"settled_at": settledAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSettledElsewhere
		}

		esc.Status = target
		esc.SettledAt = &settledAt
		outcome.Escrow = esc
		outcome.CapRedirected = redirected
		return nil
	})
	if errors.Is(err, errSettledElsewhere) {
		var recorded models.Escrow
		if err := e.db.WithContext(ctx).First(&recorded, "message_ref = ?", messageRef).Error; err != nil {
			return nil, err
		}
		return &Outcome{Escrow: recorded, AlreadySettled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Get returns the escrow for a message reference.
func (e *Engine) Get(ctx context.Context, messageRef string) (*models.Escrow, error) {
	var esc models.Escrow
	if err := e.db.WithContext(ctx).First(&esc, "message_ref = ?", messageRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &esc, nil
}

// CountPending returns the number of escrows still awaiting settlement.
func (e *Engine) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("status = ?", models.StatusPending).
		Count(&count).Error
	return count, err
}

// ListExpired returns message references of pending escrows whose deadline
// has passed, oldest first, capped at limit.
func (e *Engine) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var refs []string
	err := e.db.WithContext(ctx).Model(&models.Escrow{}).
		Where("status = ? AND expires_at <= ?", models.StatusPending, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("message_ref", &refs).Error
	return refs, err
}
