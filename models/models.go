package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TxKind classifies the business cause of a balance delta.
type TxKind string

// All transaction kinds recorded in the ledger.
const (
	KindGrant        TxKind = "grant"
	KindDrip         TxKind = "drip"
	KindPurchase     TxKind = "purchase"
	KindStake        TxKind = "stake"
	KindRefund       TxKind = "refund"
	KindReplyBonus   TxKind = "reply_bonus"
	KindCompensation TxKind = "compensation"
	KindForfeit      TxKind = "forfeit"
	KindCapRefund    TxKind = "cap_refund"
	KindAirdrop      TxKind = "airdrop"
)

// Valid reports whether the kind is one of the supported enum values.
func (k TxKind) Valid() bool {
	switch k {
	case KindGrant, KindDrip, KindPurchase, KindStake, KindRefund,
		KindReplyBonus, KindCompensation, KindForfeit, KindCapRefund, KindAirdrop:
		return true
	default:
		return false
	}
}

// EscrowStatus represents a state in the escrow lifecycle.
type EscrowStatus string

// All escrow states. Pending is the only non-terminal state.
const (
	StatusPending     EscrowStatus = "pending"
	StatusRefunded    EscrowStatus = "refunded"
	StatusTransferred EscrowStatus = "transferred"
	StatusForfeited   EscrowStatus = "forfeited"
)

// Terminal reports whether the status can no longer change.
func (s EscrowStatus) Terminal() bool {
	switch s {
	case StatusRefunded, StatusTransferred, StatusForfeited:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[EscrowStatus][]EscrowStatus{
	StatusPending: {StatusRefunded, StatusTransferred, StatusForfeited},
}

// ValidateTransition ensures the transition follows the escrow state machine.
// Terminal states permit no further transitions.
func ValidateTransition(current, next EscrowStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// Account holds the durable per-account ledger record. Balance is only ever
// mutated together with a Transaction row inside the same database
// transaction.
type Account struct {
	ID              string `gorm:"primaryKey;size:128"`
	Balance         int64  `gorm:"not null;default:0"`
	DailyEarned     int64  `gorm:"not null;default:0"`
	LastDripAt      time.Time
	LastEarnResetAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transaction is one immutable row in the append-only balance history. The
// sum of all transactions for an account equals the account balance.
type Transaction struct {
	ID        string  `gorm:"primaryKey;size:64"`
	AccountID string  `gorm:"size:128;index;not null"`
	Amount    int64   `gorm:"not null"`
	Kind      TxKind  `gorm:"size:32;index;not null"`
	Reference *string `gorm:"size:128;index"`
	Note      string  `gorm:"size:256"`
	CreatedAt time.Time
}

// Escrow tracks one staked message from creation until a terminal settlement.
// MessageRef is the primary key: exactly one escrow exists per message.
type Escrow struct {
	MessageRef string       `gorm:"primaryKey;size:128"`
	SenderID   string       `gorm:"size:128;index;not null"`
	ReceiverID string       `gorm:"size:128;index;not null"`
	Amount     int64        `gorm:"not null"`
	Status     EscrowStatus `gorm:"size:16;index;not null"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"index"`
	SettledAt  *time.Time
}

// AccountSettings stores the per-account receive price read by the pricing
// engine. The price is bounded by the ledger policy, not the schema.
type AccountSettings struct {
	AccountID    string `gorm:"primaryKey;size:128"`
	ReceivePrice int64  `gorm:"not null;default:1"`
	UpdatedAt    time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP layer.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate applies the schema for all ledger models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Transaction{},
		&Escrow{},
		&AccountSettings{},
		&IdempotencyKey{},
	)
}
