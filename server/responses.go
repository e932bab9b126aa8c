package server

import (
	"time"

	"stampledger/models"
)

type accountPayload struct {
	ID          string    `json:"id"`
	Balance     int64     `json:"balance"`
	DailyEarned int64     `json:"daily_earned"`
	CreatedAt   time.Time `json:"created_at"`
}

func accountResponse(a *models.Account) accountPayload {
	return accountPayload{
		ID:          a.ID,
		Balance:     a.Balance,
		DailyEarned: a.DailyEarned,
		CreatedAt:   a.CreatedAt,
	}
}

type transactionResponse struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newTransactionResponse(tx *models.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:        tx.ID,
		Amount:    tx.Amount,
		Kind:      string(tx.Kind),
		Note:      tx.Note,
		CreatedAt: tx.CreatedAt,
	}
	if tx.Reference != nil {
		resp.Reference = *tx.Reference
	}
	return resp
}

type escrowPayload struct {
	MessageRef string     `json:"message_ref"`
	Sender     string     `json:"sender"`
	Receiver   string     `json:"receiver"`
	Amount     int64      `json:"amount"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

func escrowResponse(e *models.Escrow) escrowPayload {
	return escrowPayload{
		MessageRef: e.MessageRef,
		Sender:     e.SenderID,
		Receiver:   e.ReceiverID,
		Amount:     e.Amount,
		Status:     string(e.Status),
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
		SettledAt:  e.SettledAt,
	}
}

type settingsPayload struct {
	AccountID    string `json:"account_id"`
	ReceivePrice int64  `json:"receive_price"`
}

func settingsResponse(s *models.AccountSettings) settingsPayload {
	return settingsPayload{AccountID: s.AccountID, ReceivePrice: s.ReceivePrice}
}
