package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents a completed transfer between two cards
type Transaction struct {
	ID          int64           `json:"id"`
	FromCardID  int64           `json:"from_card_id"`
	ToCardID    int64           `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description"`
}

// TransferRequest describes a transfer between two cards of one owner
type TransferRequest struct {
	FromCardID  int64           `json:"from_card_id"`
	ToCardID    int64           `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// TransactionView is the response projection of a transaction
type TransactionView struct {
	ID          int64           `json:"id"`
	FromCardID  int64           `json:"from_card_id"`
	ToCardID    int64           `json:"to_card_id"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description,omitempty"`
}
