package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardStatus is the lifecycle state of a card
type CardStatus string

const (
	CardStatusActive       CardStatus = "ACTIVE"
	CardStatusExpired      CardStatus = "EXPIRED"
	CardStatusBlocked      CardStatus = "BLOCKED"
	CardStatusPendingBlock CardStatus = "PENDING_BLOCK"
)

// CardStatuses lists every known status
var CardStatuses = []CardStatus{
	CardStatusActive,
	CardStatusExpired,
	CardStatusBlocked,
	CardStatusPendingBlock,
}

// Valid reports whether s is one of the known statuses
func (s CardStatus) Valid() bool {
	for _, known := range CardStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseCardStatus parses a status name, case-sensitive as stored
func ParseCardStatus(raw string) (CardStatus, bool) {
	s := CardStatus(raw)
	return s, s.Valid()
}

// Card represents a bank card as stored
type Card struct {
	ID              int64           `json:"id"`
	OwnerID         int64           `json:"owner_id"`
	EncryptedNumber string          `json:"-"` // Never serialized
	ExpirationDate  time.Time       `json:"expiration_date"`
	Status          CardStatus      `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CardView is the response projection of a card with a masked number
type CardView struct {
	ID             int64           `json:"id"`
	MaskedNumber   string          `json:"masked_card_number"`
	ExpirationDate string          `json:"expiration_date"` // Format: YYYY-MM-DD
	Status         CardStatus      `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
	OwnerID        int64           `json:"owner_id"`
}

// CardRequest carries the fields needed to issue a card
type CardRequest struct {
	CardNumber     string
	ExpirationDate time.Time
	Balance        *decimal.Decimal
}

// CardUpdate is a partial update; nil fields are left untouched
type CardUpdate struct {
	CardNumber     *string
	ExpirationDate *time.Time
	Balance        *decimal.Decimal
}

// DateLayout is the wire format of calendar dates
const DateLayout = "2006-01-02"
