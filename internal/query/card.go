package query

import (
	"errors"
	"time"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/shopspring/decimal"
)

// ErrOwnerRequired is returned for a filter without an owner
var ErrOwnerRequired = errors.New("card filter requires an owner")

// Field names a filterable card attribute
type Field string

const (
	FieldOwner          Field = "owner_id"
	FieldStatus         Field = "status"
	FieldExpirationDate Field = "expiration_date"
	FieldBalance        Field = "balance"
)

// Op is a comparison operator
type Op string

const (
	OpEq Op = "="
	OpLt Op = "<"
	OpGt Op = ">"
)

// Predicate is a single comparison against a card field
type Predicate struct {
	Field Field
	Op    Op
	Value any
}

// CardFilter composes the optional card list filters. Only set fields
// contribute a predicate; all predicates are combined with AND.
type CardFilter struct {
	OwnerID          int64
	Status           *models.CardStatus
	ExpirationBefore *time.Time
	MinBalance       *decimal.Decimal // exclusive
	MaxBalance       *decimal.Decimal // exclusive
}

// ForOwner starts a filter for one owner
func ForOwner(ownerID int64) CardFilter {
	return CardFilter{OwnerID: ownerID}
}

// WithStatus keeps only cards in status s
func (f CardFilter) WithStatus(s models.CardStatus) CardFilter {
	f.Status = &s
	return f
}

// WithExpirationBefore keeps cards expiring strictly before the calendar day of d
func (f CardFilter) WithExpirationBefore(d time.Time) CardFilter {
	d = lifecycle.DateOf(d)
	f.ExpirationBefore = &d
	return f
}

// WithMinBalance keeps cards whose balance is greater than v
func (f CardFilter) WithMinBalance(v decimal.Decimal) CardFilter {
	f.MinBalance = &v
	return f
}

// WithMaxBalance keeps cards whose balance is less than v
func (f CardFilter) WithMaxBalance(v decimal.Decimal) CardFilter {
	f.MaxBalance = &v
	return f
}

// Validate rejects filters that cannot be run
func (f CardFilter) Validate() error {
	if f.OwnerID <= 0 {
		return ErrOwnerRequired
	}
	return nil
}

// Predicates returns the predicates for the set fields, owner first
func (f CardFilter) Predicates() []Predicate {
	preds := []Predicate{{Field: FieldOwner, Op: OpEq, Value: f.OwnerID}}
	if f.Status != nil {
		preds = append(preds, Predicate{Field: FieldStatus, Op: OpEq, Value: *f.Status})
	}
	if f.ExpirationBefore != nil {
		preds = append(preds, Predicate{Field: FieldExpirationDate, Op: OpLt, Value: lifecycle.DateOf(*f.ExpirationBefore)})
	}
	if f.MinBalance != nil {
		preds = append(preds, Predicate{Field: FieldBalance, Op: OpGt, Value: *f.MinBalance})
	}
	if f.MaxBalance != nil {
		preds = append(preds, Predicate{Field: FieldBalance, Op: OpLt, Value: *f.MaxBalance})
	}
	return preds
}

// Match reports whether card satisfies every predicate of the filter
func (f CardFilter) Match(card models.Card) bool {
	for _, p := range f.Predicates() {
		if !p.Match(card) {
			return false
		}
	}
	return true
}

// Match evaluates the predicate against a card in memory
func (p Predicate) Match(card models.Card) bool {
	switch p.Field {
	case FieldOwner:
		id, ok := p.Value.(int64)
		return ok && compareInt(card.OwnerID, id, p.Op)
	case FieldStatus:
		s, ok := p.Value.(models.CardStatus)
		return ok && p.Op == OpEq && card.Status == s
	case FieldExpirationDate:
		d, ok := p.Value.(time.Time)
		if !ok {
			return false
		}
		return compareInt(lifecycle.DateOf(card.ExpirationDate).Unix(), lifecycle.DateOf(d).Unix(), p.Op)
	case FieldBalance:
		v, ok := p.Value.(decimal.Decimal)
		return ok && compareInt(int64(card.Balance.Cmp(v)), 0, p.Op)
	}
	return false
}

func compareInt(a, b int64, op Op) bool {
	switch op {
	case OpEq:
		return a == b
	case OpLt:
		return a < b
	case OpGt:
		return a > b
	}
	return false
}
