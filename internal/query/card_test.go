package query

import (
	"errors"
	"testing"
	"time"

	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/shopspring/decimal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCardFilter_Predicates(t *testing.T) {
	f := ForOwner(7)
	if preds := f.Predicates(); len(preds) != 1 || preds[0].Field != FieldOwner {
		t.Fatalf("owner-only filter should yield one predicate, got %+v", preds)
	}

	f = f.WithStatus(models.CardStatusActive).
		WithExpirationBefore(time.Date(2027, 1, 1, 13, 0, 0, 0, time.UTC)).
		WithMinBalance(decimal.RequireFromString("10")).
		WithMaxBalance(decimal.RequireFromString("100"))

	preds := f.Predicates()
	want := []struct {
		field Field
		op    Op
	}{
		{FieldOwner, OpEq},
		{FieldStatus, OpEq},
		{FieldExpirationDate, OpLt},
		{FieldBalance, OpGt},
		{FieldBalance, OpLt},
	}
	if len(preds) != len(want) {
		t.Fatalf("expected %d predicates, got %d", len(want), len(preds))
	}
	for i, w := range want {
		if preds[i].Field != w.field || preds[i].Op != w.op {
			t.Errorf("predicate %d = %s %s, want %s %s", i, preds[i].Field, preds[i].Op, w.field, w.op)
		}
	}
	if d := preds[2].Value.(time.Time); !d.Equal(date(2027, 1, 1)) {
		t.Errorf("expiration cutoff should be truncated to a date, got %v", d)
	}
}

func TestCardFilter_Match(t *testing.T) {
	card := models.Card{
		ID:             1,
		OwnerID:        7,
		Status:         models.CardStatusActive,
		ExpirationDate: date(2026, 12, 31),
		Balance:        decimal.RequireFromString("50.00"),
	}

	tests := []struct {
		name   string
		filter CardFilter
		want   bool
	}{
		{"owner only", ForOwner(7), true},
		{"other owner", ForOwner(8), false},
		{"status match", ForOwner(7).WithStatus(models.CardStatusActive), true},
		{"status mismatch", ForOwner(7).WithStatus(models.CardStatusBlocked), false},
		{"expires before cutoff", ForOwner(7).WithExpirationBefore(date(2027, 1, 1)), true},
		{"cutoff is exclusive", ForOwner(7).WithExpirationBefore(date(2026, 12, 31)), false},
		{"above min", ForOwner(7).WithMinBalance(decimal.RequireFromString("49.99")), true},
		{"min is exclusive", ForOwner(7).WithMinBalance(decimal.RequireFromString("50")), false},
		{"below max", ForOwner(7).WithMaxBalance(decimal.RequireFromString("50.01")), true},
		{"max is exclusive", ForOwner(7).WithMaxBalance(decimal.RequireFromString("50")), false},
		{"all combined", ForOwner(7).
			WithStatus(models.CardStatusActive).
			WithExpirationBefore(date(2027, 6, 1)).
			WithMinBalance(decimal.Zero).
			WithMaxBalance(decimal.RequireFromString("100")), true},
		{"one failing predicate fails all", ForOwner(7).
			WithStatus(models.CardStatusActive).
			WithMaxBalance(decimal.RequireFromString("10")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(card); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCardFilter_Validate(t *testing.T) {
	if err := (CardFilter{}).Validate(); !errors.Is(err, ErrOwnerRequired) {
		t.Errorf("expected ErrOwnerRequired, got %v", err)
	}
	if err := ForOwner(1).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
