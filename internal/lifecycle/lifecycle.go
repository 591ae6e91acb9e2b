// Package lifecycle holds the card status state machine. Every status change
// made through the normal API goes through Transition; Override is the only
// way around the table.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/bank-cards/internal/models"
)

// Event is something that moves a card between statuses
type Event string

const (
	EventIssue        Event = "issue"
	EventExpire       Event = "expire"
	EventRequestBlock Event = "request_block"
	EventBlock        Event = "block"
)

var (
	ErrIllegalTransition = errors.New("illegal card status transition")
	ErrUnknownStatus     = errors.New("unknown card status")
)

// TransitionError describes a rejected transition
type TransitionError struct {
	From  models.CardStatus
	Event Event
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("cannot apply %s to a card in status %s", e.Event, from)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// transitions is the complete table of allowed moves. The empty status is
// the state of a card that does not exist yet.
var transitions = map[models.CardStatus]map[Event]models.CardStatus{
	"": {
		EventIssue: models.CardStatusActive,
	},
	models.CardStatusActive: {
		EventExpire:       models.CardStatusExpired,
		EventRequestBlock: models.CardStatusPendingBlock,
		EventBlock:        models.CardStatusBlocked,
	},
	models.CardStatusPendingBlock: {
		EventBlock: models.CardStatusBlocked,
	},
}

// Transition returns the status reached by applying ev in status from
func Transition(from models.CardStatus, ev Event) (models.CardStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: ev}
}

// Allowed reports whether ev can be applied in status from
func Allowed(from models.CardStatus, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}

// Override is the admin escape hatch: any known status may be set from any
// status. Callers are expected to log every use.
func Override(from, to models.CardStatus) (models.CardStatus, error) {
	if !to.Valid() {
		return from, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	return to, nil
}

// DateOf truncates t to its calendar date in UTC
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ShouldExpire reports whether an active card is past its expiration date
func ShouldExpire(card models.Card, today time.Time) bool {
	return card.Status == models.CardStatusActive &&
		DateOf(card.ExpirationDate).Before(DateOf(today))
}

// EffectiveStatus is the status a card has once expiry is accounted for,
// whether or not the expiry has been persisted yet.
func EffectiveStatus(card models.Card, today time.Time) models.CardStatus {
	if ShouldExpire(card, today) {
		return models.CardStatusExpired
	}
	return card.Status
}
