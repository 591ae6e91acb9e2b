package service

import (
	"errors"
	"fmt"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/utils"
)

// Business errors. Check them with errors.Is.
var (
	ErrNotFoundOrAccessDenied = errors.New("card not found or access denied")
	ErrInvalidFormat          = errors.New("invalid format")
	ErrAlreadyExists          = errors.New("card already exists")
	ErrCardNotActive          = errors.New("card is not active")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrSameCard               = errors.New("source and destination cards must differ")
	ErrOwnerNotFound          = errors.New("owner not found")
	ErrInvalidFilter          = errors.New("invalid card filter")
	ErrUserNotFound           = errors.New("user not found")
	ErrUserExists             = errors.New("username or email already taken")
	ErrUserHasCards           = errors.New("user still owns cards")

	ErrCrypto            = utils.ErrCrypto
	ErrIllegalTransition = lifecycle.ErrIllegalTransition
	ErrInvalidStatus     = lifecycle.ErrUnknownStatus
)

// CardError ties an error to the card it concerns
type CardError struct {
	CardID int64
	Err    error
}

func (e *CardError) Error() string {
	return fmt.Sprintf("card %d: %v", e.CardID, e.Err)
}

func (e *CardError) Unwrap() error {
	return e.Err
}

// StatusError reports the status of a card that had to be ACTIVE
type StatusError struct {
	CardID int64
	Status models.CardStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card %d is not active: status %s", e.CardID, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrCardNotActive
}

func notFound(cardID int64) error {
	return &CardError{CardID: cardID, Err: ErrNotFoundOrAccessDenied}
}
