package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/query"
)

// Storage errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict marks a unit of work that lost a concurrency race and may
	// be retried from the start.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrReferenced marks a delete refused because other rows still point
	// at the record, or a write pointing at a row that does not exist.
	ErrReferenced = errors.New("record is referenced")
)

// Tx is the set of operations available inside one unit of work
type Tx interface {
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	FindCardByID(ctx context.Context, id int64) (*models.Card, error)
	// FindCardForUpdate reads a card and holds its row lock until the unit
	// of work ends.
	FindCardForUpdate(ctx context.Context, id int64) (*models.Card, error)
	ExistsByEncryptedNumber(ctx context.Context, encrypted string) (bool, error)
	CreateCard(ctx context.Context, card *models.Card) error
	UpdateCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, id int64) error
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	// ExpireCards flips the listed cards to EXPIRED when they are still
	// ACTIVE and past due on today. Returns the number of cards changed.
	ExpireCards(ctx context.Context, ids []int64, today time.Time) (int64, error)
}

// Store is the card persistence contract
type Store interface {
	// WithinTx runs fn in a single all-or-nothing unit of work
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	// CreateUser stores a user, filling its id and creation time. Username
	// and e-mail are unique.
	CreateUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context, page models.PageRequest) (models.Page[models.User], error)
	// DeleteUser removes a user that owns no cards
	DeleteUser(ctx context.Context, id int64) error
	FindCardByID(ctx context.Context, id int64) (*models.Card, error)
	ListCards(ctx context.Context, filter query.CardFilter, page models.PageRequest) (models.Page[models.Card], error)
	ListCardsByStatus(ctx context.Context, status models.CardStatus) ([]models.Card, error)
	ListAllCards(ctx context.Context) ([]models.Card, error)
	ListTransactionsByCard(ctx context.Context, cardID int64, page models.PageRequest) (models.Page[models.Transaction], error)
	// ListExpirableCardIDs returns ids of ACTIVE cards past due on today with
	// id > afterID, ascending, at most limit of them.
	ListExpirableCardIDs(ctx context.Context, today time.Time, afterID int64, limit int) ([]int64, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Tx    = (*memTx)(nil)
)
