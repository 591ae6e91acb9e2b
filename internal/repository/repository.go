package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/query"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const cardColumns = `id, owner_id, card_number, expiration_date, status, balance, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides PostgreSQL-backed card storage
type Repository struct {
	queries
	db *sql.DB
}

// NewRepository initializes a new repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{queries: queries{q: db}, db: db}
}

// Migrate creates the bank schema if it does not exist yet
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a database transaction, committing only if fn
// returns nil.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}

	if err := fn(&pgTx{queries: queries{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// pgTx exposes the queries bound to an open transaction
type pgTx struct {
	queries
}

// queries holds every statement; it runs on a pool or a transaction alike
type queries struct {
	q queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	card := &models.Card{}
	var status string
	if err := row.Scan(&card.ID, &card.OwnerID, &card.EncryptedNumber, &card.ExpirationDate,
		&status, &card.Balance, &card.CreatedAt, &card.UpdatedAt); err != nil {
		return nil, err
	}
	card.Status = models.CardStatus(status)
	card.ExpirationDate = lifecycle.DateOf(card.ExpirationDate)
	return card, nil
}

// FindUserByID retrieves a user by id
func (q queries) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := q.q.QueryRowContext(ctx, `
		SELECT id, username, email, created_at
		FROM bank.users
		WHERE id = $1`, id).
		Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", classify(err))
	}
	return user, nil
}

// CreateUser inserts a user
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO bank.users (username, email)
		VALUES ($1, $2)
		RETURNING id, created_at`, user.Username, user.Email).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", classify(err))
	}
	return nil
}

// ListUsers returns one page of users, by id
func (r *Repository) ListUsers(ctx context.Context, page models.PageRequest) (models.Page[models.User], error) {
	page = page.Normalize()
	out := models.Page[models.User]{Items: []models.User{}, Page: page.Page, Size: page.Size}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank.users`).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count users: %w", classify(err))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, email, created_at
		FROM bank.users
		ORDER BY id
		LIMIT $1 OFFSET $2`, page.Size, page.Offset())
	if err != nil {
		return out, fmt.Errorf("failed to list users: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt); err != nil {
			return out, fmt.Errorf("failed to scan user: %w", err)
		}
		out.Items = append(out.Items, u)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("failed to list users: %w", classify(err))
	}
	return out, nil
}

// DeleteUser removes a user. The cards foreign key refuses the delete while
// the user still owns a card.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bank.users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// FindCardByID retrieves a card by id
func (q queries) FindCardByID(ctx context.Context, id int64) (*models.Card, error) {
	return q.findCard(ctx, `SELECT `+cardColumns+` FROM bank.cards WHERE id = $1`, id)
}

// FindCardForUpdate retrieves a card by id and locks its row
func (q queries) FindCardForUpdate(ctx context.Context, id int64) (*models.Card, error) {
	return q.findCard(ctx, `SELECT `+cardColumns+` FROM bank.cards WHERE id = $1 FOR UPDATE`, id)
}

func (q queries) findCard(ctx context.Context, stmt string, id int64) (*models.Card, error) {
	card, err := scanCard(q.q.QueryRowContext(ctx, stmt, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", classify(err))
	}
	return card, nil
}

// ExistsByEncryptedNumber reports whether a card with this ciphertext exists
func (q queries) ExistsByEncryptedNumber(ctx context.Context, encrypted string) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bank.cards WHERE card_number = $1)`, encrypted).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check card number: %w", classify(err))
	}
	return exists, nil
}

// CreateCard creates a new card in the database
func (q queries) CreateCard(ctx context.Context, card *models.Card) error {
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO bank.cards (owner_id, card_number, expiration_date, status, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`,
		card.OwnerID, card.EncryptedNumber, formatDate(card.ExpirationDate), string(card.Status), card.Balance).
		Scan(&card.ID, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", classify(err))
	}
	return nil
}

// UpdateCard persists the mutable fields of a card. The owner is never updated.
func (q queries) UpdateCard(ctx context.Context, card *models.Card) error {
	err := q.q.QueryRowContext(ctx, `
		UPDATE bank.cards
		SET card_number = $2, expiration_date = $3, status = $4, balance = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`,
		card.ID, card.EncryptedNumber, formatDate(card.ExpirationDate), string(card.Status), card.Balance).
		Scan(&card.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("card %d: %w", card.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update card: %w", classify(err))
	}
	return nil
}

// DeleteCard removes a card
func (q queries) DeleteCard(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM bank.cards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateTransaction appends a transaction to the ledger
func (q queries) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO bank.card_transactions (from_card_id, to_card_id, amount, timestamp, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		t.FromCardID, t.ToCardID, t.Amount, t.Timestamp, t.Description).
		Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", classify(err))
	}
	return nil
}

// ExpireCards marks the listed cards EXPIRED if they are still due for it
func (q queries) ExpireCards(ctx context.Context, ids []int64, today time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE bank.cards
		SET status = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = ANY($1) AND status = $4 AND expiration_date < $2`,
		pq.Array(ids), formatDate(today), string(models.CardStatusExpired), string(models.CardStatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to expire cards: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to expire cards: %w", err)
	}
	return n, nil
}

// ListCards returns one page of the owner's cards matching filter, by id
func (q queries) ListCards(ctx context.Context, filter query.CardFilter, page models.PageRequest) (models.Page[models.Card], error) {
	page = page.Normalize()
	out := models.Page[models.Card]{Items: []models.Card{}, Page: page.Page, Size: page.Size}

	where, args := cardFilterSQL(filter)
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank.cards WHERE `+where, args...).
		Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count cards: %w", classify(err))
	}

	n := len(args)
	stmt := fmt.Sprintf(`SELECT %s FROM bank.cards WHERE %s ORDER BY id LIMIT $%d OFFSET $%d`,
		cardColumns, where, n+1, n+2)
	cards, err := q.listCards(ctx, stmt, append(args, page.Size, page.Offset())...)
	if err != nil {
		return out, err
	}
	out.Items = cards
	return out, nil
}

// ListCardsByStatus returns every card in the given status
func (q queries) ListCardsByStatus(ctx context.Context, status models.CardStatus) ([]models.Card, error) {
	return q.listCards(ctx, `SELECT `+cardColumns+` FROM bank.cards WHERE status = $1 ORDER BY id`, string(status))
}

// ListAllCards returns every card
func (q queries) ListAllCards(ctx context.Context) ([]models.Card, error) {
	return q.listCards(ctx, `SELECT `+cardColumns+` FROM bank.cards ORDER BY id`)
}

func (q queries) listCards(ctx context.Context, stmt string, args ...any) ([]models.Card, error) {
	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", classify(err))
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", classify(err))
	}
	return cards, nil
}

// ListTransactionsByCard returns transactions sent or received by a card,
// newest first.
func (q queries) ListTransactionsByCard(ctx context.Context, cardID int64, page models.PageRequest) (models.Page[models.Transaction], error) {
	page = page.Normalize()
	out := models.Page[models.Transaction]{Items: []models.Transaction{}, Page: page.Page, Size: page.Size}

	if err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bank.card_transactions
		WHERE from_card_id = $1 OR to_card_id = $1`, cardID).
		Scan(&out.Total); err != nil {
		return out, fmt.Errorf("failed to count transactions: %w", classify(err))
	}

	rows, err := q.q.QueryContext(ctx, `
		SELECT id, from_card_id, to_card_id, amount, timestamp, description
		FROM bank.card_transactions
		WHERE from_card_id = $1 OR to_card_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`, cardID, page.Size, page.Offset())
	if err != nil {
		return out, fmt.Errorf("failed to list transactions: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.FromCardID, &t.ToCardID, &t.Amount, &t.Timestamp, &t.Description); err != nil {
			return out, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out.Items = append(out.Items, t)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("failed to list transactions: %w", classify(err))
	}
	return out, nil
}

// ListExpirableCardIDs returns the next batch of ACTIVE past-due card ids
func (q queries) ListExpirableCardIDs(ctx context.Context, today time.Time, afterID int64, limit int) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id FROM bank.cards
		WHERE status = $1 AND expiration_date < $2 AND id > $3
		ORDER BY id
		LIMIT $4`, string(models.CardStatusActive), formatDate(today), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable cards: %w", classify(err))
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expirable cards: %w", classify(err))
	}
	return ids, nil
}

var filterColumns = map[query.Field]string{
	query.FieldOwner:          "owner_id",
	query.FieldStatus:         "status",
	query.FieldExpirationDate: "expiration_date",
	query.FieldBalance:        "balance",
}

// cardFilterSQL renders the filter predicates as a parameterised WHERE body
// starting at $1.
func cardFilterSQL(filter query.CardFilter) (string, []any) {
	preds := filter.Predicates()
	clauses := make([]string, 0, len(preds))
	args := make([]any, 0, len(preds))
	for _, p := range preds {
		col, ok := filterColumns[p.Field]
		if !ok {
			continue
		}
		args = append(args, sqlValue(p.Value))
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", col, p.Op, len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func sqlValue(v any) any {
	switch val := v.(type) {
	case models.CardStatus:
		return string(val)
	case time.Time:
		return formatDate(val)
	}
	return v
}

func formatDate(t time.Time) string {
	return lifecycle.DateOf(t).Format(models.DateLayout)
}

// classify maps driver errors onto the storage error kinds
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Message)
	case "23503":
		return fmt.Errorf("%w: %s", ErrReferenced, pqErr.Message)
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}
