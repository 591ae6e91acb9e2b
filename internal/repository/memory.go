package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/query"
)

// MemoryStore is an in-memory Store used by tests and local runs.
//
// Units of work take per-card locks (held until commit or rollback) and
// buffer their writes, which are applied atomically on commit.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[int64]models.User
	cards       map[int64]models.Card
	txns        []models.Transaction
	rowLocks    map[int64]*sync.Mutex
	nextUserID  int64
	nextCardID  int64
	nextTxID    int64
	failCommits []error
	now         func() time.Time
}

// NewMemoryStore instantiates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]models.User),
		cards:    make(map[int64]models.Card),
		rowLocks: make(map[int64]*sync.Mutex),
		now:      time.Now,
	}
}

// AddUser stores a user, assigning an id when none is set
func (s *MemoryStore) AddUser(user models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		s.nextUserID++
		user.ID = s.nextUserID
	} else if user.ID > s.nextUserID {
		s.nextUserID = user.ID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	s.users[user.ID] = user
	return user
}

// FailNextCommit makes the next commit fail with err instead of applying
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = append(s.failCommits, err)
}

// Transactions returns a snapshot of the committed ledger
func (s *MemoryStore) Transactions() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Transaction(nil), s.txns...)
}

// WithinTx runs fn as one unit of work
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:   s,
		locked:  make(map[int64]*sync.Mutex),
		writes:  make(map[int64]models.Card),
		deleted: make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failCommits) > 0 {
		err := s.failCommits[0]
		s.failCommits = s.failCommits[1:]
		return err
	}

	for id, card := range tx.writes {
		for otherID, other := range s.cards {
			if otherID == id || tx.deleted[otherID] {
				continue
			}
			if pending, ok := tx.writes[otherID]; ok {
				other = pending
			}
			if other.EncryptedNumber == card.EncryptedNumber {
				return fmt.Errorf("%w: card number already stored", ErrDuplicate)
			}
		}
	}

	for _, card := range tx.writes {
		if _, ok := s.users[card.OwnerID]; !ok {
			return fmt.Errorf("owner %d: %w", card.OwnerID, ErrReferenced)
		}
	}

	for id := range tx.deleted {
		delete(s.cards, id)
	}
	for id, card := range tx.writes {
		s.cards[id] = card
	}
	s.txns = append(s.txns, tx.txns...)
	return nil
}

func (s *MemoryStore) rowLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

func (s *MemoryStore) committedCard(id int64) (models.Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	return c, ok
}

// FindUserByID retrieves a user by id
func (s *MemoryStore) FindUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return &u, nil
}

// CreateUser stores a new user with a unique username and e-mail
func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username || u.Email == user.Email {
			return fmt.Errorf("%w: username or email already stored", ErrDuplicate)
		}
	}
	s.nextUserID++
	user.ID = s.nextUserID
	user.CreatedAt = s.now().UTC()
	s.users[user.ID] = *user
	return nil
}

// ListUsers returns one page of users, by id
func (s *MemoryStore) ListUsers(_ context.Context, page models.PageRequest) (models.Page[models.User], error) {
	page = page.Normalize()

	s.mu.Lock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	out := models.Page[models.User]{Items: []models.User{}, Page: page.Page, Size: page.Size, Total: int64(len(users))}
	start := page.Offset()
	if start < 0 || start >= len(users) {
		return out, nil
	}
	end := start + page.Size
	if end > len(users) {
		end = len(users)
	}
	out.Items = append(out.Items, users[start:end]...)
	return out, nil
}

// DeleteUser removes a user that owns no committed cards
func (s *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	for _, c := range s.cards {
		if c.OwnerID == id {
			return fmt.Errorf("user %d owns card %d: %w", id, c.ID, ErrReferenced)
		}
	}
	delete(s.users, id)
	return nil
}

// FindCardByID retrieves a committed card by id
func (s *MemoryStore) FindCardByID(_ context.Context, id int64) (*models.Card, error) {
	c, ok := s.committedCard(id)
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

// ListCards returns one page of cards matching filter, by id
func (s *MemoryStore) ListCards(_ context.Context, filter query.CardFilter, page models.PageRequest) (models.Page[models.Card], error) {
	page = page.Normalize()
	matched := s.sortedCards(filter.Match)

	out := models.Page[models.Card]{Items: []models.Card{}, Page: page.Page, Size: page.Size, Total: int64(len(matched))}
	start := page.Offset()
	if start < 0 || start >= len(matched) {
		return out, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = append(out.Items, matched[start:end]...)
	return out, nil
}

// ListCardsByStatus returns every card in the given status
func (s *MemoryStore) ListCardsByStatus(_ context.Context, status models.CardStatus) ([]models.Card, error) {
	return s.sortedCards(func(c models.Card) bool { return c.Status == status }), nil
}

// ListAllCards returns every card
func (s *MemoryStore) ListAllCards(_ context.Context) ([]models.Card, error) {
	return s.sortedCards(func(models.Card) bool { return true }), nil
}

func (s *MemoryStore) sortedCards(keep func(models.Card) bool) []models.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Card{}
	for _, c := range s.cards {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTransactionsByCard returns transactions sent or received by a card,
// newest first.
func (s *MemoryStore) ListTransactionsByCard(_ context.Context, cardID int64, page models.PageRequest) (models.Page[models.Transaction], error) {
	page = page.Normalize()

	s.mu.Lock()
	matched := []models.Transaction{}
	for _, t := range s.txns {
		if t.FromCardID == cardID || t.ToCardID == cardID {
			matched = append(matched, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	out := models.Page[models.Transaction]{Items: []models.Transaction{}, Page: page.Page, Size: page.Size, Total: int64(len(matched))}
	start := page.Offset()
	if start < 0 || start >= len(matched) {
		return out, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = append(out.Items, matched[start:end]...)
	return out, nil
}

// ListExpirableCardIDs returns the next batch of ACTIVE past-due card ids
func (s *MemoryStore) ListExpirableCardIDs(_ context.Context, today time.Time, afterID int64, limit int) ([]int64, error) {
	cards := s.sortedCards(func(c models.Card) bool {
		return c.ID > afterID && lifecycle.ShouldExpire(c, today)
	})
	ids := []int64{}
	for _, c := range cards {
		if len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// memTx is one in-flight unit of work against a MemoryStore
type memTx struct {
	store   *MemoryStore
	locked  map[int64]*sync.Mutex
	writes  map[int64]models.Card
	deleted map[int64]bool
	txns    []models.Transaction
}

func (t *memTx) lock(id int64) {
	if _, ok := t.locked[id]; ok {
		return
	}
	l := t.store.rowLock(id)
	l.Lock()
	t.locked[id] = l
}

func (t *memTx) release() {
	for id, l := range t.locked {
		l.Unlock()
		delete(t.locked, id)
	}
}

func (t *memTx) read(id int64) (models.Card, bool) {
	if t.deleted[id] {
		return models.Card{}, false
	}
	if c, ok := t.writes[id]; ok {
		return c, true
	}
	return t.store.committedCard(id)
}

func (t *memTx) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	return t.store.FindUserByID(ctx, id)
}

func (t *memTx) FindCardByID(_ context.Context, id int64) (*models.Card, error) {
	c, ok := t.read(id)
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) FindCardForUpdate(ctx context.Context, id int64) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.lock(id)
	return t.FindCardByID(ctx, id)
}

func (t *memTx) ExistsByEncryptedNumber(_ context.Context, encrypted string) (bool, error) {
	for _, c := range t.writes {
		if c.EncryptedNumber == encrypted {
			return true, nil
		}
	}
	for _, c := range t.store.sortedCards(func(c models.Card) bool { return c.EncryptedNumber == encrypted }) {
		if t.deleted[c.ID] {
			continue
		}
		if _, rewritten := t.writes[c.ID]; rewritten {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (t *memTx) CreateCard(_ context.Context, card *models.Card) error {
	t.store.mu.Lock()
	t.store.nextCardID++
	card.ID = t.store.nextCardID
	now := t.store.now().UTC()
	t.store.mu.Unlock()

	card.CreatedAt = now
	card.UpdatedAt = now
	card.ExpirationDate = lifecycle.DateOf(card.ExpirationDate)
	t.lock(card.ID)
	t.writes[card.ID] = *card
	return nil
}

func (t *memTx) UpdateCard(_ context.Context, card *models.Card) error {
	t.lock(card.ID)
	existing, ok := t.read(card.ID)
	if !ok {
		return fmt.Errorf("card %d: %w", card.ID, ErrNotFound)
	}
	updated := *card
	updated.OwnerID = existing.OwnerID
	updated.CreatedAt = existing.CreatedAt
	updated.ExpirationDate = lifecycle.DateOf(updated.ExpirationDate)
	updated.UpdatedAt = t.store.now().UTC()
	card.UpdatedAt = updated.UpdatedAt
	t.writes[card.ID] = updated
	return nil
}

func (t *memTx) DeleteCard(_ context.Context, id int64) error {
	t.lock(id)
	if _, ok := t.read(id); !ok {
		return fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	delete(t.writes, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	t.store.mu.Lock()
	t.store.nextTxID++
	tx.ID = t.store.nextTxID
	t.store.mu.Unlock()
	t.txns = append(t.txns, *tx)
	return nil
}

func (t *memTx) ExpireCards(_ context.Context, ids []int64, today time.Time) (int64, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var n int64
	for _, id := range sorted {
		t.lock(id)
		c, ok := t.read(id)
		if !ok || !lifecycle.ShouldExpire(c, today) {
			continue
		}
		c.Status = models.CardStatusExpired
		c.UpdatedAt = t.store.now().UTC()
		t.writes[id] = c
		n++
	}
	return n, nil
}
