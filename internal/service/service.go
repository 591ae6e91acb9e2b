package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/Dan9191/bank-cards/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts    = 3
	defaultSweepBatchSize = 500
	defaultRetryBackoff   = 20 * time.Millisecond
)

// Notifier receives events after their unit of work has committed
type Notifier interface {
	TransferCompleted(ctx context.Context, owner models.User, tx models.TransactionView) error
	BlockRequested(ctx context.Context, owner models.User, card models.CardView) error
}

type noopNotifier struct{}

func (noopNotifier) TransferCompleted(context.Context, models.User, models.TransactionView) error {
	return nil
}

func (noopNotifier) BlockRequested(context.Context, models.User, models.CardView) error {
	return nil
}

// Options tunes a Service; zero values select defaults
type Options struct {
	Now            func() time.Time
	Notifier       Notifier
	MaxAttempts    int
	RetryBackoff   time.Duration
	SweepBatchSize int
}

// Service handles card business logic
type Service struct {
	store          repository.Store
	codec          *utils.CardCodec
	log            *logrus.Logger
	now            func() time.Time
	notifier       Notifier
	maxAttempts    int
	retryBackoff   time.Duration
	sweepBatchSize int
}

// NewService initializes a new service
func NewService(store repository.Store, codec *utils.CardCodec, log *logrus.Logger, opts Options) *Service {
	s := &Service{
		store:          store,
		codec:          codec,
		log:            log,
		now:            opts.Now,
		notifier:       opts.Notifier,
		maxAttempts:    opts.MaxAttempts,
		retryBackoff:   opts.RetryBackoff,
		sweepBatchSize: opts.SweepBatchSize,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = defaultRetryBackoff
	}
	if s.sweepBatchSize <= 0 {
		s.sweepBatchSize = defaultSweepBatchSize
	}
	return s
}

func (s *Service) today() time.Time {
	return lifecycle.DateOf(s.now())
}

// inTx runs fn as one unit of work, starting over when the store reports a
// concurrency conflict. fn must not keep state between attempts.
func (s *Service) inTx(ctx context.Context, op string, fn func(tx repository.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.store.WithinTx(ctx, fn)
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		s.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).WithError(err).
			Warn("Unit of work conflicted")
		if attempt == s.maxAttempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * s.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, s.maxAttempts, err)
}

// ownedCard loads a card for update and checks that ownerID owns it
func (s *Service) ownedCard(ctx context.Context, tx repository.Tx, ownerID, cardID int64) (*models.Card, error) {
	card, err := tx.FindCardForUpdate(ctx, cardID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFound(cardID)
	}
	if err != nil {
		return nil, err
	}
	if card.OwnerID != ownerID {
		return nil, notFound(cardID)
	}
	return card, nil
}

func (s *Service) cardView(card models.Card) models.CardView {
	return models.CardView{
		ID:             card.ID,
		MaskedNumber:   s.codec.MaskEncrypted(card.EncryptedNumber),
		ExpirationDate: card.ExpirationDate.Format(models.DateLayout),
		Status:         card.Status,
		Balance:        card.Balance,
		OwnerID:        card.OwnerID,
	}
}

func (s *Service) cardViews(cards []models.Card) []models.CardView {
	views := make([]models.CardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, s.cardView(c))
	}
	return views
}

func transactionView(t models.Transaction) models.TransactionView {
	return models.TransactionView{
		ID:          t.ID,
		FromCardID:  t.FromCardID,
		ToCardID:    t.ToCardID,
		Amount:      t.Amount,
		Timestamp:   t.Timestamp,
		Description: t.Description,
	}
}

// notifyOwner delivers a post-commit notification; failures are only logged
func (s *Service) notifyOwner(ctx context.Context, ownerID int64, event string, send func(owner models.User) error) {
	owner, err := s.store.FindUserByID(ctx, ownerID)
	if err != nil {
		s.log.WithError(err).Warnf("Skipping %s notification for user %d", event, ownerID)
		return
	}
	if err := send(*owner); err != nil {
		s.log.WithError(err).Warnf("Failed to send %s notification to user %d", event, ownerID)
	}
}

// validMoney reports whether v fits the two-decimal storage precision
func validMoney(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(2))
}
