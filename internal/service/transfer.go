package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/sirupsen/logrus"
)

// Transfer moves money between two active cards of the same owner and
// records the movement in the ledger, all in one unit of work.
//
// Preconditions are checked in order: ownership of both cards, both cards
// active, a positive amount, sufficient funds on the source.
func (s *Service) Transfer(ctx context.Context, ownerID int64, req models.TransferRequest) (*models.TransactionView, error) {
	if req.FromCardID == req.ToCardID {
		return nil, ErrSameCard
	}
	today := s.today()

	var record models.Transaction
	err := s.inTx(ctx, "transfer", func(tx repository.Tx) error {
		cards, err := lockCards(ctx, tx, req.FromCardID, req.ToCardID)
		if err != nil {
			return err
		}

		from, to := cards[req.FromCardID], cards[req.ToCardID]
		if from == nil || from.OwnerID != ownerID {
			return notFound(req.FromCardID)
		}
		if to == nil || to.OwnerID != ownerID {
			return notFound(req.ToCardID)
		}

		if st := lifecycle.EffectiveStatus(*from, today); st != models.CardStatusActive {
			return &StatusError{CardID: from.ID, Status: st}
		}
		if st := lifecycle.EffectiveStatus(*to, today); st != models.CardStatusActive {
			return &StatusError{CardID: to.ID, Status: st}
		}

		if !req.Amount.IsPositive() || !validMoney(req.Amount) {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
		}
		if from.Balance.LessThan(req.Amount) {
			return &CardError{CardID: from.ID, Err: ErrInsufficientFunds}
		}

		from.Balance = from.Balance.Sub(req.Amount)
		to.Balance = to.Balance.Add(req.Amount)
		if err := tx.UpdateCard(ctx, from); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, to); err != nil {
			return err
		}

		record = models.Transaction{
			FromCardID:  from.ID,
			ToCardID:    to.ID,
			Amount:      req.Amount,
			Timestamp:   s.now().UTC(),
			Description: req.Description,
		}
		return tx.CreateTransaction(ctx, &record)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"transaction_id": record.ID,
		"from_card_id":   record.FromCardID,
		"to_card_id":     record.ToCardID,
		"amount":         record.Amount.String(),
	}).Info("Transfer completed")

	view := transactionView(record)
	s.notifyOwner(ctx, ownerID, "transfer", func(owner models.User) error {
		return s.notifier.TransferCompleted(ctx, owner, view)
	})
	return &view, nil
}

// lockCards locks the given cards in ascending id order, whatever order the
// caller lists them in, so two transfers over the same pair cannot deadlock.
// Missing cards are absent from the result.
func lockCards(ctx context.Context, tx repository.Tx, ids ...int64) (map[int64]*models.Card, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	cards := make(map[int64]*models.Card, len(sorted))
	for _, id := range sorted {
		card, err := tx.FindCardForUpdate(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cards[id] = card
	}
	return cards, nil
}

// History returns the owner's card transactions, newest first
func (s *Service) History(ctx context.Context, ownerID, cardID int64, page models.PageRequest) (models.Page[models.TransactionView], error) {
	card, err := s.store.FindCardByID(ctx, cardID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Page[models.TransactionView]{}, notFound(cardID)
	}
	if err != nil {
		return models.Page[models.TransactionView]{}, err
	}
	if card.OwnerID != ownerID {
		return models.Page[models.TransactionView]{}, notFound(cardID)
	}

	txns, err := s.store.ListTransactionsByCard(ctx, cardID, page)
	if err != nil {
		return models.Page[models.TransactionView]{}, err
	}
	return models.MapPage(txns, transactionView), nil
}
