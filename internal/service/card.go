package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dan9191/bank-cards/internal/lifecycle"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/Dan9191/bank-cards/internal/query"
	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/Dan9191/bank-cards/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IssueCard creates a new ACTIVE card for an existing owner
func (s *Service) IssueCard(ctx context.Context, ownerID int64, req models.CardRequest) (*models.CardView, error) {
	if err := utils.ValidateCardNumber(req.CardNumber); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	if req.ExpirationDate.IsZero() {
		return nil, fmt.Errorf("%w: expiration date is required", ErrInvalidFormat)
	}

	balance := decimal.Zero
	if req.Balance != nil {
		balance = *req.Balance
	}
	if balance.IsNegative() || !validMoney(balance) {
		return nil, fmt.Errorf("%w: initial balance %s", ErrInvalidAmount, balance)
	}

	encrypted, err := s.codec.Encrypt(req.CardNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt card number: %w", err)
	}
	status, err := lifecycle.Transition("", lifecycle.EventIssue)
	if err != nil {
		return nil, err
	}

	var card models.Card
	err = s.inTx(ctx, "issue card", func(tx repository.Tx) error {
		if _, err := tx.FindUserByID(ctx, ownerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: user %d", ErrOwnerNotFound, ownerID)
			}
			return err
		}

		exists, err := tx.ExistsByEncryptedNumber(ctx, encrypted)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyExists
		}

		card = models.Card{
			OwnerID:         ownerID,
			EncryptedNumber: encrypted,
			ExpirationDate:  lifecycle.DateOf(req.ExpirationDate),
			Status:          status,
			Balance:         balance,
		}
		return tx.CreateCard(ctx, &card)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, ErrAlreadyExists
	}
	// the owner was deleted between the lookup and the commit
	if errors.Is(err, repository.ErrReferenced) {
		return nil, fmt.Errorf("%w: user %d", ErrOwnerNotFound, ownerID)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"card_id": card.ID, "owner_id": ownerID}).Info("Card issued")
	view := s.cardView(card)
	return &view, nil
}

// GetCard returns a card of the owner, persisting expiry first if it is due
func (s *Service) GetCard(ctx context.Context, ownerID, cardID int64) (*models.CardView, error) {
	today := s.today()

	var card models.Card
	err := s.inTx(ctx, "get card", func(tx repository.Tx) error {
		c, err := s.ownedCard(ctx, tx, ownerID, cardID)
		if err != nil {
			return err
		}
		if lifecycle.ShouldExpire(*c, today) {
			to, err := lifecycle.Transition(c.Status, lifecycle.EventExpire)
			if err != nil {
				return err
			}
			if _, err := tx.ExpireCards(ctx, []int64{c.ID}, today); err != nil {
				return err
			}
			c.Status = to
			s.log.WithField("card_id", c.ID).Info("Card expired on read")
		}
		card = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	view := s.cardView(card)
	return &view, nil
}

// SetStatus is the admin override: it sets any known status without
// consulting the transition table.
func (s *Service) SetStatus(ctx context.Context, cardID int64, status models.CardStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var from models.CardStatus
	err := s.inTx(ctx, "set status", func(tx repository.Tx) error {
		card, err := tx.FindCardForUpdate(ctx, cardID)
		if errors.Is(err, repository.ErrNotFound) {
			return notFound(cardID)
		}
		if err != nil {
			return err
		}

		to, err := lifecycle.Override(card.Status, status)
		if err != nil {
			return err
		}
		from = card.Status
		card.Status = to
		return tx.UpdateCard(ctx, card)
	})
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"card_id": cardID,
		"from":    from,
		"to":      status,
	}).Warn("Admin status override applied")
	return nil
}

// RequestBlock records the owner's request to block a card
func (s *Service) RequestBlock(ctx context.Context, ownerID, cardID int64) error {
	card, err := s.transition(ctx, "request block", ownerID, cardID, lifecycle.EventRequestBlock)
	if err != nil {
		return err
	}

	view := s.cardView(*card)
	s.notifyOwner(ctx, ownerID, "block request", func(owner models.User) error {
		return s.notifier.BlockRequested(ctx, owner, view)
	})
	return nil
}

// BlockCard blocks an active or pending-block card on behalf of an operator
func (s *Service) BlockCard(ctx context.Context, ownerID, cardID int64) error {
	_, err := s.transition(ctx, "block card", ownerID, cardID, lifecycle.EventBlock)
	return err
}

func (s *Service) transition(ctx context.Context, op string, ownerID, cardID int64, ev lifecycle.Event) (*models.Card, error) {
	var card models.Card
	err := s.inTx(ctx, op, func(tx repository.Tx) error {
		c, err := s.ownedCard(ctx, tx, ownerID, cardID)
		if err != nil {
			return err
		}
		to, err := lifecycle.Transition(c.Status, ev)
		if err != nil {
			return &CardError{CardID: cardID, Err: err}
		}
		c.Status = to
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}
		card = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"card_id": cardID, "event": ev, "status": card.Status}).Info("Card status changed")
	return &card, nil
}

// UpdateCard applies a partial admin update to a card of the owner
func (s *Service) UpdateCard(ctx context.Context, ownerID, cardID int64, upd models.CardUpdate) error {
	var encrypted string
	if upd.CardNumber != nil {
		if err := utils.ValidateCardNumber(*upd.CardNumber); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
		enc, err := s.codec.Encrypt(*upd.CardNumber)
		if err != nil {
			return fmt.Errorf("failed to encrypt card number: %w", err)
		}
		encrypted = enc
	}
	if upd.Balance != nil && (upd.Balance.IsNegative() || !validMoney(*upd.Balance)) {
		return fmt.Errorf("%w: balance %s", ErrInvalidAmount, upd.Balance)
	}

	err := s.inTx(ctx, "update card", func(tx repository.Tx) error {
		card, err := s.ownedCard(ctx, tx, ownerID, cardID)
		if err != nil {
			return err
		}

		if upd.CardNumber != nil && encrypted != card.EncryptedNumber {
			exists, err := tx.ExistsByEncryptedNumber(ctx, encrypted)
			if err != nil {
				return err
			}
			if exists {
				return ErrAlreadyExists
			}
			card.EncryptedNumber = encrypted
		}
		if upd.ExpirationDate != nil {
			card.ExpirationDate = lifecycle.DateOf(*upd.ExpirationDate)
		}
		if upd.Balance != nil {
			card.Balance = *upd.Balance
		}
		return tx.UpdateCard(ctx, card)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	s.log.WithField("card_id", cardID).Info("Card updated")
	return nil
}

// DeleteCard removes a card permanently
func (s *Service) DeleteCard(ctx context.Context, cardID int64) error {
	err := s.inTx(ctx, "delete card", func(tx repository.Tx) error {
		err := tx.DeleteCard(ctx, cardID)
		if errors.Is(err, repository.ErrNotFound) {
			return notFound(cardID)
		}
		return err
	})
	if err != nil {
		return err
	}

	s.log.WithField("card_id", cardID).Warn("Card deleted")
	return nil
}

// ListCards returns one page of the owner's cards matching filter
func (s *Service) ListCards(ctx context.Context, filter query.CardFilter, page models.PageRequest) (models.Page[models.CardView], error) {
	if err := filter.Validate(); err != nil {
		return models.Page[models.CardView]{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	cards, err := s.store.ListCards(ctx, filter, page)
	if err != nil {
		return models.Page[models.CardView]{}, err
	}
	return models.MapPage(cards, s.cardView), nil
}

// ListAllCards returns every card in the system
func (s *Service) ListAllCards(ctx context.Context) ([]models.CardView, error) {
	cards, err := s.store.ListAllCards(ctx)
	if err != nil {
		return nil, err
	}
	return s.cardViews(cards), nil
}

// ListPendingBlock returns the cards whose owners asked for a block
func (s *Service) ListPendingBlock(ctx context.Context) ([]models.CardView, error) {
	cards, err := s.store.ListCardsByStatus(ctx, models.CardStatusPendingBlock)
	if err != nil {
		return nil, err
	}
	return s.cardViews(cards), nil
}
