package service

import (
	"context"
	"fmt"

	"github.com/Dan9191/bank-cards/internal/repository"
	"github.com/sirupsen/logrus"
)

// SweepExpired moves every ACTIVE card past its expiration date to EXPIRED.
//
// Cards are processed in id-ordered batches, each in its own unit of work.
// The returned count covers the batches committed before any error.
// Running the sweep again is harmless: already expired cards are skipped.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	today := s.today()
	log := s.log.WithField("today", today.Format("2006-01-02"))

	var (
		total   int
		afterID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		ids, err := s.store.ListExpirableCardIDs(ctx, today, afterID, s.sweepBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list expirable cards: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		var expired int64
		err = s.inTx(ctx, "expire cards", func(tx repository.Tx) error {
			n, err := tx.ExpireCards(ctx, ids, today)
			expired = n
			return err
		})
		if err != nil {
			return total, fmt.Errorf("failed to expire batch after card %d: %w", afterID, err)
		}
		total += int(expired)
		log.WithFields(logrus.Fields{"batch": len(ids), "expired": expired}).Debug("Expiry batch committed")

		if len(ids) < s.sweepBatchSize {
			break
		}
	}

	log.WithField("expired", total).Info("Expiry sweep finished")
	return total, nil
}
