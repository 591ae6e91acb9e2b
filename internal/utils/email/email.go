package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/Dan9191/bank-cards/internal/config"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

const queueSize = 64

var (
	// ErrQueueFull is returned when notifications arrive faster than SMTP drains them
	ErrQueueFull = errors.New("email queue is full")
	// ErrClosed is returned for messages offered after Close
	ErrClosed = errors.New("email sender is closed")
)

// Sender handles sending emails via SMTP. Messages are queued and sent by a
// single background worker so callers never wait on the mail server.
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email) error
	queue  chan *email.Email
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSender creates a new email sender and starts its worker
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	s := newSender(cfg, logger, nil)
	s.send = func(e *email.Email) error {
		addr := fmt.Sprintf("%s:%s", cfg.SMTPHost, cfg.SMTPPort)
		auth := smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
		return e.Send(addr, auth)
	}
	return s
}

func newSender(cfg *config.Config, logger *logrus.Logger, send func(e *email.Email) error) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
		send:   send,
		queue:  make(chan *email.Email, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sender) run() {
	defer s.wg.Done()
	for e := range s.queue {
		to := strings.Join(e.To, ",")
		if err := s.send(e); err != nil {
			s.logger.Errorf("Failed to send email to %s: %v", to, err)
			continue
		}
		s.logger.Infof("Email sent to %s: %s", to, e.Subject)
	}
}

// Close stops accepting messages and waits for the queue to drain. Later
// sends fail with ErrClosed.
func (s *Sender) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sender) enqueue(e *email.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// TransferCompleted sends a receipt for a committed transfer
func (s *Sender) TransferCompleted(_ context.Context, owner models.User, tx models.TransactionView) error {
	if owner.Email == "" {
		return nil
	}
	return s.enqueue(s.message(owner.Email, fmt.Sprintf("Transfer #%d completed", tx.ID), TransferBody(owner.Username, tx)))
}

// BlockRequested acknowledges a card block request
func (s *Sender) BlockRequested(_ context.Context, owner models.User, card models.CardView) error {
	if owner.Email == "" {
		return nil
	}
	return s.enqueue(s.message(owner.Email, "Card block request received", BlockRequestBody(owner.Username, card)))
}

func (s *Sender) message(to, subject, body string) *email.Email {
	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)
	return e
}

// TransferBody formats the transfer receipt text
func TransferBody(username string, tx models.TransactionView) string {
	body := fmt.Sprintf("Dear %s,\n\n", username)
	body += fmt.Sprintf(
		"%s has been transferred from card #%d to card #%d.\n"+
			"Transaction time: %s\n",
		tx.Amount.StringFixed(2), tx.FromCardID, tx.ToCardID, tx.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	)
	if tx.Description != "" {
		body += fmt.Sprintf("Description: %s\n", tx.Description)
	}
	body += "\nBest regards,\nBank Cards"
	return body
}

// BlockRequestBody formats the block request acknowledgement text
func BlockRequestBody(username string, card models.CardView) string {
	body := fmt.Sprintf("Dear %s,\n\n", username)
	body += fmt.Sprintf(
		"We received your request to block card %s.\n"+
			"The card stays unusable for transfers until an operator completes the block.\n",
		card.MaskedNumber,
	)
	body += "\nBest regards,\nBank Cards"
	return body
}
