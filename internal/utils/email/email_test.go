package email

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dan9191/bank-cards/internal/config"
	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type outbox struct {
	mu   sync.Mutex
	sent []*email.Email
	err  error
}

func (o *outbox) send(e *email.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, e)
	return o.err
}

func testSender(o *outbox) *Sender {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return newSender(&config.Config{SenderEmail: "bank@example.com"}, log, o.send)
}

func TestSender_TransferCompleted(t *testing.T) {
	o := &outbox{}
	s := testSender(o)

	owner := models.User{ID: 1, Username: "alice", Email: "alice@example.com"}
	tx := models.TransactionView{
		ID: 9, FromCardID: 1, ToCardID: 2,
		Amount:      decimal.RequireFromString("30"),
		Timestamp:   time.Date(2026, 10, 19, 8, 15, 0, 0, time.UTC),
		Description: "rent",
	}
	if err := s.TransferCompleted(context.Background(), owner, tx); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if len(o.sent) != 1 {
		t.Fatalf("%d emails sent, want 1", len(o.sent))
	}
	e := o.sent[0]
	if e.From != "bank@example.com" || e.To[0] != "alice@example.com" || e.Subject != "Transfer #9 completed" {
		t.Errorf("envelope = %s -> %v: %s", e.From, e.To, e.Subject)
	}
	for _, want := range []string{"Dear alice", "30.00", "card #1 to card #2", "2026-10-19 08:15:00 UTC", "Description: rent"} {
		if !strings.Contains(string(e.Text), want) {
			t.Errorf("body missing %q:\n%s", want, e.Text)
		}
	}
}

func TestSender_BlockRequested(t *testing.T) {
	o := &outbox{err: errors.New("smtp down")}
	s := testSender(o)

	card := models.CardView{ID: 3, MaskedNumber: "**** **** **** 4444"}
	if err := s.BlockRequested(context.Background(), models.User{Username: "bob", Email: "bob@example.com"}, card); err != nil {
		t.Fatal(err)
	}
	// No address, nothing queued.
	if err := s.BlockRequested(context.Background(), models.User{Username: "ghost"}, card); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if len(o.sent) != 1 {
		t.Fatalf("%d emails attempted, want 1", len(o.sent))
	}
	if !strings.Contains(string(o.sent[0].Text), "**** **** **** 4444") {
		t.Errorf("body = %s", o.sent[0].Text)
	}
}

func TestSender_QueueFull(t *testing.T) {
	block := make(chan struct{})
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := newSender(&config.Config{}, log, func(*email.Email) error {
		<-block
		return nil
	})

	owner := models.User{Email: "a@example.com"}
	var err error
	for i := 0; i < queueSize+2 && err == nil; i++ {
		err = s.BlockRequested(context.Background(), owner, models.CardView{})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	s.Close()
}

func TestSender_SendAfterClose(t *testing.T) {
	o := &outbox{}
	s := testSender(o)
	s.Close()

	owner := models.User{Email: "alice@example.com"}
	if err := s.TransferCompleted(context.Background(), owner, models.TransactionView{ID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("TransferCompleted after Close: expected ErrClosed, got %v", err)
	}
	if err := s.BlockRequested(context.Background(), owner, models.CardView{}); !errors.Is(err, ErrClosed) {
		t.Errorf("BlockRequested after Close: expected ErrClosed, got %v", err)
	}
	s.Close()

	if len(o.sent) != 0 {
		t.Errorf("%d emails sent after Close", len(o.sent))
	}
}

func TestSender_CloseDuringSends(t *testing.T) {
	s := testSender(&outbox{})
	owner := models.User{Email: "alice@example.com"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := s.TransferCompleted(context.Background(), owner, models.TransactionView{ID: int64(j)})
				if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrQueueFull) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}()
	}
	s.Close()
	wg.Wait()
}
