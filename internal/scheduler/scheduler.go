// Package scheduler runs the background jobs of the card service.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultExpirySchedule runs the expiry sweep at 01:00 every day
const DefaultExpirySchedule = "0 1 * * *"

// Sweeper expires past-due cards
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Scheduler wraps a cron runner with logrus logging
type Scheduler struct {
	cron    *cron.Cron
	log     *logrus.Logger
	timeout time.Duration
}

// New creates a scheduler that evaluates schedules in UTC. A job that is
// still running when its next tick arrives skips that tick.
func New(log *logrus.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		timeout: time.Hour,
	}
}

// AddExpirySweep registers the expiry sweep on a standard five-field spec
func (s *Scheduler) AddExpirySweep(spec string, sweeper Sweeper) error {
	if spec == "" {
		spec = DefaultExpirySchedule
	}
	_, err := s.cron.AddFunc(spec, func() { s.runSweep(sweeper) })
	if err != nil {
		return fmt.Errorf("invalid expiry schedule %q: %w", spec, err)
	}
	s.log.Infof("Expiry sweep scheduled (%s)", spec)
	return nil
}

func (s *Scheduler) runSweep(sweeper Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := sweeper.SweepExpired(ctx)
	entry := s.log.WithFields(logrus.Fields{"expired": n, "duration": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Error("Expiry sweep failed")
		return
	}
	entry.Info("Expiry sweep completed")
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	log *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
