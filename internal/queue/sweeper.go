package queue

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"gitea.jw6.us/james/calsched/internal/logging"
)

// Sweeper periodically returns dead-lettered jobs to the queue.
type Sweeper struct {
	cron   *cron.Cron
	queue  *Queue
	logger logging.Logger
}

// NewSweeper schedules RequeueDeadLetters on a standard five-field cron spec.
func NewSweeper(spec string, q *Queue, logger logging.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Sweeper{cron: cron.New(), queue: q, logger: logger}
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return nil, fmt.Errorf("dead letter schedule %q: %w", spec, err)
	}
	return s, nil
}

// Sweep requeues dead letters once.
func (s *Sweeper) Sweep() {
	if n := s.queue.RequeueDeadLetters(); n > 0 {
		s.logger.Info(context.Background(), "requeued dead letters", "count", n)
	}
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
