package cleanup

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pruner deletes records older than cutoff and reports how many went.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionService periodically deletes occupancy log entries older than
// maxAge. A zero maxAge keeps history forever.
type RetentionService struct {
	pruner   Pruner
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewRetentionService(pruner Pruner, maxAge, interval time.Duration) *RetentionService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionService{
		pruner:   pruner,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *RetentionService) Enabled() bool {
	return s.maxAge > 0
}

// Start blocks until Stop is called; run it on its own goroutine.
func (s *RetentionService) Start() {
	defer close(s.done)

	if !s.Enabled() {
		log.Info("Occupancy log retention disabled")
		return
	}

	log.WithFields(log.Fields{
		"max_age":  s.maxAge,
		"interval": s.interval,
	}).Info("Starting occupancy log retention")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.prune()

	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-s.stopChan:
			log.Info("Stopping occupancy log retention")
			return
		}
	}
}

// Stop ends Start and waits for it. Safe to call more than once, and before
// Start has been scheduled as long as Start eventually runs.
func (s *RetentionService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.done
}

func (s *RetentionService) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.maxAge)
	count, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("Error pruning occupancy logs")
		return
	}

	if count > 0 {
		log.WithFields(log.Fields{
			"deleted": count,
			"cutoff":  cutoff,
		}).Info("Pruned old occupancy logs")
	}
}
