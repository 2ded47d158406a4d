package records

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/errors"
	"codeberg.org/mutker/battester/internal/logger"
)

const saveTimeout = 10 * time.Second

// Service persists completed records in the background so the caller never
// waits on disk I/O.
type Service struct {
	repo      Repository
	logger    logger.Logger
	queue     chan *domain.TestRecord
	onSaved   func(*domain.TestRecord, error)
	mu        sync.Mutex
	closed    bool
	writeDone chan struct{}
}

// NewService starts the background writer. onSaved, if set, is called after
// each save attempt.
func NewService(repo Repository, queueSize int, log logger.Logger, onSaved func(*domain.TestRecord, error)) *Service {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Service{
		repo:      repo,
		logger:    log,
		queue:     make(chan *domain.TestRecord, queueSize),
		onSaved:   onSaved,
		writeDone: make(chan struct{}),
	}
	go s.writer()

	return s
}

// Persist queues rec for saving. It never blocks.
func (s *Service) Persist(rec *domain.TestRecord) error {
	errFactory := errors.New()

	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errFactory.New(ErrServiceClosed)
	}

	select {
	case s.queue <- rec:
		return nil
	default:
		return errFactory.WithData(ErrQueueFull, struct {
			ID string
		}{
			ID: rec.ID.String(),
		})
	}
}

// Repository exposes the underlying store for reads.
func (s *Service) Repository() Repository {
	return s.repo
}

// Close drains queued records, then closes the repository.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.writeDone

	return s.repo.Close()
}

func (s *Service) writer() {
	defer close(s.writeDone)

	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		err := s.repo.Save(ctx, rec)
		cancel()

		if err != nil {
			s.logger.Error().
				Err(err).
				Str("id", rec.ID.String()).
				Str("battery_id", rec.BatteryID).
				Msg("Failed to persist test record")
		} else {
			s.logger.Info().
				Str("id", rec.ID.String()).
				Str("battery_id", rec.BatteryID).
				Float64("amp_hours", rec.Result.AmpHours).
				Msg("Test record persisted")
		}

		if s.onSaved != nil {
			s.onSaved(rec, err)
		}
	}
}
