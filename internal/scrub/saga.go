package scrub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"github.com/soulsense/sentinel/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStepTimeout = 10 * time.Second
	defaultConcurrency = 8
	defaultLeaseTTL    = 5 * time.Minute
)

// FileDeleter deletes one stored file. Deleting a missing file succeeds.
type FileDeleter interface {
	DeleteFile(ctx context.Context, path string) error
}

// Config configures a Saga.
type Config struct {
	Store Store
	// Client holds the per-user lease. Optional: without it, concurrent runs
	// are serialized only by the unique user_id on the log.
	Client  redis.UniversalClient
	Files   FileDeleter
	Vectors vector.Purger
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// StepTimeout bounds each external call.
	StepTimeout time.Duration
	// Concurrency bounds parallel file deletions.
	Concurrency int
	LeaseTTL    time.Duration
	Now         func() time.Time
}

// Saga runs and reports GDPR scrubs.
type Saga struct {
	store       Store
	client      redis.UniversalClient
	files       FileDeleter
	vectors     vector.Purger
	logger      *zap.Logger
	metrics     *metrics.Metrics
	stepTimeout time.Duration
	concurrency int
	leaseTTL    time.Duration
	now         func() time.Time
}

// New creates a Saga.
func New(cfg Config) *Saga {
	s := &Saga{
		store:       cfg.Store,
		client:      cfg.Client,
		files:       cfg.Files,
		vectors:     cfg.Vectors,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		stepTimeout: cfg.StepTimeout,
		concurrency: cfg.Concurrency,
		leaseTTL:    cfg.LeaseTTL,
		now:         cfg.Now,
	}
	if s.vectors == nil {
		s.vectors = vector.Noop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.stepTimeout <= 0 {
		s.stepTimeout = defaultStepTimeout
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = defaultLeaseTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func leaseKey(userID int64) string {
	return "scrub:lease:" + strconv.FormatInt(userID, 10)
}

// Scrub erases userID, resuming from the last checkpoint of an earlier run.
// A failed step returns an error wrapping ErrSagaStep; calling Scrub again
// retries it.
func (s *Saga) Scrub(ctx context.Context, userID int64) (*Result, error) {
	if s.client != nil {
		lease, err := faststore.AcquireLease(ctx, s.client, leaseKey(userID), s.leaseTTL)
		if err != nil {
			if errors.Is(err, faststore.ErrLeaseHeld) {
				return nil, ErrInProgress
			}
			return nil, fmt.Errorf("Scrub: %w", err)
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				s.logger.Warn("scrub lease release failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}()
		var stop func()
		ctx, stop = s.holdLease(ctx, lease, userID)
		defer stop()
	}

	l, err := s.store.LoadLog(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Scrub: %w", err)
	}

	if l == nil {
		username, found, err := s.store.LookupUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("Scrub: %w", err)
		}
		if !found {
			s.logger.Warn("scrub requested for unknown user with no saga, nothing to do", zap.Int64("user_id", userID))
			return &Result{NoOp: true}, nil
		}
		at := s.now().UTC()
		l, err = s.store.Init(ctx, userID, username, newScrubID(userID, username, at), at)
		if err != nil {
			return nil, fmt.Errorf("Scrub: %w", err)
		}
		s.metrics.ScrubStep("init", "ok")
		s.logger.Info("scrub saga initialized",
			zap.Int64("user_id", userID),
			zap.String("scrub_id", l.ScrubID),
			zap.Int("assets", len(l.Assets)),
		)
	}

	if l.Status == StatusCompleted {
		s.logger.Info("scrub already completed", zap.Int64("user_id", userID), zap.String("scrub_id", l.ScrubID))
		return &Result{ScrubID: l.ScrubID, Status: l.Status, NoOp: true}, nil
	}

	if !l.assetsDone() {
		if err := s.deleteAssets(ctx, l); err != nil {
			return nil, s.fail(ctx, l, "assets", err)
		}
	}

	if !l.SQLDeleted {
		if err := s.purge(ctx, l); err != nil {
			return nil, s.fail(ctx, l, "purge", err)
		}
	}

	s.logger.Info("scrub saga completed", zap.Int64("user_id", userID), zap.String("scrub_id", l.ScrubID))
	return &Result{ScrubID: l.ScrubID, Status: l.Status}, nil
}

// holdLease renews the lease every third of its ttl while the saga runs. The
// returned context is cancelled if the lease is lost, so in-flight steps stop
// before another run takes over.
func (s *Saga) holdLease(ctx context.Context, lease *faststore.Lease, userID int64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Extend(ctx, s.leaseTTL)
				if err == nil {
					continue
				}
				if errors.Is(err, faststore.ErrLeaseLost) {
					s.logger.Error("scrub lease lost, aborting run", zap.Int64("user_id", userID))
					cancel()
					return
				}
				s.logger.Warn("scrub lease renewal failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

// deleteAssets runs the storage and vector steps, saving each checkpoint as
// it turns true. Both steps are attempted even if the first fails.
func (s *Saga) deleteAssets(ctx context.Context, l *Log) error {
	var errs []error

	if !l.StorageDeleted {
		if err := s.deleteFiles(ctx, l); err != nil {
			s.metrics.ScrubStep("storage", "error")
			errs = append(errs, err)
		} else {
			l.StorageDeleted = true
			if err := s.store.SaveCheckpoint(ctx, l); err != nil {
				return err
			}
			s.metrics.ScrubStep("storage", "ok")
		}
	}

	if !l.VectorDeleted {
		vctx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		err := s.vectors.PurgeUser(vctx, l.UserID)
		cancel()
		if err != nil {
			s.metrics.ScrubStep("vector", "error")
			errs = append(errs, fmt.Errorf("vector purge: %w", err))
		} else {
			l.VectorDeleted = true
			if err := s.store.SaveCheckpoint(ctx, l); err != nil {
				return err
			}
			s.metrics.ScrubStep("vector", "ok")
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	l.Status = StatusAssetsDeleted
	if err := s.store.SaveCheckpoint(ctx, l); err != nil {
		return err
	}
	s.logger.Debug("scrub external assets cleared", zap.Int64("user_id", l.UserID))
	return nil
}

// deleteFiles attempts every snapshotted file and fails if any failed.
func (s *Saga) deleteFiles(ctx context.Context, l *Log) error {
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, path := range l.Assets {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, s.stepTimeout)
			defer cancel()
			if err := s.files.DeleteFile(dctx, path); err != nil {
				failed.Add(1)
				s.logger.Warn("scrub file deletion failed",
					zap.Int64("user_id", l.UserID),
					zap.String("path", path),
					zap.Error(err),
				)
			}
			// Never return the error: one failure must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d files not deleted", n, len(l.Assets))
	}
	return nil
}

func (s *Saga) purge(ctx context.Context, l *Log) error {
	at := s.now().UTC()
	if err := s.store.Purge(ctx, l, at); err != nil {
		s.metrics.ScrubStep("purge", "error")
		return err
	}
	l.SQLDeleted = true
	l.Status = StatusCompleted
	l.CompletedAt = &at
	s.metrics.ScrubStep("purge", "ok")
	return nil
}

func (s *Saga) fail(ctx context.Context, l *Log, step string, cause error) error {
	retries, err := s.store.RecordFailure(ctx, l.ScrubID, cause.Error())
	if err != nil {
		s.logger.Error("scrub failure could not be recorded",
			zap.String("scrub_id", l.ScrubID),
			zap.Error(err),
		)
	}
	fields := []zap.Field{
		zap.Int64("user_id", l.UserID),
		zap.String("scrub_id", l.ScrubID),
		zap.String("step", step),
		zap.Int("retry_count", retries),
		zap.Error(cause),
	}
	if retries >= MaxAttempts {
		s.logger.Error("scrub saga flagged FAILED, needs operator attention", fields...)
	} else {
		s.logger.Error("scrub step failed", fields...)
	}
	return fmt.Errorf("%w: %s: %w", ErrSagaStep, step, cause)
}

// Status reports the saga with scrubID.
func (s *Saga) Status(ctx context.Context, scrubID string) (*StatusReport, error) {
	l, err := s.store.LogByScrubID(ctx, scrubID)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return reportFor(l), nil
}
