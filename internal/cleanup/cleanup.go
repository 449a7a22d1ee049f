// Package cleanup tracks transient files and directories produced by
// pipeline stages and removes them on request, retrying paths that another
// process still holds open.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/aristath/stagerun/internal/events"
)

const (
	DefaultAttempts = 10
	DefaultInterval = time.Second
)

// RemoveFunc deletes one path, recursively for directories.
type RemoveFunc func(path string) error

// Option configures a Service at construction time.
type Option func(*Service)

// WithRetry sets how many times an in-use path is tried and the pause between tries.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(s *Service) {
		s.attempts = attempts
		s.interval = interval
	}
}

// WithRemover replaces the function used to delete a path.
func WithRemover(fn RemoveFunc) Option {
	return func(s *Service) {
		s.remove = fn
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithPublisher attaches the progress channel.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.bus = p
	}
}

// Service holds the deletion set. It is safe for concurrent use.
type Service struct {
	attempts int
	interval time.Duration
	remove   RemoveFunc
	log      logrus.FieldLogger
	bus      events.Publisher

	mu    sync.Mutex
	paths map[string]struct{}
}

// New creates an empty deletion set.
func New(opts ...Option) *Service {
	s := &Service{
		attempts: DefaultAttempts,
		interval: DefaultInterval,
		remove:   RemoveWhenUnlocked,
		log:      logrus.StandardLogger(),
		bus:      events.Discard,
		paths:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return s
}

// MarkForDeletion adds paths to the deletion set. Duplicates collapse.
func (s *Service) MarkForDeletion(paths ...string) {
	if len(paths) == 0 {
		return
	}

	s.mu.Lock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		s.paths[p] = struct{}{}
	}
	size := len(s.paths)
	s.mu.Unlock()

	s.log.Debugf("Deletion set updated: %d paths", size)
}

// Pending returns the deletion set, sorted.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Service) sortedLocked() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Drain tries to delete every path in the set that exists on disk. Paths
// attempted here leave the set whatever the outcome; paths marked while
// Drain runs are kept for the next call.
func (s *Service) Drain(ctx context.Context) *Report {
	s.mu.Lock()
	batch := s.sortedLocked()
	s.mu.Unlock()

	report := &Report{}
	for _, p := range batch {
		s.drainOne(ctx, p, report)
	}

	s.mu.Lock()
	for _, p := range batch {
		delete(s.paths, p)
	}
	s.mu.Unlock()

	if n := len(report.Deleted); n > 0 || report.Failed() > 0 {
		s.log.Infof("Cleanup finished: %d deleted, %d failed", n, report.Failed())
	}
	return report
}

func (s *Service) drainOne(ctx context.Context, path string, report *Report) {
	logger := s.log.WithField("path", path)

	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			report.Missing = append(report.Missing, path)
			return
		}
		s.fail(logger, report, path, 0, err)
		return
	}

	logger.Debug("Deleting temp file/dir")

	attempts := 0
	op := func() error {
		attempts++
		err := s.remove(path)
		if err == nil {
			return nil
		}
		if IsInUse(err) {
			logger.Warnf("Attempt #%d to delete path failed, it is being used by another process", attempts)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.interval), uint64(s.attempts-1)),
		ctx,
	)

	if err := backoff.Retry(op, policy); err != nil {
		if IsInUse(err) {
			err = fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}
		s.fail(logger, report, path, attempts, err)
		return
	}

	report.Deleted = append(report.Deleted, path)
	s.bus.Publish(events.PathDeletedEvent{
		Path:      path,
		Attempts:  attempts,
		Timestamp: time.Now(),
	})
}

func (s *Service) fail(logger logrus.FieldLogger, report *Report, path string, attempts int, err error) {
	logger.WithError(err).Warn("Error while deleting temporary path, abandoning it")
	report.add(path, err)
	s.bus.Publish(events.PathDeleteFailedEvent{
		Path:      path,
		Attempts:  attempts,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// Report describes the outcome of one Drain.
type Report struct {
	Deleted []string
	Missing []string // marked, but not on disk
	failed  []string
	errs    *multierror.Error
}

func (r *Report) add(path string, err error) {
	r.failed = append(r.failed, path)
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s: %w", path, err))
}

// Failed returns the number of abandoned paths.
func (r *Report) Failed() int {
	if r == nil {
		return 0
	}
	return len(r.failed)
}

// FailedPaths returns the abandoned paths.
func (r *Report) FailedPaths() []string {
	if r == nil {
		return nil
	}
	return r.failed
}

// Err combines every deletion failure, or returns nil.
func (r *Report) Err() error {
	if r == nil {
		return nil
	}
	return r.errs.ErrorOrNil()
}
