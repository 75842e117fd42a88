package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/querydelta/pkg/collector"
)

// defaultConcurrency is the number of datasets sampled in parallel when no
// explicit concurrency value is configured.
const defaultConcurrency = 4

// Cycler runs one sampling cycle for a dataset.
type Cycler interface {
	Dataset() string
	ProcessCycle(ctx context.Context) (*collector.Result, error)
}

// Recorder is invoked after every pass, e.g. to publish exporter stats.
type Recorder interface {
	Record(ctx context.Context) error
}

// DatasetStatus is the outcome of the most recent cycle of a dataset.
type DatasetStatus struct {
	Dataset  string           `json:"dataset"`
	Snapshot string           `json:"snapshot,omitempty"`
	Status   collector.Status `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
	RanAt    time.Time        `json:"ran_at"`
	Duration time.Duration    `json:"duration_ns"`
	Cycles   int64            `json:"cycles"`
	Failures int64            `json:"failures"`
}

// Scheduler periodically runs a cycle for every dataset.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// RunOnce runs one pass over all datasets and blocks until it is done.
	RunOnce(ctx context.Context) []DatasetStatus

	// Status returns the latest outcome per dataset, sorted by name.
	// Datasets that have not run yet are omitted.
	Status() []DatasetStatus
}

// Options configures a Scheduler.
type Options struct {
	Interval      time.Duration
	Concurrency   int
	AlignToMinute bool
	Recorder      Recorder
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log     logrus.FieldLogger
	cyclers []Cycler
	opts    Options
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// passMu serializes passes so a dataset never runs two cycles at once.
	passMu sync.Mutex

	mu     sync.RWMutex
	status map[string]*DatasetStatus
}

// NewScheduler creates a scheduler over the given datasets.
func NewScheduler(log logrus.FieldLogger, cyclers []Cycler, opts Options) Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}

	return &scheduler{
		log:     log.WithField("component", "scheduler"),
		cyclers: cyclers,
		opts:    opts,
		now:     time.Now,
		done:    make(chan struct{}),
		status:  make(map[string]*DatasetStatus, len(cyclers)),
	}
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval. With AlignToMinute the ticker is
// started on the next interval boundary.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval":    s.opts.Interval.String(),
		"concurrency": s.opts.Concurrency,
		"datasets":    len(s.cyclers),
	}).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.RunOnce(ctx)

		if s.opts.AlignToMinute {
			wait := s.untilBoundary()

			s.log.WithField("wait", wait.Round(time.Millisecond).String()).
				Debug("Aligning to interval boundary")

			select {
			case <-time.After(wait):
				s.RunOnce(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scheduler goroutine to stop and waits for the current
// pass to finish.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

// untilBoundary returns the time left until the next multiple of the
// interval, never zero.
func (s *scheduler) untilBoundary() time.Duration {
	now := s.now()
	next := now.Truncate(s.opts.Interval).Add(s.opts.Interval)

	return next.Sub(now)
}

func (s *scheduler) RunOnce(ctx context.Context) []DatasetStatus {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := s.now()
	results := make([]DatasetStatus, len(s.cyclers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i, c := range s.cyclers {
		i, c := i, c

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				results[i] = DatasetStatus{Dataset: c.Dataset(), Error: gCtx.Err().Error()}

				return nil
			case <-s.done:
				results[i] = DatasetStatus{Dataset: c.Dataset(), Error: "scheduler stopped"}

				return nil
			default:
			}

			results[i] = s.runCycle(gCtx, c)

			return nil
		})
	}

	_ = g.Wait()

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Record(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to record exporter stats")
		}
	}

	failed := 0

	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}

	s.log.WithFields(logrus.Fields{
		"datasets": len(results),
		"failed":   failed,
		"duration": s.now().Sub(start).Round(time.Millisecond),
	}).Info("Collection pass completed")

	return results
}

// runCycle runs one dataset and records the outcome. Errors are logged and
// never stop the pass.
func (s *scheduler) runCycle(ctx context.Context, c Cycler) DatasetStatus {
	start := s.now()
	log := s.log.WithField("dataset", c.Dataset())

	res, err := c.ProcessCycle(ctx)

	st := DatasetStatus{
		Dataset:  c.Dataset(),
		RanAt:    start,
		Duration: s.now().Sub(start),
	}

	if err != nil {
		log.WithError(err).Warn("Cycle failed")

		st.Error = err.Error()
	} else {
		st.Snapshot = res.Snapshot
		st.Status = res.Status
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.status[st.Dataset]
	if ok {
		st.Cycles = prev.Cycles
		st.Failures = prev.Failures
	}

	st.Cycles++

	if err != nil {
		st.Failures++
	}

	s.status[st.Dataset] = &st

	return st
}

func (s *scheduler) Status() []DatasetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DatasetStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Dataset < out[j].Dataset
	})

	return out
}
