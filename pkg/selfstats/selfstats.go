package selfstats

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/exposition"
)

// Prefix is prepended to every exporter gauge.
const Prefix = "querydelta_"

// Stats is a sample of the exporter's own resource usage.
type Stats struct {
	RSS        uint64
	VMS        uint64
	CPUSeconds float64
	Threads    int32
	OpenFDs    int32
	Goroutines int
}

// Scalars returns the sample as exposition gauges.
func (s *Stats) Scalars() []exposition.Scalar {
	return []exposition.Scalar{
		{Name: "process_resident_memory_bytes", Help: "Resident memory size in bytes", Value: float64(s.RSS)},
		{Name: "process_virtual_memory_bytes", Help: "Virtual memory size in bytes", Value: float64(s.VMS)},
		{Name: "process_cpu_seconds", Help: "User and system CPU time spent in seconds", Value: s.CPUSeconds},
		{Name: "process_threads", Help: "Number of OS threads", Value: float64(s.Threads)},
		{Name: "process_open_fds", Help: "Number of open file descriptors", Value: float64(s.OpenFDs)},
		{Name: "goroutines", Help: "Number of goroutines", Value: float64(s.Goroutines)},
	}
}

// Reader samples process statistics.
type Reader interface {
	ReadStats(ctx context.Context) (*Stats, error)
}

// Compile-time interface check.
var _ Reader = (*processReader)(nil)

type processReader struct {
	proc *process.Process
}

// NewProcessReader returns a Reader for the current process.
func NewProcessReader() (Reader, error) {
	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return nil, fmt.Errorf("opening process: %w", err)
	}

	return &processReader{proc: p}, nil
}

// ReadStats samples memory, CPU time, threads and descriptors. Counters the
// platform cannot report are left at zero.
func (r *processReader) ReadStats(ctx context.Context) (*Stats, error) {
	mem, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory info: %w", err)
	}

	s := &Stats{
		RSS:        mem.RSS,
		VMS:        mem.VMS,
		Goroutines: runtime.NumGoroutine(),
	}

	if times, err := r.proc.TimesWithContext(ctx); err == nil {
		s.CPUSeconds = times.User + times.System
	}

	if n, err := r.proc.NumThreadsWithContext(ctx); err == nil {
		s.Threads = n
	}

	if n, err := r.proc.NumFDsWithContext(ctx); err == nil {
		s.OpenFDs = n
	}

	return s, nil
}

// Recorder samples the exporter after every collection pass and keeps the
// rendered gauges for the metrics endpoint.
type Recorder struct {
	log      logrus.FieldLogger
	reader   Reader
	renderer *exposition.Renderer

	mu   sync.RWMutex
	text string
}

// NewRecorder creates a Recorder backed by reader.
func NewRecorder(log logrus.FieldLogger, reader Reader) *Recorder {
	return &Recorder{
		log:      log.WithField("component", "selfstats"),
		reader:   reader,
		renderer: &exposition.Renderer{},
	}
}

// Record samples and renders the exporter's own gauges.
func (r *Recorder) Record(ctx context.Context) error {
	s, err := r.reader.ReadStats(ctx)
	if err != nil {
		return err
	}

	text, err := r.renderer.RenderScalars(Prefix, s.Scalars(), "")
	if err != nil {
		return fmt.Errorf("rendering exporter stats: %w", err)
	}

	r.mu.Lock()
	r.text = text
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"rss":        units.BytesSize(float64(s.RSS)),
		"cpu":        fmt.Sprintf("%.2fs", s.CPUSeconds),
		"goroutines": s.Goroutines,
	}).Debug("Recorded exporter stats")

	return nil
}

// Text returns the most recently rendered gauges, empty before the first
// Record.
func (r *Recorder) Text() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.text
}
