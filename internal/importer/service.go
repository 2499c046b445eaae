package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
)

// ErrJobAlreadyRunning is the per-token concurrency guard: a token may
// not be applied twice while the first apply is still in flight.
var ErrJobAlreadyRunning = errors.New("an import for this upload is already running")

// ErrKindMismatch is returned when a token is applied through the wrong
// endpoint, e.g. a PDF archive through the spreadsheet apply.
var ErrKindMismatch = errors.New("upload kind does not match this import")

// Catalog is the slice of persistent storage the engine writes to.
// Each upsert is independently atomic; the engine never opens a
// transaction spanning a whole job, so a mid-job failure leaves prior
// commits intact.
type Catalog interface {
	UpsertOrder(ctx context.Context, orderID, trackingNo string) error
	UpsertLabelFile(ctx context.Context, f store.LabelFile) error
}

// Rebuilder is invoked once per completed job to publish a fresh
// mapping snapshot from the committed state.
type Rebuilder interface {
	Rebuild(ctx context.Context) (int64, error)
}

// Config holds the engine's tunables.
type Config struct {
	PdfDir        string
	ZipDir        string
	MaxConcurrent int
	MaxWait       time.Duration
	JobTimeout    time.Duration
}

// Service runs import jobs. Each job is an independent goroutine; row
// processing within one job is sequential so error reporting stays in
// file order and progress stays monotonic.
type Service struct {
	catalog   Catalog
	uploads   *upload.Store
	snapshots Rebuilder
	limiter   *JobLimiter

	pdfDir     string
	zipDir     string
	jobTimeout time.Duration

	mu      sync.Mutex
	byToken map[string]*Job
	byID    map[string]*Job
}

// NewService creates the import service.
func NewService(catalog Catalog, uploads *upload.Store, snapshots Rebuilder, cfg Config) *Service {
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Service{
		catalog:    catalog,
		uploads:    uploads,
		snapshots:  snapshots,
		limiter:    NewJobLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		pdfDir:     cfg.PdfDir,
		zipDir:     cfg.ZipDir,
		jobTimeout: timeout,
		byToken:    make(map[string]*Job),
		byID:       make(map[string]*Job),
	}
}

// Job returns a job by id.
func (s *Service) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	return j, ok
}

// ActiveJobs returns how many jobs are currently running.
func (s *Service) ActiveJobs() int { return s.limiter.ActiveCount() }

// WaitForJobs blocks until running jobs finish or ctx is cancelled.
func (s *Service) WaitForJobs(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// StartSpreadsheet begins applying a staged spreadsheet upload. The
// selected columns may be header names or zero-based indexes. Returns
// the queued job; subscribe to it for progress.
func (s *Service) StartSpreadsheet(ctx context.Context, token, orderCol, trackingCol string) (*Job, error) {
	u, err := s.uploads.Get(token)
	if err != nil {
		return nil, err
	}
	if u.Kind != upload.KindSpreadsheet {
		return nil, ErrKindMismatch
	}

	job, err := s.register(ctx, token, u.Kind)
	if err != nil {
		return nil, err
	}

	s.spawn(job, func(jobCtx context.Context) {
		s.runSpreadsheet(jobCtx, job, u, orderCol, trackingCol)
	})
	return job, nil
}

// StartPDFArchive begins applying a staged ZIP of label PDFs.
func (s *Service) StartPDFArchive(ctx context.Context, token string) (*Job, error) {
	u, err := s.uploads.Get(token)
	if err != nil {
		return nil, err
	}
	if u.Kind != upload.KindPDFArchive {
		return nil, ErrKindMismatch
	}

	job, err := s.register(ctx, token, u.Kind)
	if err != nil {
		return nil, err
	}

	s.spawn(job, func(jobCtx context.Context) {
		s.runArchive(jobCtx, job, u)
	})
	return job, nil
}

// register enforces the at-most-one-job-per-token invariant, then takes
// a limiter slot. The token is reserved before waiting on the limiter so
// a concurrent second apply fails fast with ErrJobAlreadyRunning instead
// of queueing behind the first.
func (s *Service) register(ctx context.Context, token string, kind upload.Kind) (*Job, error) {
	job := &Job{
		ID:    uuid.NewString(),
		Kind:  kind,
		Token: token,
		phase: PhaseQueued,
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if existing, ok := s.byToken[token]; ok && !existing.Phase().Terminal() {
		s.mu.Unlock()
		return nil, ErrJobAlreadyRunning
	}
	s.byToken[token] = job
	s.byID[job.ID] = job
	s.mu.Unlock()

	if err := s.limiter.Acquire(ctx); err != nil {
		s.mu.Lock()
		if s.byToken[token] == job {
			delete(s.byToken, token)
		}
		delete(s.byID, job.ID)
		s.mu.Unlock()
		return nil, err
	}

	job.mu.Lock()
	job.startedAt = time.Now()
	job.mu.Unlock()
	return job, nil
}

// spawn runs the job body in its own goroutine with panic recovery so a
// crashing import still releases its limiter slot and terminates the
// progress stream. Jobs are deliberately not tied to the request
// context: a disconnecting subscriber must not cancel committed work.
func (s *Service) spawn(job *Job, run func(ctx context.Context)) {
	jobCtx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)

	go func() {
		defer cancel()
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in import job",
					"job_id", job.ID,
					"kind", job.Kind,
					"panic", r,
				)
				job.fail(fmt.Sprintf("internal error: %v", r))
			}
		}()
		run(jobCtx)
	}()
}

// rebuildSnapshot publishes a fresh snapshot after a job committed rows.
// A rebuild failure is logged but does not fail the job: the rows are
// already durable and the next rebuild will pick them up.
func (s *Service) rebuildSnapshot(ctx context.Context, job *Job) {
	version, err := s.snapshots.Rebuild(ctx)
	if err != nil {
		slog.Error("snapshot rebuild after import failed",
			"job_id", job.ID,
			"error", err,
		)
		return
	}
	slog.Info("snapshot rebuilt after import",
		"job_id", job.ID,
		"version", version,
	)
}
