// Package jobstore tracks asynchronous extraction jobs in memory.
//
// Each job is mutated by exactly one background worker for its lifetime; the
// store's mutex only protects the table itself (insert, delete, iterate) and
// snapshot reads from request-handling goroutines.
package jobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grabtune/grabtune/internal/classify"
	"github.com/grabtune/grabtune/internal/extract"
	"github.com/grabtune/grabtune/internal/telemetry"
)

// Result-fetch errors, classified for the download endpoint.
var (
	ErrNotFound = errors.New("job not found")
	ErrNotReady = errors.New("download not ready")
	ErrExpired  = errors.New("file expired")
)

// Config controls retention and sweeping.
type Config struct {
	// Retention is how long terminal jobs survive when their file was never
	// fetched.
	Retention time.Duration
	// ForcedRetention replaces Retention during a forced sweep under
	// memory/disk pressure.
	ForcedRetention time.Duration
	// FetchedGrace is how long a completed job survives after its file was
	// fetched once (download-then-expire).
	FetchedGrace time.Duration
	// SweepInterval drives the periodic sweeper.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.ForcedRetention <= 0 {
		c.ForcedRetention = 2 * time.Minute
	}
	if c.FetchedGrace <= 0 {
		c.FetchedGrace = 45 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	return c
}

// Store is the in-memory job registry.
type Store struct {
	cfg    Config
	clock  extract.Clock
	idGen  extract.IDGenerator
	logger *zap.Logger

	mu         sync.RWMutex
	jobs       map[string]*extract.Job
	sweptTotal int
}

// New constructs a Store.
func New(cfg Config, clock extract.Clock, idGen extract.IDGenerator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		idGen:  idGen,
		logger: logger,
		jobs:   make(map[string]*extract.Job),
	}
}

// Submit registers a new queued job and returns its id.
func (s *Store) Submit(url, quality string) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", err
	}
	job := &extract.Job{
		ID:        id,
		SourceURL: url,
		Quality:   quality,
		Status:    extract.JobStatusQueued,
		CreatedAt: s.clock.Now(),
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id, nil
}

// Get returns a snapshot of the job, or ErrNotFound.
func (s *Store) Get(id string) (extract.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return extract.Job{}, ErrNotFound
	}
	return *job, nil
}

// FindCompletedByURL returns an existing completed, unfetched job for the
// same source URL, letting repeat submissions reuse the artifact.
func (s *Store) FindCompletedByURL(url string) (extract.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.SourceURL == url && job.Status == extract.JobStatusCompleted && job.FetchedAt == nil {
			return *job, true
		}
	}
	return extract.Job{}, false
}

// MarkProcessing transitions a queued job to processing. It reports false
// when the job was cancelled (or deleted) before a worker picked it up.
func (s *Store) MarkProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != extract.JobStatusQueued {
		return false
	}
	now := s.clock.Now()
	job.Status = extract.JobStatusProcessing
	job.StartedAt = &now
	job.Progress = 5
	job.Message = "download started"
	return true
}

// SetProgress bumps a processing job's progress. Progress never decreases.
func (s *Store) SetProgress(id string, progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != extract.JobStatusProcessing {
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	if message != "" {
		job.Message = message
	}
}

// Complete records a successful outcome. When the job reached a terminal
// state in the meantime (cancelled, or already swept) the artifact has no
// owner left, so its scratch directory is reclaimed here instead of being
// recorded.
func (s *Store) Complete(id, filePath, title string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		s.mu.Unlock()
		s.removeArtifact(&extract.Job{ID: id, ResultPath: filePath})
		return
	}
	now := s.clock.Now()
	job.Status = extract.JobStatusCompleted
	job.Progress = 100
	job.Message = "completed"
	job.ResultPath = filePath
	job.Title = title
	job.CompletedAt = &now
	s.mu.Unlock()
	telemetry.ObserveJob(string(extract.JobStatusCompleted))
}

// Fail records a classified failure.
func (s *Store) Fail(id string, kind classify.Kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	now := s.clock.Now()
	job.Status = extract.JobStatusFailed
	job.ErrorKind = kind
	job.Message = message
	job.FailedAt = &now
	telemetry.ObserveJob(string(extract.JobStatusFailed))
}

// Cancel marks a non-terminal job cancelled. Advisory only: an in-flight
// tool invocation is not interrupted, but its result will be discarded.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	now := s.clock.Now()
	job.Status = extract.JobStatusCancelled
	job.Message = "cancelled by client"
	job.FailedAt = &now
	telemetry.ObserveJob(string(extract.JobStatusCancelled))
	return nil
}

// OpenResult returns the result file path for a completed job and records
// the fetch, starting the post-fetch expiry grace. The caller opens the
// file; a path is returned only while it still exists on disk.
func (s *Store) OpenResult(id string) (path, title string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", "", ErrNotFound
	}
	switch job.Status {
	case extract.JobStatusCompleted:
	case extract.JobStatusQueued, extract.JobStatusProcessing:
		return "", "", ErrNotReady
	default:
		return "", "", ErrNotFound
	}
	if _, statErr := os.Stat(job.ResultPath); statErr != nil {
		return "", "", ErrExpired
	}
	if job.FetchedAt == nil {
		now := s.clock.Now()
		job.FetchedAt = &now
	}
	return job.ResultPath, job.Title, nil
}

// Sweep deletes expired jobs and their backing scratch directories, and
// returns how many were removed. A forced sweep uses the much shorter
// pressure threshold.
func (s *Store) Sweep(force bool) int {
	retention := s.cfg.Retention
	if force {
		retention = s.cfg.ForcedRetention
	}
	now := s.clock.Now()

	s.mu.Lock()
	var doomed []*extract.Job
	for id, job := range s.jobs {
		if !s.expired(job, now, retention) {
			continue
		}
		doomed = append(doomed, job)
		delete(s.jobs, id)
	}
	s.sweptTotal += len(doomed)
	s.mu.Unlock()

	for _, job := range doomed {
		s.removeArtifact(job)
	}
	if len(doomed) > 0 {
		telemetry.ObserveSweepDeletions(len(doomed))
		s.logger.Info("sweep removed jobs", zap.Int("count", len(doomed)), zap.Bool("force", force))
	}
	return len(doomed)
}

func (s *Store) expired(job *extract.Job, now time.Time, retention time.Duration) bool {
	if job.FetchedAt != nil && now.Sub(*job.FetchedAt) > s.cfg.FetchedGrace {
		return true
	}
	if !job.Status.Terminal() {
		return false
	}
	end := job.CompletedAt
	if end == nil {
		end = job.FailedAt
	}
	if end == nil {
		end = &job.CreatedAt
	}
	return now.Sub(*end) > retention
}

func (s *Store) removeArtifact(job *extract.Job) {
	if job.ResultPath == "" {
		return
	}
	dir := filepath.Dir(job.ResultPath)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("scratch cleanup failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Run sweeps periodically until the context finishes.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(false)
		}
	}
}

// Count returns the number of tracked jobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// SweptTotal returns how many jobs the sweeper has removed since startup.
func (s *Store) SweptTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sweptTotal
}
