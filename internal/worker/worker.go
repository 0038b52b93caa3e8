// Package worker implements the background extraction execution loop.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/grabtune/grabtune/internal/extract"
	"github.com/grabtune/grabtune/internal/jobstore"
	"github.com/grabtune/grabtune/internal/telemetry"
)

// Admission releases reserved capacity when a job finishes.
type Admission interface {
	Release()
}

// Orchestrator runs one extraction.
type Orchestrator interface {
	Run(ctx context.Context, url string, profile extract.QualityProfile) extract.Outcome
}

// Worker consumes queue items and drives jobs through the store. Each
// dequeued job is owned by this worker until it reaches a terminal state.
type Worker struct {
	queue        extract.Queue
	store        *jobstore.Store
	orchestrator Orchestrator
	admission    Admission
	logger       *zap.Logger
}

// New constructs a Worker.
func New(
	queue extract.Queue,
	store *jobstore.Store,
	orchestrator Orchestrator,
	admission Admission,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        queue,
		store:        store,
		orchestrator: orchestrator,
		admission:    admission,
		logger:       logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item extract.QueueItem) {
	defer w.admission.Release()

	// Cancelled (or already swept) jobs are skipped, not run.
	if !w.store.MarkProcessing(item.JobID) {
		w.logger.Info("skipping job no longer queued", zap.String("job_id", item.JobID))
		return
	}

	telemetry.IncActiveExtractions()
	defer telemetry.DecActiveExtractions()

	w.logger.Info("extraction started",
		zap.String("job_id", item.JobID),
		zap.String("url", item.URL),
		zap.String("profile", item.Profile.Name),
	)
	w.store.SetProgress(item.JobID, 10, "extracting audio")

	outcome := w.orchestrator.Run(ctx, item.URL, item.Profile)
	if !outcome.OK() {
		w.store.Fail(item.JobID, outcome.Kind, outcome.Raw)
		w.logger.Warn("extraction failed",
			zap.String("job_id", item.JobID),
			zap.String("kind", string(outcome.Kind)),
		)
		return
	}

	w.store.Complete(item.JobID, outcome.FilePath, outcome.Title)
	w.logger.Info("extraction completed",
		zap.String("job_id", item.JobID),
		zap.String("file", outcome.FilePath),
	)
}
