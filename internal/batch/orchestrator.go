package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/logger"
	"github.com/mtholden/libcat/internal/metrics"
	"github.com/mtholden/libcat/internal/models"
)

// Store is the record listing surface the orchestrator needs.
type Store interface {
	ListByStatus(ctx context.Context, status models.SearchStatus) ([]*models.Book, error)
}

// Enhancer runs a single-record enrichment pass.
type Enhancer interface {
	Enhance(ctx context.Context, id string) (*enrich.Result, error)
}

// Summary holds the final aggregate counts of one batch run. The counts
// always add up: TotalProcessed = Enhanced + NotFound + Errors.
type Summary struct {
	TotalProcessed int `json:"total_processed"`
	Enhanced       int `json:"enhanced_count"`
	NotFound       int `json:"not_found_count"`
	Errors         int `json:"error_count"`
}

// Job is one orchestration run over a snapshot of record ids. It is
// ephemeral: counters live only for the duration of the run.
type Job struct {
	ids       []string
	attempted atomic.Int64
}

// Size returns the number of records in the working set snapshot.
func (j *Job) Size() int {
	return len(j.ids)
}

// Attempted returns the number of records dispatched so far. It is
// monotonically increasing and safe to read while the run is in flight.
func (j *Job) Attempted() int {
	return int(j.attempted.Load())
}

// Orchestrator fans enrichment out over a bounded worker pool. The pool
// is kept smaller than the provider quota so the shared limiter inside
// the lookup client is the binding constraint.
type Orchestrator struct {
	store    Store
	enhancer Enhancer
	workers  int
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewOrchestrator creates a batch orchestrator with the given
// concurrency degree.
func NewOrchestrator(store Store, enhancer Enhancer, workers int, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	if workers <= 0 {
		workers = 5
	}
	return &Orchestrator{
		store:    store,
		enhancer: enhancer,
		workers:  workers,
		metrics:  m,
		logger:   log,
	}
}

// Snapshot computes the working set for a run. With explicit ids the
// set is taken verbatim; otherwise it is every record currently
// pending. Records that become pending afterwards are not picked up.
func (o *Orchestrator) Snapshot(ctx context.Context, ids []string) (*Job, error) {
	if len(ids) > 0 {
		return &Job{ids: append([]string(nil), ids...)}, nil
	}

	books, err := o.store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot pending records: %w", err)
	}
	snapshot := make([]string, 0, len(books))
	for _, b := range books {
		snapshot = append(snapshot, b.ID)
	}
	return &Job{ids: snapshot}, nil
}

// Run processes the job's working set. Every record is attempted at
// most once; per-record failures are counted and never abort the batch.
// On cancellation no new records are dispatched, in-flight calls finish,
// and the summary reflects only completed work.
func (o *Orchestrator) Run(ctx context.Context, job *Job) *Summary {
	o.logger.Info("Starting batch enhancement", map[string]interface{}{
		"working_set": job.Size(),
		"workers":     o.workers,
	})

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)

	work := make(chan string)

	// Cancellation gates dispatch only. A record already handed to a
	// worker runs to completion, so its call must not inherit the batch
	// context's cancel signal.
	callCtx := context.WithoutCancel(ctx)

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				job.attempted.Add(1)
				result, err := o.enhancer.Enhance(callCtx, id)

				mu.Lock()
				switch {
				case err != nil:
					summary.Errors++
					o.metrics.IncBatchRecord("error")
					o.logger.Warn("Record enhancement failed", map[string]interface{}{
						"book_id": id,
						"error":   err.Error(),
					})
				case result.Status == models.StatusFound:
					summary.Enhanced++
					o.metrics.IncBatchRecord("enhanced")
				default:
					summary.NotFound++
					o.metrics.IncBatchRecord("not_found")
				}
				summary.TotalProcessed++
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, id := range job.ids {
		select {
		case <-ctx.Done():
			o.logger.Warn("Batch dispatch canceled", map[string]interface{}{
				"dispatched": job.Attempted(),
				"remaining":  job.Size() - job.Attempted(),
			})
			break dispatch
		case work <- id:
		}
	}
	close(work)
	wg.Wait()

	o.logger.Info("Batch enhancement complete", map[string]interface{}{
		"total_processed": summary.TotalProcessed,
		"enhanced":        summary.Enhanced,
		"not_found":       summary.NotFound,
		"errors":          summary.Errors,
	})
	return &summary
}

// RunIDs is a convenience wrapper: snapshot then run.
func (o *Orchestrator) RunIDs(ctx context.Context, ids []string) (*Summary, error) {
	job, err := o.Snapshot(ctx, ids)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, job), nil
}
