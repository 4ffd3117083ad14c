package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtholden/libcat/internal/enrich"
	"github.com/mtholden/libcat/internal/models"
)

type fakeStore struct {
	pending []*models.Book
	err     error
}

func (s *fakeStore) ListByStatus(ctx context.Context, status models.SearchStatus) ([]*models.Book, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pending, nil
}

type fakeEnhancer struct {
	mu      sync.Mutex
	results map[string]*enrich.Result
	errs    map[string]error
	calls   []string
	block   chan struct{}
}

func (e *fakeEnhancer) Enhance(ctx context.Context, id string) (*enrich.Result, error) {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	e.calls = append(e.calls, id)
	e.mu.Unlock()

	if err, ok := e.errs[id]; ok {
		return nil, err
	}
	if result, ok := e.results[id]; ok {
		return result, nil
	}
	return &enrich.Result{Status: models.StatusNotFound, EnhancedFields: []string{}}, nil
}

func found() *enrich.Result {
	return &enrich.Result{Status: models.StatusFound, EnhancedFields: []string{"description"}}
}

func TestSnapshotExplicitIDs(t *testing.T) {
	o := NewOrchestrator(&fakeStore{}, &fakeEnhancer{}, 2, nil, nil)

	job, err := o.Snapshot(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, job.Size())
	assert.Equal(t, 0, job.Attempted())
}

func TestSnapshotAllPending(t *testing.T) {
	store := &fakeStore{pending: []*models.Book{
		models.NewBook("One", "A"),
		models.NewBook("Two", "B"),
	}}
	o := NewOrchestrator(store, &fakeEnhancer{}, 2, nil, nil)

	job, err := o.Snapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Size())
}

func TestSnapshotStoreError(t *testing.T) {
	o := NewOrchestrator(&fakeStore{err: errors.New("db down")}, &fakeEnhancer{}, 2, nil, nil)

	_, err := o.Snapshot(context.Background(), nil)
	assert.Error(t, err)
}

func TestRunCountsAlwaysAddUp(t *testing.T) {
	enhancer := &fakeEnhancer{
		results: map[string]*enrich.Result{
			"a": found(),
			"b": found(),
			"c": {Status: models.StatusNotFound, EnhancedFields: []string{}},
		},
		errs: map[string]error{
			"d": errors.New("lookup client failed"),
		},
	}
	o := NewOrchestrator(&fakeStore{}, enhancer, 3, nil, nil)

	summary, err := o.RunIDs(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.TotalProcessed)
	assert.Equal(t, 2, summary.Enhanced)
	assert.Equal(t, 2, summary.NotFound)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, summary.TotalProcessed, summary.Enhanced+summary.NotFound+summary.Errors)
	assert.Len(t, enhancer.calls, 5)
}

func TestRunSingleFailureDoesNotAbortBatch(t *testing.T) {
	enhancer := &fakeEnhancer{
		results: map[string]*enrich.Result{"a": found(), "c": found()},
		errs:    map[string]error{"b": errors.New("boom")},
	}
	o := NewOrchestrator(&fakeStore{}, enhancer, 1, nil, nil)

	summary, err := o.RunIDs(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalProcessed)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 2, summary.Enhanced)
}

func TestRunEmptyWorkingSet(t *testing.T) {
	o := NewOrchestrator(&fakeStore{}, &fakeEnhancer{}, 2, nil, nil)

	summary, err := o.RunIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalProcessed)
}

func TestRunCancellationStopsDispatch(t *testing.T) {
	enhancer := &fakeEnhancer{block: make(chan struct{})}
	o := NewOrchestrator(&fakeStore{}, enhancer, 1, nil, nil)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = models.NewBook("Book", "Author").ID
	}
	job, err := o.Snapshot(context.Background(), ids)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(enhancer.block)
	}()

	summary := o.Run(ctx, job)

	// No new records are dispatched after cancellation; the summary only
	// reflects completed work.
	assert.Less(t, summary.TotalProcessed, len(ids))
	assert.Equal(t, summary.TotalProcessed, summary.Enhanced+summary.NotFound+summary.Errors)
	assert.LessOrEqual(t, job.Attempted(), summary.TotalProcessed+1)
}

// ctxSensitiveEnhancer fails the moment its call context is canceled,
// the way a real lookup dies inside the limiter or the HTTP client.
type ctxSensitiveEnhancer struct {
	proceed chan struct{}
}

func (e *ctxSensitiveEnhancer) Enhance(ctx context.Context, id string) (*enrich.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.proceed:
		return found(), nil
	}
}

func TestRunCancellationLetsInFlightCallsFinish(t *testing.T) {
	enhancer := &ctxSensitiveEnhancer{proceed: make(chan struct{})}
	o := NewOrchestrator(&fakeStore{}, enhancer, 1, nil, nil)

	job, err := o.Snapshot(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		// The in-flight call is released only after cancellation, so it
		// can complete only if it was shielded from the cancel signal.
		time.Sleep(20 * time.Millisecond)
		close(enhancer.proceed)
	}()

	summary := o.Run(ctx, job)

	assert.Equal(t, 0, summary.Errors)
	assert.GreaterOrEqual(t, summary.Enhanced, 1)
	assert.Equal(t, summary.TotalProcessed, summary.Enhanced+summary.NotFound+summary.Errors)
	assert.Less(t, summary.TotalProcessed, job.Size())
}

func TestRunAttemptsEachRecordOnce(t *testing.T) {
	enhancer := &fakeEnhancer{}
	o := NewOrchestrator(&fakeStore{}, enhancer, 4, nil, nil)

	ids := []string{"a", "b", "c", "d", "e", "f"}
	_, err := o.RunIDs(context.Background(), ids)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, id := range enhancer.calls {
		seen[id]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "record %s", id)
	}
}
