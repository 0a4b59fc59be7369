package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialdex/extract-cli/internal/fetcher"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/resilience"
)

func makeFakeJobs(n int) []paperJob {
	jobs := make([]paperJob, n)
	for i := range jobs {
		jobs[i] = paperJob{
			PMCID:    fmt.Sprintf("PMC%07d", i+1),
			NCTID:    fmt.Sprintf("NCT%08d", i+1),
			DrugName: fmt.Sprintf("drug-%d", i),
		}
	}
	return jobs
}

func completeResult() *model.ExtractionResult {
	return &model.ExtractionResult{
		Status:      model.RunStatusComplete,
		Extractions: []model.ClinicalTrialExtraction{{ArmName: "arm a"}},
	}
}

func newTestDLQ(t *testing.T) (*resilience.FileDLQ, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlq.json")
	return resilience.NewFileDLQ(path), path
}

// readDLQFile reads the raw queue file. Freshly parked entries are not due
// yet, so Dequeue cannot see them.
func readDLQFile(t *testing.T, path string) []resilience.DLQEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []resilience.DLQEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func TestProcessPapers_EmptyJobs(t *testing.T) {
	err := processPapers(context.Background(), nil, 10, 2, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		t.Fatal("run should not be called for empty jobs")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestProcessPapers_AllSucceed(t *testing.T) {
	jobs := makeFakeJobs(3)
	var count atomic.Int64

	err := processPapers(context.Background(), jobs, 0, 2, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		count.Add(1)
		return completeResult(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load())
}

func TestProcessPapers_AllFail(t *testing.T) {
	jobs := makeFakeJobs(2)

	err := processPapers(context.Background(), jobs, 0, 2, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		return nil, errors.New("extraction error")
	})
	// Individual failures don't abort the batch.
	require.NoError(t, err)
}

func TestProcessPapers_AppliesLimit(t *testing.T) {
	jobs := makeFakeJobs(5)
	var count atomic.Int64

	err := processPapers(context.Background(), jobs, 3, 2, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		count.Add(1)
		return completeResult(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load(), "should only process 3 jobs due to limit")
}

func TestProcessPapers_ZeroLimit(t *testing.T) {
	// A limit of 0 means no limit.
	jobs := makeFakeJobs(4)
	var count atomic.Int64

	err := processPapers(context.Background(), jobs, 0, 5, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		count.Add(1)
		return completeResult(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count.Load())
}

func TestProcessPapers_Concurrency1(t *testing.T) {
	jobs := makeFakeJobs(3)
	var count atomic.Int64

	err := processPapers(context.Background(), jobs, 0, 1, 3, nil, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		count.Add(1)
		return completeResult(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load())
}

func TestProcessPapers_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	jobs := makeFakeJobs(2)

	err := processPapers(ctx, jobs, 0, 2, 3, nil, func(ctx context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return completeResult(), nil
	})
	// Individual failures are swallowed, so this should not return an error.
	assert.NoError(t, err)
}

func TestProcessPapers_FailureParksInDLQ(t *testing.T) {
	jobs := makeFakeJobs(2)
	dlq, path := newTestDLQ(t)

	err := processPapers(context.Background(), jobs, 0, 1, 5, dlq, func(_ context.Context, job *paperJob) (*model.ExtractionResult, error) {
		job.failedStage = "extract"
		return nil, errors.New("engine timeout")
	})
	require.NoError(t, err)

	depth, err := dlq.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "expected both failed jobs parked")

	entries := readDLQFile(t, path)
	require.Len(t, entries, 2)
	sources := []string{entries[0].Source, entries[1].Source}
	assert.ElementsMatch(t, []string{"PMC0000001", "PMC0000002"}, sources)
	assert.Equal(t, "engine timeout", entries[0].Error)
	assert.Equal(t, 5, entries[0].MaxRetries)
	assert.Equal(t, "extract", entries[0].FailedStage)
	assert.True(t, entries[0].NextRetryAt.After(time.Now()), "first retry should be scheduled in the future")
}

func TestProcessPapers_RetrySuccessClearsDLQ(t *testing.T) {
	dlq, _ := newTestDLQ(t)
	require.NoError(t, dlq.Enqueue(resilience.DLQEntry{
		ID:        "entry-1",
		Source:    "PMC0001234",
		DrugName:  "venetoclax",
		Error:     "engine timeout",
		ErrorType: "transient",
	}))

	jobs := []paperJob{{PMCID: "PMC0001234", DrugName: "venetoclax", dlqID: "entry-1"}}

	err := processPapers(context.Background(), jobs, 0, 1, 3, dlq, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		return completeResult(), nil
	})
	require.NoError(t, err)

	depth, err := dlq.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "entry should be cleared after a successful retry")
}

func TestProcessPapers_RetryFailureIncrementsRetry(t *testing.T) {
	dlq, path := newTestDLQ(t)
	require.NoError(t, dlq.Enqueue(resilience.DLQEntry{
		ID:         "entry-1",
		Source:     "PMC0001234",
		DrugName:   "venetoclax",
		Error:      "engine timeout",
		ErrorType:  "transient",
		MaxRetries: 3,
	}))

	jobs := []paperJob{{PMCID: "PMC0001234", DrugName: "venetoclax", dlqID: "entry-1", dlqRetryCount: 0}}

	err := processPapers(context.Background(), jobs, 0, 1, 3, dlq, func(_ context.Context, _ *paperJob) (*model.ExtractionResult, error) {
		return nil, errors.New("still failing")
	})
	require.NoError(t, err)

	due, err := dlq.Dequeue(resilience.DLQFilter{})
	require.NoError(t, err)
	require.Empty(t, due, "entry should not be due until its next retry time")

	entries := readDLQFile(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "still failing", entries[0].Error)
}

func TestWorklistJobs_Mapping(t *testing.T) {
	entries := []fetcher.WorklistEntry{
		{
			PMCID:      "PMC7654321",
			PMID:       "33577987",
			NCTID:      "NCT02550652",
			DrugName:   "obinutuzumab",
			TrialName:  "NOBILITY",
			Indication: "lupus nephritis",
		},
	}

	jobs := worklistJobs(entries)
	require.Len(t, jobs, 1)
	assert.Equal(t, "PMC7654321", jobs[0].PMCID)
	assert.Equal(t, "33577987", jobs[0].PMID)
	assert.Equal(t, "NCT02550652", jobs[0].NCTID)
	assert.Equal(t, "obinutuzumab", jobs[0].DrugName)
	assert.Equal(t, "NOBILITY", jobs[0].TrialName)
	assert.Equal(t, "lupus nephritis", jobs[0].Indication)
	assert.Empty(t, jobs[0].dlqID)
}

func TestDlqJobs_Mapping(t *testing.T) {
	entries := []resilience.DLQEntry{
		{ID: "e1", Source: "PMC7654321", NCTID: "NCT02550652", DrugName: "obinutuzumab", RetryCount: 2},
		{ID: "e2", Source: "33577987", DrugName: "venetoclax"},
	}

	jobs := dlqJobs(entries)
	require.Len(t, jobs, 2)

	assert.Equal(t, "PMC7654321", jobs[0].PMCID)
	assert.Empty(t, jobs[0].PMID)
	assert.Equal(t, "e1", jobs[0].dlqID)
	assert.Equal(t, 2, jobs[0].dlqRetryCount)

	// A bare number is a PMID, not a PMCID.
	assert.Empty(t, jobs[1].PMCID)
	assert.Equal(t, "33577987", jobs[1].PMID)
	assert.Equal(t, "e2", jobs[1].dlqID)
}

func TestPaperJobLabel(t *testing.T) {
	assert.Equal(t, "PMC123", (&paperJob{PMCID: "PMC123", PMID: "456"}).label())
	assert.Equal(t, "PMID:456", (&paperJob{PMID: "456"}).label())
	assert.Equal(t, "NCT00000001", (&paperJob{NCTID: "NCT00000001"}).label())
}

func TestDlqNextRetry_Spacing(t *testing.T) {
	now := time.Now()

	first := dlqNextRetry(0)
	assert.InDelta(t, 15*time.Minute, first.Sub(now), float64(time.Minute))

	second := dlqNextRetry(1)
	assert.InDelta(t, 30*time.Minute, second.Sub(now), float64(time.Minute))

	// Large retry counts are capped at 6 hours.
	capped := dlqNextRetry(50)
	assert.InDelta(t, 6*time.Hour, capped.Sub(now), float64(time.Minute))
}

func TestWorkbookName(t *testing.T) {
	tests := []struct {
		name   string
		result model.ExtractionResult
		want   string
	}{
		{
			name:   "nct and drug",
			result: model.ExtractionResult{NCTID: "NCT02550652", DrugName: "obinutuzumab"},
			want:   "NCT02550652_obinutuzumab.xlsx",
		},
		{
			name:   "spaces and slashes sanitized",
			result: model.ExtractionResult{NCTID: "NCT00000001", DrugName: "ca/pla bination"},
			want:   "NCT00000001_ca_pla_bination.xlsx",
		},
		{
			name:   "no nct",
			result: model.ExtractionResult{DrugName: "venetoclax"},
			want:   "trial_venetoclax.xlsx",
		},
		{
			name:   "empty result",
			result: model.ExtractionResult{},
			want:   "trial.xlsx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, workbookName(&tt.result))
		})
	}
}
