package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petmatch/pet-media-pipeline/internal/model"
)

func TestUpdateProgressAccumulates(t *testing.T) {
	store := newFakeJobStore()
	reg := NewRegistry(store)
	mon := NewMonitor(store)
	ctx := context.Background()

	j, _ := reg.CreateJob(ctx, model.JobKindFull, nil)
	_ = reg.SetTotalItems(ctx, j.ID, 10)

	deltas := []ProgressDelta{
		{Success: 3},
		{Success: 2, Failed: 1},
		{Failed: 1},
	}
	for _, d := range deltas {
		if err := mon.UpdateProgress(ctx, j.ID, d); err != nil {
			t.Fatalf("UpdateProgress error: %v", err)
		}
	}

	rec, err := mon.GetProgress(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetProgress error: %v", err)
	}

	if rec.SuccessCount != 5 || rec.FailedCount != 2 {
		t.Errorf("counters = %d/%d, want 5/2", rec.SuccessCount, rec.FailedCount)
	}
	if rec.ProcessedItems != rec.SuccessCount+rec.FailedCount {
		t.Errorf("processed = %d, want success+failed = %d", rec.ProcessedItems, rec.SuccessCount+rec.FailedCount)
	}
	if rec.ProgressPercent != 70 {
		t.Errorf("percent = %d, want 70", rec.ProgressPercent)
	}
}

func TestUpdateProgressZeroDeltaIsNoop(t *testing.T) {
	store := newFakeJobStore()
	reg := NewRegistry(store)
	mon := NewMonitor(store)
	ctx := context.Background()

	j, _ := reg.CreateJob(ctx, model.JobKindFull, nil)
	before, _ := reg.GetJob(ctx, j.ID)

	if err := mon.UpdateProgress(ctx, j.ID, ProgressDelta{}); err != nil {
		t.Fatalf("UpdateProgress error: %v", err)
	}

	after, _ := reg.GetJob(ctx, j.ID)
	if before.ProcessedItems != after.ProcessedItems || before.ProgressPercent != after.ProgressPercent {
		t.Error("zero delta must not change the job")
	}
}

func TestProgressPercentNeverDecreases(t *testing.T) {
	store := newFakeJobStore()
	reg := NewRegistry(store)
	mon := NewMonitor(store)
	ctx := context.Background()

	j, _ := reg.CreateJob(ctx, model.JobKindFull, nil)
	_ = reg.SetTotalItems(ctx, j.ID, 4)

	var last uint
	for i := 0; i < 4; i++ {
		if err := mon.UpdateProgress(ctx, j.ID, ProgressDelta{Success: 1}); err != nil {
			t.Fatalf("UpdateProgress error: %v", err)
		}
		rec, _ := mon.GetProgress(ctx, j.ID)
		if rec.ProgressPercent < last {
			t.Fatalf("percent decreased: %d -> %d", last, rec.ProgressPercent)
		}
		last = rec.ProgressPercent
	}
	if last != 100 {
		t.Errorf("final percent = %d, want 100", last)
	}
}

func TestEstimateRemaining(t *testing.T) {
	mon := NewMonitor(newFakeJobStore())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return base.Add(10 * time.Second) }

	j := model.Job{
		TotalItems:     10,
		ProcessedItems: 5,
		StartedAt:      base,
	}

	// 2s per item, 5 items left.
	if got := mon.EstimateRemaining(j); got != 10*time.Second {
		t.Errorf("EstimateRemaining = %s, want 10s", got)
	}
}

func TestEstimateRemainingEdgeCases(t *testing.T) {
	mon := NewMonitor(newFakeJobStore())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return base.Add(time.Minute) }

	// Nothing processed yet: no basis for an estimate.
	if got := mon.EstimateRemaining(model.Job{TotalItems: 10, StartedAt: base}); got != 0 {
		t.Errorf("EstimateRemaining(unstarted) = %s, want 0", got)
	}

	// Already done.
	if got := mon.EstimateRemaining(model.Job{TotalItems: 10, ProcessedItems: 10, StartedAt: base}); got != 0 {
		t.Errorf("EstimateRemaining(done) = %s, want 0", got)
	}

	// Completed jobs use the completion time, not the wall clock.
	done := base.Add(20 * time.Second)
	j := model.Job{
		TotalItems:     10,
		ProcessedItems: 5,
		StartedAt:      base,
		CompletedAt:    &done,
	}
	if got := mon.EstimateRemaining(j); got != 20*time.Second {
		t.Errorf("EstimateRemaining(completed) = %s, want 20s", got)
	}
}

func TestSummarize(t *testing.T) {
	store := newFakeJobStore()
	reg := NewRegistry(store)
	mon := NewMonitor(store)
	ctx := context.Background()

	running, _ := reg.CreateJob(ctx, model.JobKindFull, nil)
	_ = reg.Transition(ctx, running.ID, model.JobStatusRunning, 0, "")

	completed, _ := reg.CreateJob(ctx, model.JobKindIncremental, nil)
	_ = reg.SetTotalItems(ctx, completed.ID, 2)
	_ = mon.UpdateProgress(ctx, completed.ID, ProgressDelta{Success: 2})
	_ = reg.Transition(ctx, completed.ID, model.JobStatusRunning, 0, "")
	_ = reg.Transition(ctx, completed.ID, model.JobStatusCompleted, 100, "")

	failed, _ := reg.CreateJob(ctx, model.JobKindFull, nil)
	_ = reg.Transition(ctx, failed.ID, model.JobStatusRunning, 0, "")
	_ = reg.Transition(ctx, failed.ID, model.JobStatusFailed, 0, "selection failed")

	s, err := mon.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize error: %v", err)
	}

	if s.ActiveJobs != 1 || s.CompletedJobs != 1 || s.FailedJobs != 1 {
		t.Errorf("summary = %+v, want 1 active, 1 completed, 1 failed", s)
	}
	if s.TotalProcessed != 2 {
		t.Errorf("TotalProcessed = %d, want 2", s.TotalProcessed)
	}
	if s.LastSyncTime == nil {
		t.Error("LastSyncTime must be set once a job completed")
	}
}

// The wire field is named in milliseconds and must carry milliseconds, not
// the nanosecond count a marshaled time.Duration would produce.
func TestGetProgressReportsMilliseconds(t *testing.T) {
	store := newFakeJobStore()
	mon := NewMonitor(store)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return base.Add(10 * time.Second) }

	id := uuid.New()
	_ = store.Create(context.Background(), model.Job{
		ID:             id,
		Status:         model.JobStatusRunning,
		TotalItems:     10,
		ProcessedItems: 5,
		SuccessCount:   5,
		StartedAt:      base,
		Version:        1,
	})

	rec, err := mon.GetProgress(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProgress error: %v", err)
	}

	// 2s per item, 5 items left: 10s = 10000ms.
	if rec.EstimatedRemainingMs != 10000 {
		t.Errorf("EstimatedRemainingMs = %d, want 10000", rec.EstimatedRemainingMs)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal progress record: %v", err)
	}
	if !strings.Contains(string(data), `"estimatedRemainingMs":10000`) {
		t.Errorf("marshaled record = %s, want estimatedRemainingMs carrying 10000", data)
	}
}

func TestGetProgressUnknownJob(t *testing.T) {
	mon := NewMonitor(newFakeJobStore())
	if _, err := mon.GetProgress(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error for unknown job")
	}
}
