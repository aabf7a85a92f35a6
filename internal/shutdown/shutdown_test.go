package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func findStep(res Result, s Step) (StepResult, bool) {
	for _, r := range res.Steps {
		if r.Step == s {
			return r, true
		}
	}
	return StepResult{}, false
}

func TestAllStepsSucceedReportsOverallSuccess(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	res := Run(context.Background(), Hooks{
		CloseWatcher:     ok,
		DrainFileQueue:   ok,
		DrainEmbedQueue:  ok,
		DrainWriteQueue:  ok,
		ClearHealthTimer: ok,
		ClearMemoryTimer: ok,
		ShutdownPool:     ok,
		StopSidecar:      ok,
		CloseDatabase:    ok,
	}, Options{EmbedQueueTimeout: time.Second, WriteQueueTimeout: time.Second})

	if !res.Success {
		t.Fatalf("expected overall success, got %+v", res)
	}
	if len(res.Steps) != 10 {
		t.Fatalf("expected 10 recorded steps, got %d", len(res.Steps))
	}
}

// TestShutdownUnderStuckWriteQueue reproduces the spec's stuck-write-queue
// scenario: a write queue drain that never returns must time out without
// aborting the sequence, and the database must still close successfully.
func TestShutdownUnderStuckWriteQueue(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	stuck := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	var dbClosed bool
	res := Run(context.Background(), Hooks{
		CloseWatcher:     ok,
		DrainFileQueue:   ok,
		DrainEmbedQueue:  ok,
		DrainWriteQueue:  stuck,
		ClearHealthTimer: ok,
		ClearMemoryTimer: ok,
		ShutdownPool:     ok,
		StopSidecar:      ok,
		CloseDatabase: func(ctx context.Context) error {
			dbClosed = true
			return nil
		},
	}, Options{EmbedQueueTimeout: time.Second, WriteQueueTimeout: 100 * time.Millisecond})

	if res.Success {
		t.Fatal("expected overall success=false when a critical step times out")
	}

	writeStep, ok2 := findStep(res, StepDrainWriteQueue)
	if !ok2 || !writeStep.TimedOut {
		t.Fatalf("expected drain_write_queue to be recorded as timed out, got %+v", res.Steps)
	}

	dbStep, ok3 := findStep(res, StepCloseDatabase)
	if !ok3 || !dbStep.Success {
		t.Fatalf("expected close_database to succeed despite the earlier timeout, got %+v", res.Steps)
	}
	if !dbClosed {
		t.Fatal("expected the database close hook to actually run")
	}

	healthStep, _ := findStep(res, StepClearHealthTimer)
	memStep, _ := findStep(res, StepClearMemTimer)
	if !healthStep.Success || !memStep.Success {
		t.Fatalf("expected timer-clearing steps to still run after the stuck step, got health=%+v mem=%+v", healthStep, memStep)
	}
}

func TestFileQueueDrainHasNoTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}

	done := make(chan Result, 1)
	go func() {
		done <- Run(context.Background(), Hooks{
			DrainFileQueue: slow,
			CloseDatabase:  func(ctx context.Context) error { return nil },
		}, Options{})
	}()

	<-started
	select {
	case <-done:
		t.Fatal("expected file queue drain to block until released, since it has no timeout")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case res := <-done:
		step, ok := findStep(res, StepDrainFileQueue)
		if !ok || !step.Success {
			t.Fatalf("expected drain_file_queue to eventually succeed, got %+v", res.Steps)
		}
	case <-time.After(time.Second):
		t.Fatal("expected shutdown to complete after release")
	}
}

func TestNonCriticalProfilingFailureDoesNotFailOverallResult(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	res := Run(context.Background(), Hooks{
		CloseWatcher:     ok,
		DrainFileQueue:   ok,
		DrainEmbedQueue:  ok,
		DrainWriteQueue:  ok,
		ClearHealthTimer: ok,
		ClearMemoryTimer: ok,
		ShutdownPool:     ok,
		StopSidecar:      ok,
		CloseDatabase:    ok,
		ProfilingReport:  func(ctx context.Context) error { return errors.New("profiling write failed") },
	}, Options{EmbedQueueTimeout: time.Second, WriteQueueTimeout: time.Second})

	if !res.Success {
		t.Fatalf("expected a profiling-report failure to stay non-fatal, got %+v", res)
	}
	profStep, ok2 := findStep(res, StepProfilingReport)
	if !ok2 || profStep.Success {
		t.Fatalf("expected profiling_report step itself to record failure, got %+v", profStep)
	}
}

func TestNilHooksTreatedAsNoOpSuccess(t *testing.T) {
	res := Run(context.Background(), Hooks{}, Options{})
	if !res.Success {
		t.Fatalf("expected all-nil hooks to succeed trivially, got %+v", res)
	}
}
