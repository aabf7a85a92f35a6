package startup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestHappyPathEmitsAllStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var stages []Stage
	onStage := func(m StageMsg) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, m.Stage)
	}

	var readyCalled, filesLoadedCalled bool
	c := New(
		Sensors{
			WaitForWorker: func(ctx context.Context) error { return nil },
			WaitForModel:  func(ctx context.Context) error { return nil },
			WaitForFiles:  func(ctx context.Context) error { return nil },
			WaitForStats:  func(ctx context.Context) (FileStats, error) { return FileStats{TotalFiles: 3, IndexedFiles: 3}, nil },
		},
		Actions{
			ShowWindow:        func() {},
			NotifyFilesLoaded: func(FileStats) { filesLoadedCalled = true },
			NotifyReady:       func() { readyCalled = true },
			NotifyError:       func(ErrorMsg) { t.Fatal("unexpected notifyError on happy path") },
		},
		Options{WorkerTimeout: time.Second, ModelTimeout: time.Second},
		onStage,
	)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("expected clean startup, got %v", err)
	}
	if !readyCalled || !filesLoadedCalled {
		t.Fatal("expected both notifyFilesLoaded and notifyReady to fire")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stages) == 0 || stages[0] != StageWorkerSpawn {
		t.Fatalf("expected first stage worker_spawn, got %+v", stages)
	}
	if stages[len(stages)-1] != StageReady {
		t.Fatalf("expected last stage ready, got %+v", stages)
	}
	seen := -1
	for _, s := range stages {
		r := rank(s)
		if r < seen {
			t.Fatalf("stage %s went backwards in sequence %+v", s, stages)
		}
		seen = r
	}
}

func TestWorkerTimeoutFailsStartupWithTypedError(t *testing.T) {
	var errMsg ErrorMsg
	var gotErrorStage bool

	c := New(
		Sensors{
			WaitForWorker: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
		Actions{
			ShowWindow: func() {},
			NotifyError: func(e ErrorMsg) {
				errMsg = e
			},
		},
		Options{WorkerTimeout: 20 * time.Millisecond, ModelTimeout: time.Second},
		func(m StageMsg) {
			if m.Stage == StageError {
				gotErrorStage = true
			}
		},
	)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup to fail on worker timeout")
	}
	if errMsg.Code != CodeStartupTimeout {
		t.Fatalf("expected typed timeout error, got %+v", errMsg)
	}
	if !gotErrorStage {
		t.Fatal("expected an error stage transition to be published")
	}
}

func TestModelFailureReportsModelFailedCode(t *testing.T) {
	var errMsg ErrorMsg
	c := New(
		Sensors{
			WaitForWorker: func(ctx context.Context) error { return nil },
			WaitForModel:  func(ctx context.Context) error { return errors.New("model boom") },
			WaitForFiles:  func(ctx context.Context) error { return nil },
		},
		Actions{
			ShowWindow:  func() {},
			NotifyError: func(e ErrorMsg) { errMsg = e },
		},
		Options{WorkerTimeout: time.Second, ModelTimeout: time.Second},
		func(StageMsg) {},
	)

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected startup to fail on model error")
	}
	if errMsg.Code != CodeModelDownloadFailed {
		t.Fatalf("expected model-failed code, got %+v", errMsg)
	}
}

func TestDisposeCancelsOutstandingTimers(t *testing.T) {
	started := make(chan struct{})
	c := New(
		Sensors{
			WaitForWorker: func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			},
		},
		Actions{ShowWindow: func() {}, NotifyError: func(ErrorMsg) {}},
		Options{WorkerTimeout: 10 * time.Second, ModelTimeout: time.Second},
		func(StageMsg) {},
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	<-started
	c.Dispose()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected dispose to cancel the worker wait with an error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected dispose to unblock Run promptly")
	}
}
