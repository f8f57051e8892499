package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("panic was not recorded")
	}
	snap := s.Snapshot()
	if len(snap.Loops) != 1 || snap.Loops[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait err = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	for _, l := range s.Snapshot().Loops {
		if l.Name == "flaky" && l.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", l.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("doomed", func(context.Context) error { return errors.New("down") },
		WithRestartBackoff(time.Millisecond, time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)
	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor not cancelled after restarts were exhausted")
	}
	if s.Err() == nil {
		t.Fatal("final error not recorded")
	}
}

func TestStopWaitsForLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
	if !exited.Load() {
		t.Fatal("Stop returned before the loop exited")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestStatusUsesSingleSegmentNames(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	done := make(chan struct{})
	s.Go0("monitor.logsink", func(context.Context) { close(done) })
	<-done
	_ = s.Stop(context.Background())

	st := s.Status()
	loops, ok := st["loops"].(map[string]any)
	if !ok {
		t.Fatalf("status = %v", st)
	}
	if _, ok := loops["monitor_logsink"]; !ok {
		t.Fatalf("loops = %v", loops)
	}
}
