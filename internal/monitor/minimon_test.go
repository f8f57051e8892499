package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"statusmon/internal/value"
)

// waitForWaiters blocks until path has n registered waiters.
func waitForWaiters(t *testing.T, mm *Minimon, path string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for mm.Waiting(path) < n {
		if time.Now().After(deadline) {
			t.Fatalf("Waiting(%q) = %d, want %d", path, mm.Waiting(path), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGetNoWaitMissing(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	if _, err := mm.Get(context.Background(), "a", NoWait()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsPresentValueImmediately(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	_ = mm.Update(context.Background(), "a", value.Int(3))
	v, err := mm.Get(context.Background(), "a", Timeout(time.Millisecond))
	if err != nil || !v.Equal(value.Int(3)) {
		t.Fatalf("Get = %v, %v", v, err)
	}
}

func TestGetBlocksUntilRemoteUpdate(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	type result struct {
		v   value.Value
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := mm.Get(context.Background(), "plc.temp", Timeout(5*time.Second))
		ch <- result{v, err}
	}()
	waitForWaiters(t, mm, "plc.temp", 1)

	payload := updateRecord("plc", value.Must(map[string]any{"temp": 7.5}), time.Now())
	if err := mm.RemoteUpdate(context.Background(), payload, []string{"peer"}, nil); err != nil {
		t.Fatalf("RemoteUpdate error: %v", err)
	}
	r := <-ch
	if r.err != nil || !r.v.Equal(value.Float(7.5)) {
		t.Fatalf("Get = %v, %v", r.v, r.err)
	}
	if n := mm.Waiting("plc.temp"); n != 0 {
		t.Fatalf("residual waiters = %d", n)
	}
}

func TestGetAnyConcurrentWaiters(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := mm.GetAny(context.Background(), []string{"a", "b"}, Timeout(5*time.Second))
			if err != nil {
				errs <- err
				return
			}
			if v, ok := res["b"]; !ok || len(res) != 1 || !v.Equal(value.String("up")) {
				errs <- errors.New("unexpected GetAny result")
			}
		}()
	}
	waitForWaiters(t, mm, "b", workers)
	_ = mm.Update(context.Background(), "b", value.String("up"))
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("waiter failed: %v", err)
	}
	if mm.Waiting("a") != 0 || mm.Waiting("b") != 0 {
		t.Fatalf("residual waiters a=%d b=%d", mm.Waiting("a"), mm.Waiting("b"))
	}
}

func TestGetAnyPrefersRequestOrder(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	_ = mm.Update(context.Background(), "b", value.Int(2))
	_ = mm.Update(context.Background(), "a", value.Int(1))
	res, err := mm.GetAny(context.Background(), []string{"c", "b", "a"})
	if err != nil {
		t.Fatalf("GetAny error: %v", err)
	}
	if _, ok := res["b"]; !ok || len(res) != 1 {
		t.Fatalf("GetAny = %v, want only b", res)
	}
}

func TestTimeoutLeavesNoWaiter(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	start := time.Now()
	_, err := mm.Get(context.Background(), "never", Timeout(30*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the timeout")
	}
	if n := mm.Waiting("never"); n != 0 {
		t.Fatalf("residual waiters = %d", n)
	}
}

func TestContextDeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := mm.Get(ctx, "never"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestCancelEventBeatsTimeout(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	ev := NewEvent()
	done := make(chan error, 1)
	go func() {
		_, err := mm.Get(context.Background(), "x", Timeout(10*time.Second), CancelOn(ev))
		done <- err
	}()
	waitForWaiters(t, mm, "x", 1)
	ev.Set()
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
	if !ev.IsSet() {
		t.Fatal("event not set")
	}
	if n := mm.Waiting("x"); n != 0 {
		t.Fatalf("residual waiters = %d", n)
	}
}

func TestPresetEventCancelsImmediately(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	ev := NewEvent()
	ev.Set()
	if _, err := mm.Get(context.Background(), "x", CancelOn(ev)); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestContextCancelIsCancelled(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for mm.Waiting("x") == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if _, err := mm.Get(ctx, "x"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestReleaseAllCancelsWaiters(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	done := make(chan error, 2)
	for _, p := range []string{"a", "b"} {
		p := p
		go func() {
			_, err := mm.Get(context.Background(), p)
			done <- err
		}()
	}
	waitForWaiters(t, mm, "a", 1)
	waitForWaiters(t, mm, "b", 1)
	if n := mm.ReleaseAll(); n != 2 {
		t.Fatalf("ReleaseAll = %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	}
}

func TestGetAllCollectsEveryPath(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	_ = mm.Update(context.Background(), "a", value.Int(1))
	done := make(chan map[string]value.Value, 1)
	go func() {
		res, err := mm.GetAll(context.Background(), []string{"a", "b", "c"}, Timeout(5*time.Second))
		if err != nil {
			t.Errorf("GetAll error: %v", err)
		}
		done <- res
	}()
	waitForWaiters(t, mm, "b", 1)
	_ = mm.Update(context.Background(), "c", value.Int(3))
	waitForWaiters(t, mm, "b", 1)
	_ = mm.Update(context.Background(), "b", value.Int(2))

	res := <-done
	if len(res) != 3 || !res["b"].Equal(value.Int(2)) || !res["c"].Equal(value.Int(3)) {
		t.Fatalf("GetAll = %v", res)
	}
}

func TestGetAllTimeoutCoversWholeCall(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	start := time.Now()
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = mm.Update(context.Background(), "a", value.Int(1))
	}()
	res, err := mm.GetAll(context.Background(), []string{"a", "b"}, Timeout(60*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("GetAll took %v, deadline was not shared", elapsed)
	}
	if _, ok := res["a"]; !ok {
		t.Fatalf("partial result lost: %v", res)
	}
}

func TestMapWriteReleasesNestedAndAncestorWaiters(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	done := make(chan error, 2)
	for _, p := range []string{"plc.dome.az", "plc"} {
		p := p
		go func() {
			_, err := mm.Get(context.Background(), p, Timeout(5*time.Second))
			done <- err
		}()
	}
	waitForWaiters(t, mm, "plc.dome.az", 1)
	waitForWaiters(t, mm, "plc", 1)
	_ = mm.Update(context.Background(), "plc.dome", value.Must(map[string]any{"az": 12.0}))
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("waiter err = %v", err)
		}
	}
}

func TestRestoreReleasesWaiters(t *testing.T) {
	t.Parallel()
	mm := NewMinimon("n", nil)
	done := make(chan error, 1)
	go func() {
		_, err := mm.Get(context.Background(), "a.b", Timeout(5*time.Second))
		done <- err
	}()
	waitForWaiters(t, mm, "a.b", 1)

	mm.Store().Lock()
	_ = mm.Store().Tree().Load(value.Must(map[string]any{"a": map[string]any{"b": 1}}))
	mm.applied("", mm.Store().Tree().Snapshot())
	mm.Store().Unlock()

	if err := <-done; err != nil {
		t.Fatalf("waiter err = %v", err)
	}
}
