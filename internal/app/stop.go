package app

import (
	"context"
	"fmt"
	"time"

	logx "statusmon/pkg/logx"
)

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("waiters", time.Second, func(context.Context) error {
		if n := a.mon.ReleaseAll(); n > 0 {
			a.log.Info("released blocked readers", logx.Int("count", n))
		}
		return nil
	})
	step("checkpoints", 2*time.Second, a.stopCheckpoints)
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	// Peer links, the log sink flush and the reload loops.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		a.logs.SetMonitorSink(nil)
		return err
	})
	step("save", checkpointTimeout, a.checkpoint)
	step("pubsub", 2*time.Second, func(context.Context) error { a.broker.Stop(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.backend != nil {
			return a.backend.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
