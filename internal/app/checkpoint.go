package app

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"statusmon/internal/config"
	"statusmon/internal/eventbus"
	logx "statusmon/pkg/logx"
)

const checkpointTimeout = 30 * time.Second

var checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusmon_checkpoints_total",
	Help: "Tree snapshots written to storage by result",
}, []string{"result"})

// startCheckpoints schedules periodic saves from storage.checkpoint. Without
// a schedule the tree is only saved on shutdown.
func (a *App) startCheckpoints(cfg *config.Config) error {
	if a.backend == nil || cfg.Storage == nil || cfg.Storage.Checkpoint == "" {
		return nil
	}
	sched, err := config.ParseCheckpoint(cfg.Storage.Checkpoint)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithLocation(time.Local),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { _ = a.checkpoint(a.sup.Context()) }))
	c.Start()
	a.cron = c
	a.log.Info("checkpoints scheduled",
		logx.String("spec", cfg.Storage.Checkpoint),
		logx.Time("next", sched.Next(time.Now())),
	)
	return nil
}

func (a *App) stopCheckpoints(ctx context.Context) error {
	if a.cron == nil {
		return nil
	}
	select {
	case <-a.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkpoint saves the tree once and reports the outcome on the bus.
func (a *App) checkpoint(ctx context.Context) error {
	if a.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()

	start := time.Now()
	err := a.mon.Save(ctx)
	if err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		a.bus.Publish(eventbus.Event{Type: eventbus.CheckpointFailed, Name: a.name, Err: err})
		return err
	}
	checkpointsTotal.WithLabelValues("ok").Inc()
	a.bus.Publish(eventbus.Event{Type: eventbus.CheckpointWritten, Name: a.name})
	a.log.Debug("checkpoint written", logx.Duration("took", time.Since(start)), logx.Local())
	return nil
}
