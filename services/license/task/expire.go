// Package task runs the background expiry sweep. A scheduler loop enqueues
// the sweep on a fixed interval and an asynq worker executes it, so a
// multi-instance deployment still runs each sweep once.
package task

import (
	"context"
	"time"

	"shopkey-licensing/pkg/config"
	pkgtask "shopkey-licensing/pkg/task"
	"shopkey-licensing/services/license"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	TypeExpirySweep = "license:expiry:sweep"

	defaultSweepInterval = time.Hour
)

var Module = fx.Module("license.task",
	fx.Provide(NewSweeper),
	fx.Invoke(
		registerHandler,
		StartScheduler,
	),
)

type Sweeper struct {
	service  *license.Service
	enqueuer pkgtask.Enqueuer
	interval time.Duration
}

type SweeperParams struct {
	fx.In
	Service  *license.Service
	Enqueuer pkgtask.Enqueuer
	Config   *config.Config
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := defaultSweepInterval
	if p.Config != nil && p.Config.License.ExpirySweepInterval > 0 {
		interval = p.Config.License.ExpirySweepInterval
	}

	return &Sweeper{
		service:  p.Service,
		enqueuer: p.Enqueuer,
		interval: interval,
	}
}

func registerHandler(mux *asynq.ServeMux, s *Sweeper) {
	mux.HandleFunc(TypeExpirySweep, s.HandleExpirySweep)
}

// HandleExpirySweep is the asynq worker entry point.
func (s *Sweeper) HandleExpirySweep(ctx context.Context, t *asynq.Task) error {
	start := time.Now()

	expired, err := s.service.ExpireOverdueLicenses(ctx)
	if err != nil {
		zap.L().Error("[Sweeper] expiry sweep failed", zap.Error(err))
		return err
	}

	zap.L().Info("[Sweeper] expiry sweep finished",
		zap.Int("expired", expired),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Enqueue submits one sweep task. TaskID dedupes concurrent schedulers on
// the same interval tick.
func (s *Sweeper) Enqueue(ctx context.Context) error {
	task := asynq.NewTask(TypeExpirySweep, nil)

	_, err := s.enqueuer.Enqueue(ctx, task,
		asynq.Queue("low"),
		asynq.TaskID(TypeExpirySweep),
		asynq.Retention(s.interval),
	)
	return err
}

func StartScheduler(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(ctx)
			return nil
		},
	})
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("[Sweeper] started license expiry scheduler",
		zap.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Enqueue(ctx); err != nil {
				zap.L().Error("[Sweeper] failed to enqueue expiry sweep", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Sweeper] stopped")
			return
		}
	}
}
