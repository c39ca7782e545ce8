// Package scheduler 基于 gocron 执行周期性维护任务。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/logging"
)

const (
	slowJobThreshold   = 5 * time.Second
	maintenanceTimeout = 2 * time.Minute
)

// Maintainer 表示可自行压缩的存储。
type Maintainer interface {
	RunMaintenance(ctx context.Context) error
}

// Scheduler 以 UTC 时区执行 cron 任务。
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建未启动的调度器，额外选项主要供测试使用。
func New(logger *zap.Logger, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	logger = logging.OrNop(logger)
	opts = append([]gocron.SchedulerOption{
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logging.NewGocronLogger(logger)),
	}, opts...)

	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		logger:    logger.Named("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// AddJob 按 cron 表达式调度任务，调度器停止时任务的 context 被取消。
func (s *Scheduler) AddJob(name, cronExpr string, job func(ctx context.Context)) (gocron.Job, error) {
	if name == "" {
		return nil, errors.New("empty job name")
	}
	if cronExpr == "" {
		return nil, errors.New("empty cron expression")
	}
	if job == nil {
		return nil, errors.New("nil job function")
	}

	wrapped := func() {
		start := time.Now()
		job(s.ctx)
		if elapsed := time.Since(start); elapsed > slowJobThreshold {
			s.logger.Warn("slow scheduled job execution",
				zap.String("job_name", name),
				zap.Duration("elapsed", elapsed),
			)
		}
	}

	scheduled, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(wrapped),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	fields := []zap.Field{zap.String("job_name", name), zap.String("cron", cronExpr)}
	if next, err := scheduled.NextRun(); err == nil {
		fields = append(fields, zap.Time("next_run", next))
	}
	s.logger.Info("job scheduled", fields...)
	return scheduled, nil
}

// AddMaintenance 定期压缩 store。
func (s *Scheduler) AddMaintenance(cronExpr string, store Maintainer) (gocron.Job, error) {
	return s.AddJob("store-maintenance", cronExpr, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
		defer cancel()
		if err := store.RunMaintenance(ctx); err != nil {
			s.logger.Error("store maintenance failed", zap.Error(err))
		}
	})
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Debug("scheduler started")
}

// Stop 等待正在运行的任务结束。
func (s *Scheduler) Stop() error {
	s.logger.Debug("stopping scheduler", zap.Int("active_jobs", len(s.scheduler.Jobs())))
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Run 启动调度器，ctx 结束时停止。
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	return s.Stop()
}
