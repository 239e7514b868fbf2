package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// Reporter calls a report function on the service.report schedule. A zero
// schedule disables it.
type Reporter struct {
	scheduler gocron.Scheduler
}

func NewReporter(ctx context.Context, cfg model.Report, reportFunc func(context.Context)) (*Reporter, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.report.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Every.Duration > 0:
		job = gocron.DurationJob(cfg.Every.Duration)
		slog.DebugContext(ctx, "successfully parsed", "every", cfg.Every.String())
	default:
		slog.DebugContext(ctx, "progress report is disabled")
		return &Reporter{}, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { reportFunc(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return &Reporter{scheduler: s}, nil
}

func (r *Reporter) Start() {
	if r.scheduler != nil {
		r.scheduler.Start()
	}
}

func (r *Reporter) Shutdown() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}
