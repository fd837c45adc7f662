package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/pixwatch/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
	log            *zap.Logger
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) startJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	run.log = ctxlogger.WithContext(ctx, s.log)
	return ctx, run
}

func (s *Scheduler) logJobStart(run *jobRun) {
	run.log.Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	switch {
	case run.errorCount > 0:
		run.log.Warn("scheduler.job.finish", fields...)
	case run.processedCount > 0:
		run.log.Info("scheduler.job.finish", fields...)
	default:
		run.log.Debug("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logJobError(run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Error(err),
	}
	run.log.Error(msg, append(base, fields...)...)
}
