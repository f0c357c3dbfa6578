// Package scheduler runs background upkeep for the reconciliation engine.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/clock"
	obslogger "github.com/smallbiznis/clinicpay/internal/observability/logger"
	reconciliationdomain "github.com/smallbiznis/clinicpay/internal/reconciliation/domain"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Reconciliation reconciliationdomain.Service
	Config         Config `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	reconciliation reconciliationdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Reconciliation == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		reconciliation: p.Reconciliation,
	}, nil
}

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	skippedCount   int
	errorCount     int
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	run := &jobRun{
		job:       name,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	log.Debug("job started")

	err := fn(ctx, run)

	fields := []zap.Field{
		zap.Int("processed", run.processedCount),
		zap.Int("skipped", run.skippedCount),
		zap.Int("errors", run.errorCount),
		zap.Duration("duration", s.clock.Now().Sub(run.startedAt)),
	}
	if err == nil {
		log.Info("job finished", fields...)
		return nil
	}

	// A deadline only means the job ran out of time; the rest is picked up next tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", append(fields, zap.Duration("timeout", s.cfg.JobTimeout))...)
		return nil
	}
	log.Error("job failed", append(fields, zap.Error(err))...)
	return err
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{jobAutoMatchRetry, s.AutoMatchRetryJob},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// AutoMatchRetryJob re-runs the matcher over every batch that still has
// PENDING lines, so payments recorded after the statement arrived get
// matched without an operator asking for it.
func (s *Scheduler) AutoMatchRetryJob(ctx context.Context, run *jobRun) error {
	var jobErr error
	token := ""

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		page, err := s.reconciliation.ListBatches(ctx, reconciliationdomain.ListBatchesRequest{
			Pagination: pagination.Pagination{PageToken: token, PageSize: s.cfg.BatchSize},
			Status:     reconciliationdomain.BatchStatusProcessing,
		})
		if err != nil {
			return errors.Join(jobErr, err)
		}

		for _, batch := range page.Batches {
			_, err := s.reconciliation.RerunAutoMatch(ctx, batch.ID)
			switch {
			case err == nil:
				run.processedCount++
			case errors.Is(err, reconciliationdomain.ErrBatchBusy):
				run.skippedCount++
			default:
				run.errorCount++
				jobErr = errors.Join(jobErr, err)
			}
		}

		if !page.HasMore || page.NextPageToken == "" {
			return jobErr
		}
		token = page.NextPageToken
	}
}
