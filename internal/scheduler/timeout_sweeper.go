// Package scheduler runs the periodic timeout sweep over overdue tasks.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// TimeoutEngine is the part of the approval engine the sweeper drives.
type TimeoutEngine interface {
	ListOverdueTasks(ctx context.Context, limit int) ([]*repository.ApprovalTask, error)
	HandleTimeout(ctx context.Context, taskID int64) (repository.TimeoutAction, error)
}

// TimeoutSweeper applies node timeout actions to overdue tasks on a cron
// schedule. Overlapping runs are skipped.
type TimeoutSweeper struct {
	engine TimeoutEngine
	spec   string
	batch  int
	log    *logger.Logger
	cron   *cron.Cron
}

// NewTimeoutSweeper creates a sweeper. spec accepts an optional seconds field
// and descriptors such as "@every 1m".
func NewTimeoutSweeper(engine TimeoutEngine, spec string, batch int, log *logger.Logger) *TimeoutSweeper {
	return &TimeoutSweeper{
		engine: engine,
		spec:   spec,
		batch:  batch,
		log:    log.Component("timeout-sweeper"),
	}
}

// Start schedules the sweep. Runs use ctx until Stop is called.
func (s *TimeoutSweeper) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.DowOptional | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("Timeout sweep failed")
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("spec", s.spec).Int("batch", s.batch).Msg("Timeout sweeper started")
	return nil
}

// Stop stops scheduling and returns a context done when the running sweep
// has finished.
func (s *TimeoutSweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Sweep handles one batch of overdue tasks and returns how many were
// handled. Tasks that were completed or whose instance ended since listing
// are skipped quietly; other per-task failures are logged.
func (s *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.engine.ListOverdueTasks(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		action, err := s.engine.HandleTimeout(ctx, t.ID)
		if err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				s.log.Debug().Err(err).Int64("task_id", t.ID).Msg("Overdue task no longer actionable")
				continue
			}
			s.log.Warn().Err(err).Int64("task_id", t.ID).Msg("Failed to handle task timeout")
			continue
		}
		handled++
		s.log.Info().
			Int64("task_id", t.ID).
			Int64("instance_id", t.InstanceID).
			Str("action", string(action)).
			Msg("Task timeout handled")
	}
	return handled, nil
}
