// Package cron emits trigger inputs for the schedule bindings in the config
// store.
package cron

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/protocol"
)

// Source runs one cron entry per schedule binding and delivers a CronTick
// for each firing.
type Source struct {
	store    *config.Store
	cron     *cron.Cron
	callback protocol.TriggerCallback
	logger   *slog.Logger
}

func NewSource(store *config.Store, logger *slog.Logger) *Source {
	return &Source{
		store:  store,
		logger: logger.With("module", "cron_source"),
	}
}

func (s *Source) Start(ctx context.Context, callback protocol.TriggerCallback) error {
	s.callback = callback

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	for _, binding := range s.store.Schedules() {
		scheduleID := binding.ID

		entryID, err := s.cron.AddFunc(binding.Cron, func() {
			s.fire(scheduleID)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron entry for schedule %s: %w", scheduleID, err)
		}

		s.logger.Info("Registered schedule", "schedule_id", scheduleID, "cron", binding.Cron, "entry_id", entryID)
	}

	s.cron.Start()

	return nil
}

func (s *Source) fire(scheduleID string) {
	s.logger.Info("Schedule fired", "schedule_id", scheduleID)

	go func() {
		if err := s.callback(context.Background(), intake.CronTick{ScheduleID: scheduleID}); err != nil {
			s.logger.Error("Error handling cron tick", "schedule_id", scheduleID, "error", err)
		}
	}()
}

func (s *Source) Stop(_ context.Context) error {
	s.logger.Info("Stopping cron source")

	if s.cron != nil {
		s.cron.Stop()
	}

	return nil
}
