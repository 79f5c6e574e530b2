// Package recurring implements the background scheduler that mints swarm
// tasks from cron-scheduled templates: one 60s tick loop evaluates every
// enabled template's cron expression in its own timezone and creates a new
// task for every instant that fired since the template's last tick.
package recurring

import (
	"log/slog"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
)

// TickInterval is how often the background loop runs.
const TickInterval = 60 * time.Second

// Service evaluates recurring templates and mints swarm tasks from them.
type Service struct {
	store  *store.Store
	swarm  *swarm.Service
	clock  clockx.Clock
	logger *slog.Logger
}

func New(st *store.Store, swarmSvc *swarm.Service, clock clockx.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, swarm: swarmSvc, clock: clock, logger: logger}
}

// Tick evaluates every enabled template as of now, minting one task per
// fired cron instant. A single template's failure (bad cron expression,
// store error) is logged and skipped; it never aborts the loop or prevents
// other templates from ticking.
func (s *Service) Tick(now time.Time) {
	templates, err := s.store.ListEnabledRecurringTemplates()
	if err != nil {
		s.logger.Error("list enabled recurring templates", "error", err)
		return
	}

	for _, tmpl := range templates {
		if err := s.tickOne(tmpl, now); err != nil {
			s.logger.Error("recurring template tick failed", "template", tmpl.ID, "error", err)
		}
	}
}

func (s *Service) tickOne(tmpl *store.RecurringTemplate, now time.Time) error {
	expr, err := ParseExpr(tmpl.CronExpr, tmpl.Timezone)
	if err != nil {
		return err
	}

	lastTick := now.Add(-TickInterval)
	if tmpl.LastTickAt != nil {
		lastTick = *tmpl.LastTickAt
	}

	fired := expr.Occurrences(lastTick, now)
	if len(fired) == 0 {
		return nil
	}

	for _, t := range fired {
		_, err := s.swarm.CreateTask(swarm.CreateTaskInput{
			ProjectID:           tmpl.ProjectID,
			Title:               tmpl.Title,
			Detail:              tmpl.Detail,
			AssigneeUserID:      tmpl.AssigneeUserID,
			Status:              tmpl.InitialStatus,
			RecurringTemplateID: tmpl.ID,
			RecurringInstanceAt: &t,
		})
		if err != nil {
			return err
		}
		if err := s.store.TouchRecurringTemplateTick(tmpl.ID, t); err != nil {
			return err
		}
	}
	return nil
}

// RunLoop runs Tick once immediately (to catch up on any instants that
// fired while the process was down) then on TickInterval until stop is
// closed. Callers should run this in its own goroutine.
func (s *Service) RunLoop(stop <-chan struct{}) {
	s.Tick(s.clock.Now())

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
