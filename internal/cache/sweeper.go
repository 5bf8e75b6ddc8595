package cache

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/mileusna/crontab"
)

// Sweeper periodically evicts entries whose file disappeared.
type Sweeper struct {
	manager *Manager
	ctab    *crontab.Crontab
	logger  *log.Logger
}

// NewSweeper schedules Sweep on m using a cron schedule such as
// "*/10 * * * *".
func NewSweeper(m *Manager, schedule string, logger *log.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Sweeper{
		manager: m,
		ctab:    crontab.New(),
		logger:  logger.WithPrefix("sweeper"),
	}
	if err := s.ctab.AddJob(schedule, s.run); err != nil {
		s.ctab.Shutdown()
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.logger.Debug("Sweep scheduled", "schedule", schedule)
	return s, nil
}

func (s *Sweeper) run() {
	evicted := s.manager.Sweep()
	s.logger.Debug("Sweep finished", "evicted", evicted, "stats", s.manager.Stats())
}

// Name returns the component name.
func (s *Sweeper) Name() string {
	return "cache sweeper"
}

// Shutdown stops the schedule.
func (s *Sweeper) Shutdown(_ context.Context) error {
	s.ctab.Shutdown()
	return nil
}

// ForceStop stops the schedule.
func (s *Sweeper) ForceStop() error {
	s.ctab.Shutdown()
	return nil
}
