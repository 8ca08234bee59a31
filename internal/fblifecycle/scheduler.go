package fblifecycle

import (
	"context"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultMaintenanceInterval = 60 * time.Second

type maintenanceRunner interface {
	RunMaintenancePass(ctx context.Context, now time.Time) (*PassResult, error)
}

// Scheduler runs maintenance passes in the background so that content expires
// even when nobody is making requests.
type Scheduler struct {
	interval time.Duration
	logger   *logrus.Logger
	name     string
	runner   maintenanceRunner
	started  bool
	timeNow  func() time.Time
}

func NewScheduler(logger *logrus.Logger, runner maintenanceRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}

	return &Scheduler{
		interval: interval,
		logger:   logger,
		name:     reflect.TypeOf(Scheduler{}).Name(),
		runner:   runner,
		timeNow:  time.Now,
	}
}

// Run performs a pass immediately and then once every interval until the
// context is cancelled. A failed pass is logged and the loop carries on.
func (s *Scheduler) Run(ctx context.Context) {
	if s.started {
		panic("Run already started -- should only be run once")
	}

	s.started = true

	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Infof(s.name + ": Received shutdown signal")
			return

		case <-time.After(s.interval):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	result, err := s.runner.RunMaintenancePass(ctx, s.timeNow())
	if err != nil {
		s.logger.Errorf(s.name+": Maintenance pass failed: %v", err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"num_cascaded":      result.NumCascaded,
		"num_expired":       result.NumExpired,
		"num_orphans":       result.NumOrphansRemoved,
		"num_rooms_removed": result.NumRoomsRemoved,
	}).Infof(s.name+": Maintenance pass removed %d post(s)", result.NumExpired+result.NumCascaded)
}
