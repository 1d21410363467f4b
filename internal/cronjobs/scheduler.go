// Package cronjobs runs the daemon's periodic maintenance work — stale
// task cleanup and inbox digesting — on its own robfig/cron schedule,
// independent of the poll-cycle ticker in internal/daemon.
package cronjobs

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/logging"
)

// Config controls job cadence and thresholds. Zero-value fields fall
// back to DefaultConfig's values via NewScheduler.
type Config struct {
	// CleanupSchedule is a 6-field (with seconds) cron expression for
	// the stale-task tombstoning job.
	CleanupSchedule string
	// CleanupRetention is how long a CLOSED task survives before it's
	// eligible for tombstoning.
	CleanupRetention time.Duration

	// DigestSchedule is a 6-field cron expression for the inbox digest
	// job.
	DigestSchedule string
	// DigestMinAge is how old an unread inbox item must be before it's
	// folded into a digest notification.
	DigestMinAge time.Duration
}

// DefaultConfig matches the teacher's own reminder/cleanup cadence: a
// nightly sweep plus an hourly digest check.
func DefaultConfig() Config {
	return Config{
		CleanupSchedule:  "0 0 3 * * *",
		CleanupRetention: 7 * 24 * time.Hour,
		DigestSchedule:   "0 0 * * * *",
		DigestMinAge:     2 * time.Hour,
	}
}

// Scheduler owns a robfig/cron instance running the daemon's maintenance
// jobs against the same ElementAPI/InboxService the poll cycle uses, and
// publishes digest results onto the daemon's event subject so they reach
// whatever subscribes to it, such as connected dashboards
// (internal/realtime).
type Scheduler struct {
	cron     *cronlib.Cron
	elements elements.ElementAPI
	inbox    elements.InboxService
	events   *events.Subject
	cfg      Config

	now func() time.Time
}

// NewScheduler builds a Scheduler. Call Start to register and run its
// jobs.
func NewScheduler(elementsAPI elements.ElementAPI, inboxAPI elements.InboxService, subject *events.Subject, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = def.CleanupSchedule
	}
	if cfg.CleanupRetention == 0 {
		cfg.CleanupRetention = def.CleanupRetention
	}
	if cfg.DigestSchedule == "" {
		cfg.DigestSchedule = def.DigestSchedule
	}
	if cfg.DigestMinAge == 0 {
		cfg.DigestMinAge = def.DigestMinAge
	}
	return &Scheduler{
		cron:     cronlib.New(cronlib.WithSeconds()),
		elements: elementsAPI,
		inbox:    inboxAPI,
		events:   subject,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start registers the maintenance jobs and starts the underlying cron
// scheduler. It does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() {
		n, err := s.CleanupOldTasks(ctx)
		if err != nil {
			logging.Errorf("cronjobs: cleanup failed: %v", err)
			return
		}
		logging.Infof("cronjobs: tombstoned %d stale task(s)", n)
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.cfg.DigestSchedule, func() {
		n, err := s.DigestStaleInbox(ctx)
		if err != nil {
			logging.Errorf("cronjobs: digest failed: %v", err)
			return
		}
		if n > 0 {
			logging.Infof("cronjobs: digested %d stale inbox item(s)", n)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) emitNotification(n daemon.Notification) {
	events.Emit(context.Background(), s.events, events.TopicDaemonNotification, n)
}
