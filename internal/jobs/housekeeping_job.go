package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/example/trip-dispatch/internal/observability"
)

const DefaultSchedule = "@every 1m"

type LedgerPruner interface {
	Prune() int
}

type TripPurger interface {
	PurgeFinished() int
	ActiveSessions() int
}

// Report is what one housekeeping pass did.
type Report struct {
	DemandPruned int
	TripsPurged  int
	MoversFree   int
	OpenSessions int
}

// HousekeepingJob trims the demand ledger, forgets finished trips past
// their retention and refreshes the directory and session gauges.
type HousekeepingJob struct {
	ledger   LedgerPruner
	trips    TripPurger
	movers   func() int
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewHousekeepingJob builds the job. availableMovers reports the number of
// movers that can take a trip.
func NewHousekeepingJob(ledger LedgerPruner, trips TripPurger, availableMovers func() int, schedule string, logger *slog.Logger) *HousekeepingJob {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HousekeepingJob{
		ledger:   ledger,
		trips:    trips,
		movers:   availableMovers,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "housekeeping_job"),
	}
}

// Run performs one pass.
func (j *HousekeepingJob) Run() Report {
	var r Report
	if j.ledger != nil {
		r.DemandPruned = j.ledger.Prune()
	}
	if j.trips != nil {
		r.TripsPurged = j.trips.PurgeFinished()
		r.OpenSessions = j.trips.ActiveSessions()
		observability.ActiveSessions.Set(float64(r.OpenSessions))
	}
	if j.movers != nil {
		r.MoversFree = j.movers()
		observability.MoversAvailable.Set(float64(r.MoversFree))
	}
	observability.HousekeepingRuns.Inc()
	return r
}

// Start schedules Run.
func (j *HousekeepingJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		r := j.Run()
		j.logger.Debug("housekeeping pass", "demand_pruned", r.DemandPruned, "trips_purged", r.TripsPurged,
			"movers_available", r.MoversFree, "sessions", r.OpenSessions)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.InfoContext(context.Background(), "Housekeeping job started", "schedule", j.schedule)
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *HousekeepingJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.InfoContext(context.Background(), "Housekeeping job stopped")
}
