package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"parkpulse/internal/config"
	"parkpulse/internal/models"
	"parkpulse/internal/repository"
	"parkpulse/internal/services"
	"parkpulse/pkg/database"
	"parkpulse/pkg/logging"
	"parkpulse/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logLevel := logging.InfoLevel
	if cfg.Logging.Level == "debug" {
		logLevel = logging.DebugLevel
	}

	logger := logging.NewStructuredLogger("parkpulse-scheduler", "1.0.0", logLevel)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	loc, err := time.LoadLocation(cfg.Aggregation.ReportingTimezone)
	if err != nil {
		logger.Fatal(ctx, "[SCHEDULER_ERROR] Invalid reporting timezone", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SCHEDULER_START] Starting aggregation scheduler", logging.Fields{
		"version":            "1.0.0",
		"reporting_timezone": cfg.Aggregation.ReportingTimezone,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("parkpulse_scheduler")

	// Initialize database
	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[SCHEDULER_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repositories and services
	snapshotRepo := repository.NewSnapshotRepository(db, logger, metricsCollector)
	eventRepo := repository.NewEventRepository(db, logger, metricsCollector)
	sessionRepo := repository.NewSessionRepository(db, logger, metricsCollector)
	statsRepo := repository.NewStatsRepository(db, logger, metricsCollector)
	jobRepo := repository.NewJobRepository(db, logger, metricsCollector)

	statusChanges := services.NewStatusChangeDetector(snapshotRepo, eventRepo, logger, metricsCollector, clock)
	operatingHours := services.NewOperatingHoursDetector(snapshotRepo, sessionRepo, logger, metricsCollector, clock)
	aggregation := services.NewAggregationService(
		snapshotRepo, eventRepo, sessionRepo, statsRepo, jobRepo,
		statusChanges, operatingHours,
		logger, metricsCollector, clock, cfg.Aggregation,
	)

	runner := &scheduledRunner{
		aggregation: aggregation,
		logger:      logger,
		clock:       clock,
		loc:         loc,
	}

	// All schedules fire in the reporting timezone. The daily job gets
	// two retry slots an hour apart; succeeded attempts short-circuit,
	// so the retries are cheap no-ops on good days.
	scheduler := cron.New(cron.WithLocation(loc))

	mustSchedule(scheduler, "10 0 * * *", func() { runner.runDaily(0) })
	mustSchedule(scheduler, "10 1 * * *", func() { runner.runDaily(1) })
	mustSchedule(scheduler, "10 2 * * *", func() { runner.runDaily(2) })

	// Hourly buckets for the current date, recomputed through the day.
	mustSchedule(scheduler, "15 * * * *", runner.runHourly)

	// Rollups over completed periods.
	mustSchedule(scheduler, "20 3 * * 1", func() { runner.runRollup(models.PeriodWeekly) })
	mustSchedule(scheduler, "25 3 1 * *", func() { runner.runRollup(models.PeriodMonthly) })
	mustSchedule(scheduler, "30 3 1 1 *", func() { runner.runRollup(models.PeriodYearly) })

	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Stopping scheduler...", logging.Fields{})
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Scheduler stopped", logging.Fields{})
}

func mustSchedule(scheduler *cron.Cron, spec string, fn func()) {
	if _, err := scheduler.AddFunc(spec, fn); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register schedule %q: %v\n", spec, err)
		os.Exit(1)
	}
}

// scheduledRunner wraps the aggregation service with the date
// arithmetic each schedule needs.
type scheduledRunner struct {
	aggregation *services.AggregationService
	logger      *logging.StructuredLogger
	clock       clockwork.Clock
	loc         *time.Location
}

// runDaily aggregates yesterday in the reporting timezone.
func (r *scheduledRunner) runDaily(attempt int) {
	yesterday := r.clock.Now().In(r.loc).AddDate(0, 0, -1)
	date := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	r.run(date, models.PeriodDaily, services.RunOptions{RetryAttempt: attempt})
}

// runHourly recomputes today's hourly buckets. Force is required: the
// day's job row succeeds on the first run and would otherwise
// short-circuit every later hour.
func (r *scheduledRunner) runHourly() {
	today := r.clock.Now().In(r.loc)
	date := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	r.run(date, models.PeriodHourly, services.RunOptions{Force: true})
}

// runRollup aggregates the period that just completed.
func (r *scheduledRunner) runRollup(aggregationType models.PeriodType) {
	yesterday := r.clock.Now().In(r.loc).AddDate(0, 0, -1)
	date := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)
	r.run(date, aggregationType, services.RunOptions{})
}

func (r *scheduledRunner) run(date time.Time, aggregationType models.PeriodType, opts services.RunOptions) {
	ctx := context.Background()

	result, err := r.aggregation.Run(ctx, date, aggregationType, opts)
	if err != nil {
		if errors.Is(err, services.ErrJobAlreadyRunning) {
			r.logger.Warn(ctx, "[SCHEDULE_SKIP] Job already running, leaving it alone", logging.Fields{
				"aggregation_date": date.Format("2006-01-02"),
				"aggregation_type": string(aggregationType),
			})
			return
		}
		r.logger.Error(ctx, "[SCHEDULE_ERROR] Scheduled aggregation failed", logging.Fields{
			"aggregation_date": date.Format("2006-01-02"),
			"aggregation_type": string(aggregationType),
		}, err)
		return
	}

	r.logger.Info(ctx, "[SCHEDULE_COMPLETE] Scheduled aggregation finished", logging.Fields{
		"aggregation_date": date.Format("2006-01-02"),
		"aggregation_type": string(aggregationType),
		"parks_processed":  result.ParksProcessed,
		"rides_processed":  result.RidesProcessed,
		"short_circuited":  result.ShortCircuited,
	})
}
