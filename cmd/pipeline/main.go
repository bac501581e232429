package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"homepedia/server/config"
	"homepedia/server/internal/database"
	"homepedia/server/internal/metrics"
	"homepedia/server/internal/pipeline"
	"homepedia/server/internal/scheduler"
)

// Usage: pipeline [stage...]
// Without arguments every stage runs. Named stages run alone, their prerequisites
// are assumed to be loaded already. PIPELINE_INTERVAL keeps the process alive and
// reruns the selection on that interval.
func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.JSONFormatter{})
	bootstrap.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		bootstrap.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrap.WithError(err).Error("Failed to load configuration")
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		bootstrap.WithError(err).Error("Failed to configure logger")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize database")
		return 1
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Error("Failed to run database migrations")
		return 1
	}

	if cfg.Pipeline.Interval > 0 {
		s := scheduler.NewScheduler(func(ctx context.Context) error {
			return runOnce(ctx, cfg, db, logger, os.Args[1:])
		}, cfg.Pipeline.Interval, logger)
		s.Start(ctx)
		<-ctx.Done()
		logger.Info("Shutting down scheduler")
		s.Stop()
		runs, skipped, failed := s.Stats()
		logger.WithFields(logrus.Fields{
			"runs":    runs,
			"skipped": skipped,
			"failed":  failed,
		}).Info("Scheduler stopped")
		return 0
	}

	if err := runOnce(ctx, cfg, db, logger, os.Args[1:]); err != nil {
		return 1
	}
	return 0
}

// runOnce builds a fresh pipeline, so every run gets its own run id, and executes it.
func runOnce(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *logrus.Logger, only []string) error {
	p, err := pipeline.New(logger, cfg.Pipeline.Parallelism, pipeline.DefaultStages(db, cfg, logger)...)
	if err != nil {
		logger.WithError(err).Error("Failed to build pipeline")
		return err
	}

	results, runErr := p.Run(ctx, only...)

	if cfg.Pipeline.PushgatewayURL != "" {
		if err := metrics.Push(context.Background(), cfg.Pipeline.PushgatewayURL, p.RunID()); err != nil {
			logger.WithError(err).Warn("Failed to push pipeline metrics")
		}
	}

	for _, res := range results {
		entry := logger.WithFields(logrus.Fields{"stage": res.Stage, "duration": res.Duration.String()})
		if res.Err != nil {
			entry.WithError(res.Err).Error("Stage summary")
		} else {
			entry.Info("Stage summary")
		}
	}

	if runErr != nil {
		logger.WithError(runErr).Error("Pipeline failed")
		return runErr
	}
	return nil
}
