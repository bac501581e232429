package main

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"homepedia/server/config"
	"homepedia/server/internal/api"
	"homepedia/server/internal/database"
)

func main() {
	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.JSONFormatter{})
	bootstrap.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		bootstrap.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrap.WithError(err).Fatal("Failed to load configuration")
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		bootstrap.WithError(err).Fatal("Failed to configure logger")
	}

	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	logger.Info("Running database migrations...")
	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, db, logger)

	logger.Infof("Starting server on port %s", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		logger.WithError(err).Fatal("Server failed to start")
	}
}
