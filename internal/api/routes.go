package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes registers the API routes and the CORS middleware on router.
func SetupRoutes(router *gin.Engine, db *gorm.DB, logger *logrus.Logger) {
	handler := NewHandler(db, logger)

	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	api := router.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/prix/communes", handler.GetCommunePrices)
		api.GET("/prix/departements", handler.GetDepartementPrices)
	}
}
