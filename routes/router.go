package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/brickshelf/brickshelf/config"
	"github.com/brickshelf/brickshelf/controllers"
	"github.com/brickshelf/brickshelf/middleware"
	"github.com/brickshelf/brickshelf/utils"
)

// SetupRouter builds the Gin engine with middleware and all API routes.
func SetupRouter(db *gorm.DB) *gin.Engine {
	cfg := config.Get()
	gin.SetMode(cfg.GinMode)

	r := gin.New()

	ginLogger, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel,
		cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err != nil {
		ginLogger = utils.Logger
	}
	r.Use(utils.Ginzap(ginLogger, time.RFC3339, true))
	r.Use(utils.RecoveryWithZap(ginLogger, true))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mocs := controllers.NewMocController(db)
	stats := controllers.NewStatsController(db)
	finalize := controllers.NewFinalizeController(db)

	v1 := r.Group("/api/v1")

	public := v1.Group("")
	public.Use(middleware.AuthOptional())
	{
		public.GET("/mocs", mocs.ListMocs)
		public.GET("/mocs/:mocId", mocs.GetMoc)
		public.GET("/stats/themes", stats.ThemeStats)
		public.GET("/stats/publishes", stats.PublishStats)
	}

	protected := v1.Group("")
	protected.Use(middleware.AuthRequired(), middleware.RateLimitMiddleware())
	{
		protected.POST("/mocs", mocs.CreateMoc)
		protected.PATCH("/mocs/:mocId", mocs.UpdateMoc)
		protected.DELETE("/mocs/:mocId", mocs.DeleteMoc)
		protected.POST("/mocs/:mocId/finalize", finalize.Finalize)
		protected.POST("/mocs/:mocId/images", mocs.LinkImage)
		protected.DELETE("/mocs/:mocId/images/:fileId", mocs.UnlinkImage)
	}

	return r
}
