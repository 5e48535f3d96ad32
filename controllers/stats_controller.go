package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/brickshelf/brickshelf/models"
	"github.com/brickshelf/brickshelf/utils"
)

// StatsController serves aggregate read endpoints over published MOCs.
type StatsController struct {
	db *gorm.DB
}

// NewStatsController creates a StatsController backed by gorm.
func NewStatsController(db *gorm.DB) *StatsController {
	return &StatsController{db: db}
}

type themeCount struct {
	Theme string `json:"theme"`
	Count int64  `json:"count"`
}

// ThemeStats handles GET /stats/themes: published MOC counts grouped by theme.
func (s *StatsController) ThemeStats(ctx *gin.Context) {
	cacheKey := statsCachePrefix + "themes"
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json; charset=utf-8", b)
		return
	}

	var rows []themeCount
	err := s.db.Model(&models.Moc{}).
		Select("theme, COUNT(*) AS count").
		Where("status = ? AND theme <> ''", models.MocStatusPublished).
		Group("theme").
		Order("count DESC").
		Scan(&rows).Error
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load theme stats")
		return
	}

	payload := gin.H{"data": gin.H{"themes": rows}}
	utils.CacheSetJSON(cacheKey, payload, 10*time.Minute)
	ctx.JSON(http.StatusOK, payload)
}

type monthCount struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// PublishStats handles GET /stats/publishes: published MOCs per month over the
// last twelve months.
func (s *StatsController) PublishStats(ctx *gin.Context) {
	cacheKey := statsCachePrefix + "publishes"
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json; charset=utf-8", b)
		return
	}

	since := time.Now().AddDate(-1, 0, 0)
	var rows []monthCount
	err := s.db.Model(&models.Moc{}).
		Select("DATE_FORMAT(published_at, '%Y-%m') AS month, COUNT(*) AS count").
		Where("status = ? AND published_at >= ?", models.MocStatusPublished, since).
		Group("month").
		Order("month ASC").
		Scan(&rows).Error
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load publish stats")
		return
	}

	payload := gin.H{"data": gin.H{"months": rows}}
	utils.CacheSetJSON(cacheKey, payload, 10*time.Minute)
	ctx.JSON(http.StatusOK, payload)
}
