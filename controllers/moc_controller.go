package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brickshelf/brickshelf/middleware"
	"github.com/brickshelf/brickshelf/models"
	"github.com/brickshelf/brickshelf/utils"
)

const (
	mocListCachePrefix = "cache:mocs:"
	statsCachePrefix   = "cache:stats:"
)

// MocController serves MOC CRUD and gallery endpoints.
type MocController struct {
	db *gorm.DB
}

// NewMocController creates a MocController backed by gorm.
func NewMocController(db *gorm.DB) *MocController {
	return &MocController{db: db}
}

func getUserID(ctx *gin.Context) (string, bool) {
	userID := ctx.GetString(middleware.ContextUserIDKey)
	return userID, userID != ""
}

type fileDeclaration struct {
	FileType         string `json:"fileType" binding:"required,oneof=instruction parts-list thumbnail gallery-image"`
	FileURL          string `json:"fileUrl" binding:"required,url"`
	OriginalFilename string `json:"originalFilename" binding:"required"`
	MimeType         string `json:"mimeType"`
}

type createMocRequest struct {
	Title       string            `json:"title" binding:"required,max=200"`
	Description string            `json:"description" binding:"max=10000"`
	Theme       string            `json:"theme" binding:"max=100"`
	Tags        []string          `json:"tags" binding:"max=20,dive,max=50"`
	Files       []fileDeclaration `json:"files" binding:"max=50,dive"`
}

// CreateMoc handles POST /mocs. The MOC starts in draft and stays there until
// finalization publishes it.
func (m *MocController) CreateMoc(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}

	var req createMocRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "invalid request data")
		return
	}

	title := strings.TrimSpace(utils.Sanitize(req.Title))
	if title == "" {
		utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "title must not be empty")
		return
	}

	taken, err := m.titleTaken(userID, title, "")
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to create MOC")
		return
	}
	if taken {
		utils.Error(ctx, http.StatusConflict, utils.CodeConflict, "you already have a MOC with this title")
		return
	}

	moc := models.Moc{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: utils.Sanitize(req.Description),
		Theme:       strings.TrimSpace(req.Theme),
		Tags:        normalizeTags(req.Tags),
		Status:      models.MocStatusDraft,
	}
	for _, fd := range req.Files {
		moc.Files = append(moc.Files, models.MocFile{
			ID:               uuid.NewString(),
			MocID:            moc.ID,
			FileType:         fd.FileType,
			FileURL:          fd.FileURL,
			OriginalFilename: fd.OriginalFilename,
			MimeType:         fd.MimeType,
		})
	}

	if err := m.db.Create(&moc).Error; err != nil {
		if utils.Sugar != nil {
			utils.Sugar.Errorf("create moc failed user=%s err=%v", userID, err)
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to create MOC")
		return
	}

	utils.InvalidateByPrefix(mocListCachePrefix)
	utils.InvalidateByPrefix(statsCachePrefix)
	ctx.JSON(http.StatusCreated, gin.H{"data": gin.H{"moc": moc}})
}

// ListMocs handles GET /mocs with pagination, text search and facet filters.
// Only published MOCs are visible here; drafts belong to their owner's view.
func (m *MocController) ListMocs(ctx *gin.Context) {
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(ctx.DefaultQuery("pageSize", "20"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	search := strings.TrimSpace(ctx.Query("search"))
	theme := strings.TrimSpace(ctx.Query("theme"))
	tag := strings.TrimSpace(ctx.Query("tag"))

	cacheKey := fmt.Sprintf("%slist:p%d:s%d:q%s:t%s:g%s", mocListCachePrefix, page, pageSize, search, theme, tag)
	if b, ok := utils.CacheGetBytes(cacheKey); ok {
		ctx.Data(http.StatusOK, "application/json; charset=utf-8", b)
		return
	}

	query := m.db.Model(&models.Moc{}).Where("status = ?", models.MocStatusPublished)
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("title LIKE ? OR description LIKE ?", like, like)
	}
	if theme != "" {
		query = query.Where("theme = ?", theme)
	}
	if tag != "" {
		query = query.Where("tags LIKE ?", "%"+tag+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to list MOCs")
		return
	}

	var mocs []models.Moc
	err := query.Order("published_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&mocs).Error
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to list MOCs")
		return
	}

	payload := gin.H{"data": gin.H{
		"mocs":     mocs,
		"page":     page,
		"pageSize": pageSize,
		"total":    total,
	}}
	utils.CacheSetJSON(cacheKey, payload, 5*time.Minute)
	ctx.JSON(http.StatusOK, payload)
}

// GetMoc handles GET /mocs/:mocId. Drafts are only visible to their owner.
func (m *MocController) GetMoc(ctx *gin.Context) {
	mocID := ctx.Param("mocId")
	userID, _ := getUserID(ctx)

	var moc models.Moc
	err := m.db.Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).Where("id = ?", mocID).First(&moc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
		return
	}

	isOwner := userID != "" && moc.UserID == userID
	if moc.Status != models.MocStatusPublished && !isOwner {
		utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
		return
	}

	utils.Success(ctx, gin.H{
		"moc":     moc,
		"images":  imageFiles(moc.Files),
		"isOwner": isOwner,
	})
}

type updateMocRequest struct {
	Title       *string   `json:"title" binding:"omitempty,max=200"`
	Description *string   `json:"description" binding:"omitempty,max=10000"`
	Theme       *string   `json:"theme" binding:"omitempty,max=100"`
	Tags        *[]string `json:"tags" binding:"omitempty,max=20,dive,max=50"`
	Status      *string   `json:"status" binding:"omitempty,oneof=draft published archived"`
}

// UpdateMoc handles PATCH /mocs/:mocId. Metadata only; finalization state is
// owned by the finalize protocol and never writable here.
func (m *MocController) UpdateMoc(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}
	mocID := ctx.Param("mocId")

	var req updateMocRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "invalid request data")
		return
	}

	var moc models.Moc
	err := m.db.Where("id = ? AND user_id = ?", mocID, userID).First(&moc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(utils.Sanitize(*req.Title))
		if title == "" {
			utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "title must not be empty")
			return
		}
		if title != moc.Title {
			taken, err := m.titleTaken(userID, title, mocID)
			if err != nil {
				utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to update MOC")
				return
			}
			if taken {
				utils.Error(ctx, http.StatusConflict, utils.CodeConflict, "you already have a MOC with this title")
				return
			}
		}
		updates["title"] = title
	}
	if req.Description != nil {
		updates["description"] = utils.Sanitize(*req.Description)
	}
	if req.Theme != nil {
		updates["theme"] = strings.TrimSpace(*req.Theme)
	}
	if req.Tags != nil {
		updates["tags"] = normalizeTags(*req.Tags)
	}
	if req.Status != nil {
		// Publishing by hand is only allowed once finalization has run.
		if *req.Status == models.MocStatusPublished && moc.FinalizedAt == nil {
			utils.Error(ctx, http.StatusBadRequest, utils.CodeBadRequest, "MOC must be finalized before publishing")
			return
		}
		updates["status"] = *req.Status
	}
	if len(updates) == 0 {
		utils.Success(ctx, gin.H{"moc": moc})
		return
	}
	updates["updated_at"] = time.Now()

	if err := m.db.Model(&models.Moc{}).Where("id = ?", mocID).Updates(updates).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to update MOC")
		return
	}

	if err := m.db.Where("id = ?", mocID).First(&moc).Error; err == nil {
		utils.RedisSearchIndexer{}.Upsert(&moc)
	}
	utils.InvalidateByPrefix(mocListCachePrefix)
	utils.InvalidateByPrefix(statsCachePrefix)
	utils.Success(ctx, gin.H{"moc": moc})
}

// DeleteMoc handles DELETE /mocs/:mocId as a soft delete.
func (m *MocController) DeleteMoc(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}
	mocID := ctx.Param("mocId")

	res := m.db.Where("id = ? AND user_id = ?", mocID, userID).Delete(&models.Moc{})
	if res.Error != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to delete MOC")
		return
	}
	if res.RowsAffected == 0 {
		utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
		return
	}

	utils.InvalidateByPrefix(mocListCachePrefix)
	utils.InvalidateByPrefix(statsCachePrefix)
	utils.Success(ctx, gin.H{"deleted": true})
}

type linkImageRequest struct {
	FileURL          string `json:"fileUrl" binding:"required,url"`
	OriginalFilename string `json:"originalFilename" binding:"required"`
	MimeType         string `json:"mimeType"`
}

// LinkImage handles POST /mocs/:mocId/images, attaching a gallery image record
// to an owned MOC.
func (m *MocController) LinkImage(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}
	mocID := ctx.Param("mocId")

	var req linkImageRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "invalid request data")
		return
	}

	var moc models.Moc
	err := m.db.Where("id = ? AND user_id = ?", mocID, userID).First(&moc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
		return
	}

	file := models.MocFile{
		ID:               uuid.NewString(),
		MocID:            mocID,
		FileType:         models.FileTypeGalleryImage,
		FileURL:          req.FileURL,
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
	}
	if err := m.db.Create(&file).Error; err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to link image")
		return
	}

	utils.InvalidateByPrefix(mocListCachePrefix)
	ctx.JSON(http.StatusCreated, gin.H{"data": gin.H{"file": file}})
}

// UnlinkImage handles DELETE /mocs/:mocId/images/:fileId. The thumbnail record
// cannot be removed this way; retag another image through a new finalize first.
func (m *MocController) UnlinkImage(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}
	mocID := ctx.Param("mocId")
	fileID := ctx.Param("fileId")

	var moc models.Moc
	err := m.db.Where("id = ? AND user_id = ?", mocID, userID).First(&moc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
		return
	}

	res := m.db.Where("id = ? AND moc_id = ? AND file_type = ?", fileID, mocID, models.FileTypeGalleryImage).
		Delete(&models.MocFile{})
	if res.Error != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to unlink image")
		return
	}
	if res.RowsAffected == 0 {
		utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "image not found")
		return
	}

	utils.InvalidateByPrefix(mocListCachePrefix)
	utils.Success(ctx, gin.H{"deleted": true})
}

func (m *MocController) titleTaken(userID, title, excludeID string) (bool, error) {
	query := m.db.Model(&models.Moc{}).Where("user_id = ? AND title = ?", userID, title)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func normalizeTags(tags []string) string {
	cleaned := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, ",")
}
