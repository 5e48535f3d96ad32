package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/brickshelf/brickshelf/config"
	"github.com/brickshelf/brickshelf/models"
	"github.com/brickshelf/brickshelf/utils"
)

// MocFinalizeStore is the MOC-row collaborator used by the finalize protocol.
// The lock operations map onto a single conditional update in the backing
// store; that atomicity is the only cross-request coordination primitive.
type MocFinalizeStore interface {
	Get(mocID string) (*models.Moc, error)
	GetForUser(mocID, userID string) (*models.Moc, error)
	TryAcquireFinalizeLock(mocID string, ttl time.Duration) (bool, error)
	ReleaseFinalizeLock(mocID string) error
	CommitFinalize(mocID, thumbnailURL string, totalPieceCount int, publish bool) error
}

// FileRecordStore supplies file existence/ownership facts for a MOC.
type FileRecordStore interface {
	ListByMoc(mocID string) ([]models.MocFile, error)
	ListByIDs(mocID string, ids []string) ([]models.MocFile, error)
	Retag(fileID, fileType string) error
}

// BlobStore confirms and reads objects the client claims to have uploaded.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// SearchIndexer receives best-effort upserts after a successful finalize.
type SearchIndexer interface {
	Upsert(moc *models.Moc)
}

// FinalizeLimiter caps finalize executions per user per day.
type FinalizeLimiter interface {
	Allow(userID string) (utils.LimitResult, error)
}

// FinalizeController runs the finalization protocol: idempotency gate, lease
// acquisition, blob verification, parts-list validation, and the single commit.
type FinalizeController struct {
	mocs     MocFinalizeStore
	files    FileRecordStore
	blobs    BlobStore
	indexer  SearchIndexer
	limiter  FinalizeLimiter
	leaseTTL time.Duration
	mode     utils.ValidationMode
}

// NewFinalizeController wires the controller with its production collaborators.
func NewFinalizeController(db *gorm.DB) *FinalizeController {
	cfg := config.Get()
	return &FinalizeController{
		mocs:     models.NewMocStore(db),
		files:    models.NewFileStore(db),
		blobs:    utils.NewObjectStore(),
		indexer:  utils.RedisSearchIndexer{},
		limiter:  utils.DailyFinalizeLimiter{Limit: cfg.FinalizeDailyLimit},
		leaseTTL: time.Duration(cfg.FinalizeLockTTLMinutes) * time.Minute,
		mode:     utils.ParseValidationMode(cfg.PartsValidationMode),
	}
}

type uploadConfirmation struct {
	FileID  string `json:"fileId" binding:"required,uuid"`
	Success bool   `json:"success"`
}

type finalizeRequest struct {
	UploadedFiles []uploadConfirmation `json:"uploadedFiles" binding:"required,min=1,dive"`
}

type finalizeState int

const (
	mayProceed finalizeState = iota
	alreadyFinalized
	inProgressElsewhere
)

// classifyFinalize is the idempotency gate: it decides from a loaded row
// whether this request may run the protocol or has nothing left to do.
func classifyFinalize(moc *models.Moc, ttl time.Duration, now time.Time) finalizeState {
	if moc.FinalizedAt != nil {
		return alreadyFinalized
	}
	if moc.FinalizingAt != nil && now.Sub(*moc.FinalizingAt) < ttl {
		return inProgressElsewhere
	}
	return mayProceed
}

// Finalize handles POST /mocs/:mocId/finalize. The MOC transitions from
// uploading to finalized exactly once no matter how often the client retries.
func (f *FinalizeController) Finalize(ctx *gin.Context) {
	userID, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, utils.CodeUnauthorized, "unauthorized")
		return
	}

	mocID := ctx.Param("mocId")
	if mocID == "" {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeBadRequest, "missing moc id")
		return
	}

	var req finalizeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusUnprocessableEntity, utils.CodeValidationError, "invalid request data")
		return
	}
	successful := make([]string, 0, len(req.UploadedFiles))
	for _, confirmation := range req.UploadedFiles {
		if confirmation.Success {
			successful = append(successful, confirmation.FileID)
		}
	}
	if len(successful) == 0 {
		utils.Error(ctx, http.StatusBadRequest, utils.CodeNoSuccessfulUploads, "no files were successfully uploaded")
		return
	}

	// Wrong id and wrong owner are indistinguishable to the caller.
	moc, err := f.mocs.GetForUser(mocID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.Error(ctx, http.StatusNotFound, utils.CodeNotFound, "MOC not found")
			return
		}
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
		return
	}

	if f.respondIdempotent(ctx, moc) {
		return
	}

	limit, err := f.limiter.Allow(userID)
	if err == nil && !limit.Allowed {
		utils.ErrorWithDetails(ctx, http.StatusTooManyRequests, utils.CodeRateLimited,
			"daily finalize limit exceeded, please try again tomorrow",
			gin.H{
				"nextAllowedAt":     limit.NextAllowedAt.Format(time.RFC3339),
				"retryAfterSeconds": limit.RetryAfterSeconds,
			})
		return
	}

	acquired, err := f.mocs.TryAcquireFinalizeLock(mocID, f.leaseTTL)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to start finalization")
		return
	}
	if !acquired {
		// A concurrent winner may have just finished or just started. Judge
		// from a fresh read instead of blocking on the lease.
		fresh, err := f.mocs.Get(mocID)
		if err != nil {
			utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load MOC")
			return
		}
		if f.respondIdempotent(ctx, fresh) {
			return
		}
		// The winner released between our CAS and the re-read; tell the
		// client to retry rather than racing again inside this request.
		f.respondFinalizing(ctx, fresh)
		return
	}

	f.runFinalize(ctx, moc, successful)
}

// respondIdempotent writes the no-op response for a MOC that is already
// finalized or currently leased elsewhere. Returns true when it responded.
func (f *FinalizeController) respondIdempotent(ctx *gin.Context, moc *models.Moc) bool {
	switch classifyFinalize(moc, f.leaseTTL, time.Now()) {
	case alreadyFinalized:
		if files, err := f.files.ListByMoc(moc.ID); err == nil {
			moc.Files = files
		}
		utils.Success(ctx, gin.H{
			"idempotent": true,
			"message":    "MOC already finalized",
			"data":       gin.H{"moc": moc, "images": imageFiles(moc.Files)},
		})
		return true
	case inProgressElsewhere:
		f.respondFinalizing(ctx, moc)
		return true
	}
	return false
}

func (f *FinalizeController) respondFinalizing(ctx *gin.Context, moc *models.Moc) {
	utils.Success(ctx, gin.H{
		"idempotent": true,
		"status":     "finalizing",
		"message":    "finalization already in progress, retry shortly",
		"data":       gin.H{"moc": moc},
	})
}

// runFinalize executes the side-effect phase. The lease is held on entry and
// must be released on every failure exit so a retry does not wait out the TTL.
func (f *FinalizeController) runFinalize(ctx *gin.Context, moc *models.Moc, successfulIDs []string) {
	mocID := moc.ID
	reqCtx := ctx.Request.Context()

	declared, err := f.files.ListByIDs(mocID, successfulIDs)
	if err != nil {
		f.releaseLock(mocID)
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load file records")
		return
	}
	if len(declared) == 0 {
		f.releaseLock(mocID)
		utils.Error(ctx, http.StatusBadRequest, utils.CodeBadRequest, "confirmed files do not belong to this MOC")
		return
	}

	// Verify each declared upload actually landed in blob storage; the first
	// missing object aborts verification.
	for _, file := range declared {
		key, err := utils.StorageKeyFromURL(file.FileURL)
		if err != nil {
			f.releaseLock(mocID)
			utils.ErrorWithDetails(ctx, http.StatusBadRequest, utils.CodeFileNotUploaded,
				fmt.Sprintf("file %s was not uploaded successfully, please try again", file.OriginalFilename),
				gin.H{"fileId": file.ID, "filename": file.OriginalFilename})
			return
		}
		exists, err := f.blobs.Exists(reqCtx, key)
		if err != nil {
			f.releaseLock(mocID)
			logWarnf("blob probe failed moc=%s key=%s err=%v", mocID, key, err)
			utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to verify uploaded files")
			return
		}
		if !exists {
			f.releaseLock(mocID)
			utils.ErrorWithDetails(ctx, http.StatusBadRequest, utils.CodeFileNotUploaded,
				fmt.Sprintf("file %s was not uploaded successfully, please try again", file.OriginalFilename),
				gin.H{"fileId": file.ID, "filename": file.OriginalFilename})
			return
		}
	}

	// Validate every parts list attached to the MOC, not only the declared
	// ones; other file types pass through untouched.
	allFiles, err := f.files.ListByMoc(mocID)
	if err != nil {
		f.releaseLock(mocID)
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load file records")
		return
	}

	results := make([]utils.PartsResult, 0, len(allFiles))
	var failedFiles []gin.H
	totalPieces := 0
	for _, file := range allFiles {
		if file.FileType != models.FileTypePartsList {
			results = append(results, utils.PartsResult{Filename: file.OriginalFilename})
			continue
		}
		res := f.validatePartsFile(reqCtx, file)
		if res.Failed {
			failedFiles = append(failedFiles, gin.H{"filename": res.Filename, "messages": res.Messages()})
		} else {
			totalPieces += res.PieceCount
		}
		results = append(results, res)
	}

	if len(failedFiles) > 0 {
		// Released here as well so a fixed parts list can be retried without
		// waiting out the lease.
		f.releaseLock(mocID)
		utils.ErrorWithDetails(ctx, http.StatusUnprocessableEntity, utils.CodePartsValidationError,
			"one or more parts list files have validation errors, fix the files and retry",
			gin.H{"failedFiles": failedFiles})
		return
	}

	// First image becomes the thumbnail.
	thumbnailURL := ""
	for _, file := range allFiles {
		if !file.IsImage() {
			continue
		}
		thumbnailURL = file.FileURL
		if file.FileType != models.FileTypeThumbnail {
			if err := f.files.Retag(file.ID, models.FileTypeThumbnail); err != nil {
				f.releaseLock(mocID)
				utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to update thumbnail")
				return
			}
		}
		break
	}

	publish := moc.Status == "" || moc.Status == models.MocStatusDraft
	if err := f.mocs.CommitFinalize(mocID, thumbnailURL, totalPieces, publish); err != nil {
		f.releaseLock(mocID)
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to finalize MOC")
		return
	}

	updated, err := f.mocs.Get(mocID)
	if err != nil {
		// Committed but unreadable; the retry path is idempotent so a 500 is safe.
		utils.Error(ctx, http.StatusInternalServerError, utils.CodeInternal, "failed to load finalized MOC")
		return
	}
	if files, err := f.files.ListByMoc(mocID); err == nil {
		updated.Files = files
	}

	f.indexer.Upsert(updated)
	utils.InvalidateByPrefix("cache:mocs:")
	utils.InvalidateByPrefix("cache:stats:")

	fileValidation := make([]gin.H, 0, len(results))
	for _, r := range results {
		fileValidation = append(fileValidation, gin.H{"filename": r.Filename, "pieceCount": r.PieceCount})
	}
	utils.Success(ctx, gin.H{
		"message": "MOC finalized",
		"data": gin.H{
			"moc":            updated,
			"images":         imageFiles(updated.Files),
			"fileValidation": fileValidation,
		},
	})
}

func (f *FinalizeController) validatePartsFile(ctx context.Context, file models.MocFile) utils.PartsResult {
	key, err := utils.StorageKeyFromURL(file.FileURL)
	if err != nil {
		return utils.PartsResult{
			Filename: file.OriginalFilename,
			Failed:   true,
			Errors:   []utils.RowError{{Message: "stored file URL is invalid"}},
		}
	}
	data, err := f.blobs.Fetch(ctx, key)
	if err != nil {
		logWarnf("parts list fetch failed moc=%s key=%s err=%v", file.MocID, key, err)
		return utils.PartsResult{
			Filename: file.OriginalFilename,
			Failed:   true,
			Errors:   []utils.RowError{{Message: "could not read parts list from storage"}},
		}
	}
	return utils.ValidatePartsList(data, file.OriginalFilename, file.MimeType, f.mode)
}

func (f *FinalizeController) releaseLock(mocID string) {
	if err := f.mocs.ReleaseFinalizeLock(mocID); err != nil {
		logWarnf("release finalize lock moc=%s err=%v", mocID, err)
	}
}

func imageFiles(files []models.MocFile) []models.MocFile {
	images := make([]models.MocFile, 0, len(files))
	for _, f := range files {
		if f.IsImage() {
			images = append(images, f)
		}
	}
	return images
}

func logWarnf(format string, args ...interface{}) {
	if utils.Sugar != nil {
		utils.Sugar.Warnf(format, args...)
	}
}
