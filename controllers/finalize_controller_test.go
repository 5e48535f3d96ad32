package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/brickshelf/brickshelf/middleware"
	"github.com/brickshelf/brickshelf/models"
	"github.com/brickshelf/brickshelf/utils"
)

func TestMain(m *testing.M) {
	os.Setenv("JWT_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const (
	testMocID  = "aaaaaaaa-0000-0000-0000-000000000001"
	testUserID = "user-1"

	partsFileID = "11111111-1111-1111-1111-111111111111"
	pdfFileID   = "22222222-2222-2222-2222-222222222222"
	photoFileID = "33333333-3333-3333-3333-333333333333"
)

type fakeMocStore struct {
	mu       sync.Mutex
	moc      models.Moc
	acquires int
	releases int
	commits  int
}

func (s *fakeMocStore) Get(mocID string) (*models.Moc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moc.ID != mocID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := s.moc
	return &cp, nil
}

func (s *fakeMocStore) GetForUser(mocID, userID string) (*models.Moc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moc.ID != mocID || s.moc.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := s.moc
	return &cp, nil
}

func (s *fakeMocStore) TryAcquireFinalizeLock(mocID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.moc.ID != mocID || s.moc.FinalizedAt != nil {
		return false, nil
	}
	if s.moc.FinalizingAt != nil && now.Sub(*s.moc.FinalizingAt) < ttl {
		return false, nil
	}
	s.moc.FinalizingAt = &now
	s.acquires++
	return true, nil
}

func (s *fakeMocStore) ReleaseFinalizeLock(mocID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moc.FinalizingAt = nil
	s.releases++
	return nil
}

func (s *fakeMocStore) CommitFinalize(mocID, thumbnailURL string, totalPieceCount int, publish bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moc.FinalizedAt != nil {
		return nil
	}
	now := time.Now()
	s.moc.FinalizedAt = &now
	s.moc.FinalizingAt = nil
	s.moc.ThumbnailURL = thumbnailURL
	s.moc.TotalPieceCount = totalPieceCount
	if publish {
		s.moc.Status = models.MocStatusPublished
		s.moc.PublishedAt = &now
	}
	s.commits++
	return nil
}

func (s *fakeMocStore) snapshot() models.Moc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moc
}

type fakeFileStore struct {
	mu     sync.Mutex
	files  []models.MocFile
	retags map[string]string
}

func (s *fakeFileStore) ListByMoc(mocID string) ([]models.MocFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MocFile
	for _, f := range s.files {
		if f.MocID == mocID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeFileStore) ListByIDs(mocID string, ids []string) ([]models.MocFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.MocFile
	for _, f := range s.files {
		if f.MocID == mocID && wanted[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeFileStore) Retag(fileID, fileType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retags == nil {
		s.retags = map[string]string{}
	}
	s.retags[fileID] = fileType
	for i := range s.files {
		if s.files[i].ID == fileID {
			s.files[i].FileType = fileType
		}
	}
	return nil
}

type fakeBlobStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	existsErr error
	probes    int
}

func (s *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeBlobStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	upserts int
}

func (s *fakeIndexer) Upsert(moc *models.Moc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
}

type fakeLimiter struct {
	result utils.LimitResult
}

func (l fakeLimiter) Allow(userID string) (utils.LimitResult, error) {
	return l.result, nil
}

type finalizeFixture struct {
	controller *FinalizeController
	mocs       *fakeMocStore
	files      *fakeFileStore
	blobs      *fakeBlobStore
	indexer    *fakeIndexer
}

func blobURL(name string) string {
	return "http://blobs.local/mocs/" + testMocID + "/" + name
}

func blobKey(name string) string {
	return "mocs/" + testMocID + "/" + name
}

func newFinalizeFixture() *finalizeFixture {
	mocs := &fakeMocStore{moc: models.Moc{
		ID:     testMocID,
		UserID: testUserID,
		Title:  "Modular Fire Station",
		Status: models.MocStatusDraft,
	}}
	files := &fakeFileStore{files: []models.MocFile{
		{ID: partsFileID, MocID: testMocID, FileType: models.FileTypePartsList,
			FileURL: blobURL("parts.csv"), OriginalFilename: "parts.csv", MimeType: "text/csv"},
		{ID: pdfFileID, MocID: testMocID, FileType: models.FileTypeInstruction,
			FileURL: blobURL("instructions.pdf"), OriginalFilename: "instructions.pdf", MimeType: "application/pdf"},
		{ID: photoFileID, MocID: testMocID, FileType: models.FileTypeGalleryImage,
			FileURL: blobURL("photo.jpg"), OriginalFilename: "photo.jpg", MimeType: "image/jpeg"},
	}}
	blobs := &fakeBlobStore{objects: map[string][]byte{
		blobKey("parts.csv"):        []byte("Part,Quantity\n3001,4\n3002,6\n"),
		blobKey("instructions.pdf"): []byte("%PDF-1.4"),
		blobKey("photo.jpg"):        []byte("jpeg"),
	}}
	indexer := &fakeIndexer{}

	return &finalizeFixture{
		controller: &FinalizeController{
			mocs:     mocs,
			files:    files,
			blobs:    blobs,
			indexer:  indexer,
			limiter:  fakeLimiter{result: utils.LimitResult{Allowed: true}},
			leaseTTL: 10 * time.Minute,
			mode:     utils.ModeStrict,
		},
		mocs:    mocs,
		files:   files,
		blobs:   blobs,
		indexer: indexer,
	}
}

func (fx *finalizeFixture) router(userID string) *gin.Engine {
	r := gin.New()
	r.POST("/mocs/:mocId/finalize", func(ctx *gin.Context) {
		if userID != "" {
			ctx.Set(middleware.ContextUserIDKey, userID)
		}
		fx.controller.Finalize(ctx)
	})
	return r
}

func allFilesBody(t *testing.T) []byte {
	t.Helper()
	return confirmationsBody(t, map[string]bool{
		partsFileID: true,
		pdfFileID:   true,
		photoFileID: true,
	})
}

func confirmationsBody(t *testing.T, confirmations map[string]bool) []byte {
	t.Helper()
	var list []gin.H
	for id, ok := range confirmations {
		list = append(list, gin.H{"fileId": id, "success": ok})
	}
	b, err := json.Marshal(gin.H{"uploadedFiles": list})
	require.NoError(t, err)
	return b
}

type apiEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func postFinalize(t *testing.T, r *gin.Engine, body []byte) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mocs/"+testMocID+"/finalize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env apiEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func TestFinalizeSuccessPublishesDraft(t *testing.T) {
	fx := newFinalizeFixture()
	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, "MOC finalized", env.Data["message"])

	moc := fx.mocs.snapshot()
	assert.NotNil(t, moc.FinalizedAt)
	assert.Nil(t, moc.FinalizingAt)
	assert.Equal(t, models.MocStatusPublished, moc.Status)
	assert.NotNil(t, moc.PublishedAt)
	assert.Equal(t, 10, moc.TotalPieceCount)
	assert.Equal(t, blobURL("photo.jpg"), moc.ThumbnailURL)

	assert.Equal(t, models.FileTypeThumbnail, fx.files.retags[photoFileID])
	assert.Equal(t, 1, fx.mocs.commits)
	assert.Equal(t, 0, fx.mocs.releases)
	assert.Equal(t, 1, fx.indexer.upserts)
}

func TestFinalizeSuccessReportsPerFileValidation(t *testing.T) {
	fx := newFinalizeFixture()
	_, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Nil(t, env.Error)
	inner, ok := env.Data["data"].(map[string]interface{})
	require.True(t, ok)
	validation, ok := inner["fileValidation"].([]interface{})
	require.True(t, ok)
	require.Len(t, validation, 3)

	counts := map[string]float64{}
	for _, v := range validation {
		entry := v.(map[string]interface{})
		counts[entry["filename"].(string)] = entry["pieceCount"].(float64)
	}
	assert.Equal(t, float64(10), counts["parts.csv"])
	assert.Equal(t, float64(0), counts["instructions.pdf"])
	assert.Equal(t, float64(0), counts["photo.jpg"])
}

func TestFinalizeIdempotentWhenAlreadyFinalized(t *testing.T) {
	fx := newFinalizeFixture()
	done := time.Now().Add(-time.Hour)
	fx.mocs.moc.FinalizedAt = &done
	fx.mocs.moc.Status = models.MocStatusPublished

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, true, env.Data["idempotent"])
	assert.Equal(t, "MOC already finalized", env.Data["message"])

	assert.Equal(t, 0, fx.mocs.acquires)
	assert.Equal(t, 0, fx.mocs.commits)
	assert.Equal(t, 0, fx.blobs.probes)
	assert.Empty(t, fx.files.retags)
}

func TestFinalizeLiveLeaseReturnsFinalizing(t *testing.T) {
	fx := newFinalizeFixture()
	leased := time.Now().Add(-time.Minute)
	fx.mocs.moc.FinalizingAt = &leased

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, "finalizing", env.Data["status"])
	assert.Equal(t, 0, fx.mocs.acquires)
	assert.Equal(t, 0, fx.blobs.probes)
}

func TestFinalizeStaleLeaseIsReclaimed(t *testing.T) {
	fx := newFinalizeFixture()
	stale := time.Now().Add(-11 * time.Minute)
	fx.mocs.moc.FinalizingAt = &stale

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, 1, fx.mocs.acquires)
	assert.Equal(t, 1, fx.mocs.commits)
}

func TestFinalizeOtherUsersMocIsNotFound(t *testing.T) {
	fx := newFinalizeFixture()
	w, env := postFinalize(t, fx.router("someone-else"), allFilesBody(t))

	require.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeNotFound, env.Error.Code)
}

func TestFinalizeMissingAuthIsUnauthorized(t *testing.T) {
	fx := newFinalizeFixture()
	w, env := postFinalize(t, fx.router(""), allFilesBody(t))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeUnauthorized, env.Error.Code)
}

func TestFinalizeNoSuccessfulUploads(t *testing.T) {
	fx := newFinalizeFixture()
	body := confirmationsBody(t, map[string]bool{
		partsFileID: false,
		photoFileID: false,
	})
	w, env := postFinalize(t, fx.router(testUserID), body)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeNoSuccessfulUploads, env.Error.Code)
	assert.Equal(t, 0, fx.mocs.acquires)
}

func TestFinalizeMalformedBody(t *testing.T) {
	fx := newFinalizeFixture()
	w, env := postFinalize(t, fx.router(testUserID), []byte(`{"uploadedFiles":`))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeValidationError, env.Error.Code)
}

func TestFinalizeRejectsNonUUIDFileIDs(t *testing.T) {
	fx := newFinalizeFixture()
	w, env := postFinalize(t, fx.router(testUserID),
		[]byte(`{"uploadedFiles":[{"fileId":"not-a-uuid","success":true}]}`))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeValidationError, env.Error.Code)
}

func TestFinalizeUnknownFileIDs(t *testing.T) {
	fx := newFinalizeFixture()
	body := confirmationsBody(t, map[string]bool{
		"99999999-9999-9999-9999-999999999999": true,
	})
	w, env := postFinalize(t, fx.router(testUserID), body)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeBadRequest, env.Error.Code)
	assert.Equal(t, 1, fx.mocs.releases)
	assert.Nil(t, fx.mocs.snapshot().FinalizingAt)
}

func TestFinalizeMissingBlobReleasesLock(t *testing.T) {
	fx := newFinalizeFixture()
	delete(fx.blobs.objects, blobKey("photo.jpg"))

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeFileNotUploaded, env.Error.Code)
	assert.Contains(t, env.Error.Message, "photo.jpg")
	assert.Equal(t, "photo.jpg", env.Error.Details["filename"])
	assert.Equal(t, 1, fx.mocs.releases)
	assert.Equal(t, 0, fx.mocs.commits)

	// The lease must be free again: the fixed upload retries without
	// waiting out the TTL.
	fx.blobs.objects[blobKey("photo.jpg")] = []byte("jpeg")
	w2, env2 := postFinalize(t, fx.router(testUserID), allFilesBody(t))
	require.Equal(t, http.StatusOK, w2.Code)
	require.Nil(t, env2.Error)
	assert.Equal(t, 1, fx.mocs.commits)
}

func TestFinalizeProbeErrorReleasesLock(t *testing.T) {
	fx := newFinalizeFixture()
	fx.blobs.existsErr = errors.New("connection reset")

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeInternal, env.Error.Code)
	assert.Equal(t, 1, fx.mocs.releases)
	assert.Equal(t, 1, fx.blobs.probes)
}

func TestFinalizeStrictPartsFailureReleasesLock(t *testing.T) {
	fx := newFinalizeFixture()
	fx.blobs.objects[blobKey("parts.csv")] = []byte("3001,4\n3002,abc\n")

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodePartsValidationError, env.Error.Code)

	failed, ok := env.Error.Details["failedFiles"].([]interface{})
	require.True(t, ok)
	require.Len(t, failed, 1)
	entry := failed[0].(map[string]interface{})
	assert.Equal(t, "parts.csv", entry["filename"])
	messages, ok := entry["messages"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0].(string), "line 2")

	assert.Equal(t, 1, fx.mocs.releases)
	assert.Equal(t, 0, fx.mocs.commits)
	assert.Empty(t, fx.files.retags)
}

func TestFinalizeRelaxedModeSumsValidRows(t *testing.T) {
	fx := newFinalizeFixture()
	fx.controller.mode = utils.ModeRelaxed
	fx.blobs.objects[blobKey("parts.csv")] = []byte("3001,4\n3002,abc\n")

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, 4, fx.mocs.snapshot().TotalPieceCount)
}

func TestFinalizeRelaxedModeAllRowsInvalidStillFails(t *testing.T) {
	fx := newFinalizeFixture()
	fx.controller.mode = utils.ModeRelaxed
	fx.blobs.objects[blobKey("parts.csv")] = []byte("3001,abc\n3002,-1\n")

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodePartsValidationError, env.Error.Code)
}

func TestFinalizeSumsAcrossMultiplePartsLists(t *testing.T) {
	fx := newFinalizeFixture()
	extraID := "44444444-4444-4444-4444-444444444444"
	fx.files.files = append(fx.files.files, models.MocFile{
		ID: extraID, MocID: testMocID, FileType: models.FileTypePartsList,
		FileURL: blobURL("extra.xml"), OriginalFilename: "extra.xml", MimeType: "application/xml",
	})
	fx.blobs.objects[blobKey("extra.xml")] = []byte(
		`<INVENTORY><ITEM><ITEMID>3003</ITEMID><MINQTY>5</MINQTY></ITEM></INVENTORY>`)

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, 15, fx.mocs.snapshot().TotalPieceCount)
}

func TestFinalizeDailyLimitExceeded(t *testing.T) {
	fx := newFinalizeFixture()
	next := time.Now().Add(6 * time.Hour).Truncate(time.Second)
	fx.controller.limiter = fakeLimiter{result: utils.LimitResult{
		Allowed:           false,
		NextAllowedAt:     next,
		RetryAfterSeconds: int(time.Until(next).Seconds()),
	}}

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, utils.CodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["nextAllowedAt"])
	assert.Equal(t, 0, fx.mocs.acquires)
}

func TestFinalizeLimitSkippedForIdempotentReplay(t *testing.T) {
	fx := newFinalizeFixture()
	done := time.Now().Add(-time.Hour)
	fx.mocs.moc.FinalizedAt = &done
	fx.controller.limiter = fakeLimiter{result: utils.LimitResult{Allowed: false}}

	w, env := postFinalize(t, fx.router(testUserID), allFilesBody(t))

	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, env.Error)
	assert.Equal(t, true, env.Data["idempotent"])
}

func TestFinalizeConcurrentRequestsCommitOnce(t *testing.T) {
	fx := newFinalizeFixture()
	router := fx.router(testUserID)
	body := allFilesBody(t)

	const workers = 8
	codes := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/mocs/"+testMocID+"/finalize", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, fx.mocs.acquires)
	assert.Equal(t, 1, fx.mocs.commits)
	assert.NotNil(t, fx.mocs.snapshot().FinalizedAt)
}

func TestClassifyFinalize(t *testing.T) {
	now := time.Now()
	ttl := 10 * time.Minute
	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	assert.Equal(t, alreadyFinalized, classifyFinalize(&models.Moc{FinalizedAt: &now}, ttl, now))
	assert.Equal(t, alreadyFinalized, classifyFinalize(&models.Moc{FinalizedAt: &now, FinalizingAt: &recent}, ttl, now))
	assert.Equal(t, inProgressElsewhere, classifyFinalize(&models.Moc{FinalizingAt: &recent}, ttl, now))
	assert.Equal(t, mayProceed, classifyFinalize(&models.Moc{FinalizingAt: &stale}, ttl, now))
	assert.Equal(t, mayProceed, classifyFinalize(&models.Moc{}, ttl, now))
}
