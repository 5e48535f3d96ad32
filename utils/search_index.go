package utils

import (
	"context"
	"time"

	"github.com/brickshelf/brickshelf/models"
)

const searchUpdatesChannel = "search:moc-updates"

// RedisSearchIndexer mirrors finalized MOCs into a redis hash consumed by the
// search service. Upserts are best effort: failures are logged and never
// surfaced to the caller.
type RedisSearchIndexer struct{}

// Upsert writes the MOC's searchable fields and notifies subscribers.
func (RedisSearchIndexer) Upsert(moc *models.Moc) {
	rc := GetRedis()
	if rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "search:moc:" + moc.ID
	fields := map[string]interface{}{
		"title":             moc.Title,
		"theme":             moc.Theme,
		"tags":              moc.Tags,
		"status":            moc.Status,
		"total_piece_count": moc.TotalPieceCount,
		"thumbnail_url":     moc.ThumbnailURL,
	}
	pipe := rc.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Publish(ctx, searchUpdatesChannel, moc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		if Sugar != nil {
			Sugar.Warnf("search index upsert failed moc=%s err=%v", moc.ID, err)
		}
	}
}
