package chat

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// SummaryCache keeps the hot per-room summary fields in redis so the
// dashboard sidebar polls without touching postgres.
type SummaryCache struct {
	rdb *redis.Client
}

func NewSummaryCache(rdb *redis.Client) *SummaryCache {
	return &SummaryCache{rdb: rdb}
}

func summaryKey(roomID string) string {
	return "room:" + roomID + ":summary"
}

func (c *SummaryCache) Update(ctx context.Context, roomID, lastMessage string, ts int64) error {
	key := summaryKey(roomID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_message", lastMessage, "last_ts", ts)
	pipe.HIncrBy(ctx, key, "unread", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *SummaryCache) Get(ctx context.Context, roomID string) (unread int64, lastMessage string, lastTS int64, err error) {
	vals, err := c.rdb.HGetAll(ctx, summaryKey(roomID)).Result()
	if err != nil {
		return 0, "", 0, err
	}
	if len(vals) == 0 {
		return 0, "", 0, redis.Nil
	}
	unread, _ = strconv.ParseInt(vals["unread"], 10, 64)
	lastTS, _ = strconv.ParseInt(vals["last_ts"], 10, 64)
	return unread, vals["last_message"], lastTS, nil
}

func (c *SummaryCache) ResetUnread(ctx context.Context, roomID string) error {
	return c.rdb.HSet(ctx, summaryKey(roomID), "unread", 0).Err()
}
