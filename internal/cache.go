package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsBackend 同時提供寫入與查詢的戰績儲存
type StatsBackend interface {
	StatsStore
	StatsReader
}

// CachedStatsStore Redis 快取 + 主儲存（通常是 PostgreSQL）
//
// 架構設計：
//
//	寫入：primary 遞增 → 刪除 Redis key（失效）
//	查詢：Redis HGETALL → 未命中 → primary → 回填 Redis（帶 TTL）
//
// 系統設計考量：
//
//  1. 為什麼寫入時刪 key 而不是 HINCRBY？
//     - 主儲存才是真相來源，快取只是讀取加速
//     - HINCRBY 在 key 不存在時會從 0 開始，產生錯誤的部分資料
//
//  2. 回填與失效的競爭：
//     - 每次失效會 INCR 版本 key（stats:version:{userId}）
//     - 回填前先 WATCH 版本 key 再讀 primary，期間若有寫入，EXEC 失敗並放棄回填
//     - 舊值因此不會在失效之後被寫回快取
//
//  3. 降級：
//     - Redis 故障時查詢直接走 primary（犧牲延遲保可用）
//     - 失效失敗只記錄警告，最壞情況是 TTL 內讀到舊資料
type CachedStatsStore struct {
	primary StatsBackend
	redis   *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStatsStore 創建帶快取的戰績儲存
func NewCachedStatsStore(primary StatsBackend, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStatsStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStatsStore{
		primary: primary,
		redis:   client,
		ttl:     ttl,
		logger:  logger,
	}
}

func statsKey(userID string) string {
	return fmt.Sprintf("stats:%s", userID)
}

func statsVersionKey(userID string) string {
	return fmt.Sprintf("stats:version:%s", userID)
}

func (c *CachedStatsStore) invalidate(ctx context.Context, userID string) {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, statsVersionKey(userID))
		pipe.Expire(ctx, statsVersionKey(userID), c.ttl)
		pipe.Del(ctx, statsKey(userID))
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to invalidate stats cache", "user_id", userID, "error", err)
	}
}

// IncrementWins 勝場 +1
func (c *CachedStatsStore) IncrementWins(ctx context.Context, userID string) error {
	if err := c.primary.IncrementWins(ctx, userID); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

// IncrementLosses 敗場 +1
func (c *CachedStatsStore) IncrementLosses(ctx context.Context, userID string) error {
	if err := c.primary.IncrementLosses(ctx, userID); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

// IncrementDraws 和局 +1
func (c *CachedStatsStore) IncrementDraws(ctx context.Context, userID string) error {
	if err := c.primary.IncrementDraws(ctx, userID); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

// GetStats 查詢戰績（read-through）
func (c *CachedStatsStore) GetStats(ctx context.Context, userID string) (UserStats, error) {
	key := statsKey(userID)

	fields, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Warn("stats cache read failed, falling back to primary", "user_id", userID, "error", err)
		return c.primary.GetStats(ctx, userID)
	}
	if len(fields) > 0 {
		if st, err := decodeStats(userID, fields); err == nil {
			return st, nil
		}
		c.logger.Warn("corrupted stats cache entry", "key", key)
	}

	var (
		st      UserStats
		loaded  bool
		readErr error
	)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		st, readErr = c.primary.GetStats(ctx, userID)
		loaded = true
		if readErr != nil {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				string(columnWins), st.Wins,
				string(columnLosses), st.Losses,
				string(columnDraws), st.Draws,
				"updated_at", st.UpdatedAt.UnixMilli(),
			)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, statsVersionKey(userID))

	if !loaded {
		// WATCH 本身失敗（Redis 不可用），直接查 primary
		c.logger.Warn("stats cache watch failed, falling back to primary", "user_id", userID, "error", err)
		return c.primary.GetStats(ctx, userID)
	}
	if readErr != nil {
		return UserStats{}, readErr
	}
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("stats changed during read, cache fill skipped", "user_id", userID)
	default:
		c.logger.Warn("failed to fill stats cache", "user_id", userID, "error", err)
	}

	return st, nil
}

func decodeStats(userID string, fields map[string]string) (UserStats, error) {
	st := UserStats{UserID: userID}

	parse := func(name string) (int64, error) {
		v, ok := fields[name]
		if !ok {
			return 0, errors.New("missing field " + name)
		}
		return strconv.ParseInt(v, 10, 64)
	}

	var err error
	if st.Wins, err = parse(string(columnWins)); err != nil {
		return UserStats{}, err
	}
	if st.Losses, err = parse(string(columnLosses)); err != nil {
		return UserStats{}, err
	}
	if st.Draws, err = parse(string(columnDraws)); err != nil {
		return UserStats{}, err
	}
	ms, err := parse("updated_at")
	if err != nil {
		return UserStats{}, err
	}
	st.UpdatedAt = time.UnixMilli(ms)

	return st, nil
}
