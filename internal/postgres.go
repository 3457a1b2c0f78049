package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStatsStore PostgreSQL 戰績儲存
//
// 每次遞增是一條 upsert（INSERT ... ON CONFLICT DO UPDATE），
// 首次出現的使用者自動建列，不需要事先註冊。
type PostgresStatsStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStatsStore 創建 PostgreSQL 戰績儲存
func NewPostgresStatsStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStatsStore {
	return &PostgresStatsStore{
		pool:   pool,
		logger: logger,
	}
}

// 欄位名稱來自白名單，不接受外部輸入
func incrementQuery(col statsColumn) string {
	return fmt.Sprintf(`
		INSERT INTO user_stats (user_id, %[1]s, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET %[1]s = user_stats.%[1]s + 1, updated_at = NOW()`, col)
}

func (s *PostgresStatsStore) increment(ctx context.Context, userID string, col statsColumn) error {
	if _, err := s.pool.Exec(ctx, incrementQuery(col), userID); err != nil {
		s.logger.Error("postgres increment failed",
			"user_id", userID,
			"column", col,
			"error", err)
		return fmt.Errorf("increment %s: %w", col, err)
	}
	return nil
}

// IncrementWins 勝場 +1
func (s *PostgresStatsStore) IncrementWins(ctx context.Context, userID string) error {
	return s.increment(ctx, userID, columnWins)
}

// IncrementLosses 敗場 +1
func (s *PostgresStatsStore) IncrementLosses(ctx context.Context, userID string) error {
	return s.increment(ctx, userID, columnLosses)
}

// IncrementDraws 和局 +1
func (s *PostgresStatsStore) IncrementDraws(ctx context.Context, userID string) error {
	return s.increment(ctx, userID, columnDraws)
}

// GetStats 查詢戰績
func (s *PostgresStatsStore) GetStats(ctx context.Context, userID string) (UserStats, error) {
	var st UserStats
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, wins, losses, draws, updated_at
		FROM user_stats
		WHERE user_id = $1`, userID).
		Scan(&st.UserID, &st.Wins, &st.Losses, &st.Draws, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserStats{}, ErrUserNotFound
		}
		return UserStats{}, fmt.Errorf("get stats: %w", err)
	}
	return st, nil
}
