package internal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUserNotFound 沒有任何戰績紀錄的使用者
var ErrUserNotFound = errors.New("user not found")

// UserStats 使用者戰績
type UserStats struct {
	UserID    string    `json:"user_id"`
	Wins      int64     `json:"wins"`
	Losses    int64     `json:"losses"`
	Draws     int64     `json:"draws"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatsReader 戰績查詢端
type StatsReader interface {
	GetStats(ctx context.Context, userID string) (UserStats, error)
}

// statsColumn 戰績欄位（白名單，也用作 Redis hash field）
type statsColumn string

const (
	columnWins   statsColumn = "wins"
	columnLosses statsColumn = "losses"
	columnDraws  statsColumn = "draws"
)

// MemoryStatsStore 記憶體戰績儲存（單機開發與測試用）
type MemoryStatsStore struct {
	mu    sync.RWMutex
	stats map[string]*UserStats
}

// NewMemoryStatsStore 創建記憶體戰績儲存
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		stats: make(map[string]*UserStats),
	}
}

func (m *MemoryStatsStore) increment(userID string, col statsColumn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[userID]
	if !ok {
		s = &UserStats{UserID: userID}
		m.stats[userID] = s
	}
	switch col {
	case columnWins:
		s.Wins++
	case columnLosses:
		s.Losses++
	case columnDraws:
		s.Draws++
	}
	s.UpdatedAt = time.Now()
}

// IncrementWins 勝場 +1
func (m *MemoryStatsStore) IncrementWins(_ context.Context, userID string) error {
	m.increment(userID, columnWins)
	return nil
}

// IncrementLosses 敗場 +1
func (m *MemoryStatsStore) IncrementLosses(_ context.Context, userID string) error {
	m.increment(userID, columnLosses)
	return nil
}

// IncrementDraws 和局 +1
func (m *MemoryStatsStore) IncrementDraws(_ context.Context, userID string) error {
	m.increment(userID, columnDraws)
	return nil
}

// GetStats 查詢戰績
func (m *MemoryStatsStore) GetStats(_ context.Context, userID string) (UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stats[userID]
	if !ok {
		return UserStats{}, ErrUserNotFound
	}
	return *s, nil
}
