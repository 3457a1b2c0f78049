package internal

import (
	"sync"
	"time"
)

// tokenBucket 每條連線的入站訊息限流（令牌桶）
//
// 演算法：
//  1. 固定容量的桶，以固定速率填充令牌
//  2. 每則入站訊息取一個令牌，沒有令牌就丟棄該訊息
//
// 允許短時間的突發（例如重連後補送），但擋住持續灌訊息的客戶端，
// 避免單一連線佔住房間鎖。
type tokenBucket struct {
	capacity   float64 // 桶容量（最大突發量）
	tokens     float64
	refillRate float64 // 每秒填充的令牌數
	lastRefill time.Time
	mu         sync.Mutex
}

// newTokenBucket rate <= 0 表示不限流，回傳 nil
func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	capacity := float64(burst)
	if capacity < 1 {
		capacity = 1
	}
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity, // 初始化時桶是滿的
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow 嘗試取出一個令牌（nil 代表不限流）
func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
