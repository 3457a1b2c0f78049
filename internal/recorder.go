package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OutcomeReason 結果的來源
type OutcomeReason string

const (
	ReasonReported     OutcomeReason = "reported"      // 玩家回報 game_over
	ReasonOpponentLeft OutcomeReason = "opponent_left" // 對手斷線或離開
)

// Outcome 已定案的對局結果
type Outcome struct {
	RoomID     string        `json:"room_id"`
	Kind       OutcomeKind   `json:"outcome"`
	First      string        `json:"first"`  // 坐 first 的 userId
	Second     string        `json:"second"` // 坐 second 的 userId
	Reason     OutcomeReason `json:"reason"`
	RecordedAt time.Time     `json:"recorded_at"`
}

func newOutcome(roomID string, kind OutcomeKind, first, second string, reason OutcomeReason) Outcome {
	return Outcome{
		RoomID:     roomID,
		Kind:       kind,
		First:      first,
		Second:     second,
		Reason:     reason,
		RecordedAt: time.Now(),
	}
}

// WinnerLoser 決勝結果的勝方與敗方；和局或未知結果回傳 ok=false
func (o Outcome) WinnerLoser() (winner, loser string, ok bool) {
	switch o.Kind {
	case OutcomeFirstWins:
		return o.First, o.Second, true
	case OutcomeSecondWins:
		return o.Second, o.First, true
	default:
		return "", "", false
	}
}

// StatsStore 外部戰績儲存（寫入端）
//
// 核心只保證每個房間最多一組呼叫；重試與至少一次語意由儲存端自行負責。
type StatsStore interface {
	IncrementWins(ctx context.Context, userID string) error
	IncrementLosses(ctx context.Context, userID string) error
	IncrementDraws(ctx context.Context, userID string) error
}

// OutcomePublisher 結果事件的下游（例如 NATS JetStream）
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, o Outcome) error
}

// RecorderConfig 結算 worker 配置
type RecorderConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"` // 單次外部呼叫的超時
}

// OutcomeRecorder 把結果轉成戰績寫入
//
// 架構設計：
//
//	Registry（放開房間鎖後）→ queue → workers → StatsStore
//	                                         ↘ OutcomePublisher
//
// 系統設計考量：
//
//  1. 為什麼非同步？
//     - 戰績寫入是外部 I/O（PostgreSQL、Redis）
//     - 慢速或失敗的儲存不能拖住任何房間的走子轉發
//
//  2. 失敗處理：
//     - 只記錄日誌，不回滾房間的 outcomeRecorded
//     - 取捨：「記一次但可能遺失」優於「記兩次」
//
//  3. 背壓：
//     - Record 在 readPump 上被呼叫，不能等待
//     - 佇列滿時丟棄並記錄（同樣是「可能遺失，不會重複」）
//
//  4. 關閉：
//     - Stop() 關閉佇列並等待 worker 把剩餘結果寫完
type OutcomeRecorder struct {
	store     StatsStore
	publisher OutcomePublisher // 可為 nil
	config    RecorderConfig
	logger    *slog.Logger

	queue   chan Outcome
	dropped atomic.Int64
	wg      sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewOutcomeRecorder 創建結算器並啟動 worker
func NewOutcomeRecorder(store StatsStore, publisher OutcomePublisher, config RecorderConfig, logger *slog.Logger) *OutcomeRecorder {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	r := &OutcomeRecorder{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger,
		queue:     make(chan Outcome, config.QueueSize),
	}

	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Record 排入一筆結果，永不阻塞
//
// 佇列已滿或結算器已停止時，結果直接丟棄並記錄。
func (r *OutcomeRecorder) Record(o Outcome) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(o, "結算器已停止，結果遺失")
		return
	}

	select {
	case r.queue <- o:
	default:
		r.drop(o, "結算佇列已滿，結果遺失")
	}
}

func (r *OutcomeRecorder) drop(o Outcome, msg string) {
	r.dropped.Add(1)
	r.logger.Error(msg,
		"room_id", o.RoomID,
		"outcome", o.Kind,
		"first", o.First,
		"second", o.Second)
}

// Dropped 因佇列滿或已停止而遺失的結果數
func (r *OutcomeRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Stop 停止並等待所有結果寫完
func (r *OutcomeRecorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("結算器已停止")
}

func (r *OutcomeRecorder) worker() {
	defer r.wg.Done()

	for o := range r.queue {
		if err := r.Apply(o); err != nil {
			r.logger.Error("戰績寫入失敗",
				"room_id", o.RoomID,
				"outcome", o.Kind,
				"first", o.First,
				"second", o.Second,
				"error", err)
		}
	}
}

// Apply 同步執行一筆結果的所有外部呼叫
//
// 勝負：勝方 +1 勝、敗方 +1 敗；和局：雙方 +1 和；未知：不寫入戰績。
// 各呼叫互相獨立，一個失敗不影響其他呼叫，錯誤合併回傳。
func (r *OutcomeRecorder) Apply(o Outcome) error {
	var errs []error

	call := func(op string, userID string, fn func(context.Context, string) error) {
		if userID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		defer cancel()
		if err := fn(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op, userID, err))
		}
	}

	if winner, loser, ok := o.WinnerLoser(); ok {
		call("increment wins", winner, r.store.IncrementWins)
		call("increment losses", loser, r.store.IncrementLosses)
	} else if o.Kind == OutcomeDraw {
		call("increment draws", o.First, r.store.IncrementDraws)
		call("increment draws", o.Second, r.store.IncrementDraws)
	}

	if r.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		if err := r.publisher.PublishOutcome(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("publish outcome: %w", err))
		}
		cancel()
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.logger.Debug("戰績已寫入",
		"room_id", o.RoomID,
		"outcome", o.Kind,
		"reason", o.Reason)
	return nil
}
