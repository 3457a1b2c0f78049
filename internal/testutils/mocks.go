package testutils

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/koopa0/system-design/14-match-pairing/internal"
)

// Delivered 一則已投遞給連線的事件
type Delivered struct {
	ConnID string
	Event  internal.Event
}

// RecordingNotifier 記錄所有投遞的 Notifier
//
// 維護與 WebSocketHub 相同的房間綁定，Broadcast 會展開成對每條連線的投遞。
type RecordingNotifier struct {
	mu        sync.Mutex
	bindings  map[string]string // connID -> roomID
	delivered []Delivered
}

// NewRecordingNotifier 創建記錄用 Notifier
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{
		bindings: make(map[string]string),
	}
}

func (n *RecordingNotifier) Send(connID string, ev internal.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, Delivered{ConnID: connID, Event: ev})
}

func (n *RecordingNotifier) Broadcast(roomID string, ev internal.Event, excludeConnID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for connID, bound := range n.bindings {
		if bound == roomID && connID != excludeConnID {
			n.delivered = append(n.delivered, Delivered{ConnID: connID, Event: ev})
		}
	}
}

func (n *RecordingNotifier) Bind(connID, roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindings[connID] = roomID
}

func (n *RecordingNotifier) Unbind(connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.bindings, connID)
}

// Events 某條連線收到的事件（依投遞順序）
func (n *RecordingNotifier) Events(connID string) []internal.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []internal.Event
	for _, d := range n.delivered {
		if d.ConnID == connID {
			out = append(out, d.Event)
		}
	}
	return out
}

// EventTypes 某條連線收到的事件名稱
func (n *RecordingNotifier) EventTypes(connID string) []string {
	events := n.Events(connID)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

// Count 某條連線收到指定事件的次數
func (n *RecordingNotifier) Count(connID, eventType string) int {
	count := 0
	for _, t := range n.EventTypes(connID) {
		if t == eventType {
			count++
		}
	}
	return count
}

// BoundRoom 連線目前綁定的房間
func (n *RecordingNotifier) BoundRoom(connID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	roomID, ok := n.bindings[connID]
	return roomID, ok
}

// Reset 清空投遞紀錄（保留綁定）
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = nil
}

// DecodeData 把事件的 data 轉成指定結構（經由 JSON，與線上格式一致）
func DecodeData[T any](ev internal.Event) (T, error) {
	var out T
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

// StatsCall 一次戰績寫入呼叫
type StatsCall struct {
	Op     string // "wins" / "losses" / "draws"
	UserID string
}

// FakeStatsStore 記錄呼叫並可注入失敗的戰績儲存
type FakeStatsStore struct {
	*internal.MemoryStatsStore

	mu    sync.Mutex
	calls []StatsCall
	fail  map[string]error // userID -> 要回傳的錯誤
}

// NewFakeStatsStore 創建假戰績儲存
func NewFakeStatsStore() *FakeStatsStore {
	return &FakeStatsStore{
		MemoryStatsStore: internal.NewMemoryStatsStore(),
		fail:             make(map[string]error),
	}
}

// FailFor 讓指定使用者的寫入回傳錯誤
func (f *FakeStatsStore) FailFor(userID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[userID] = err
}

func (f *FakeStatsStore) record(op, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, StatsCall{Op: op, UserID: userID})
	return f.fail[userID]
}

func (f *FakeStatsStore) IncrementWins(ctx context.Context, userID string) error {
	if err := f.record("wins", userID); err != nil {
		return err
	}
	return f.MemoryStatsStore.IncrementWins(ctx, userID)
}

func (f *FakeStatsStore) IncrementLosses(ctx context.Context, userID string) error {
	if err := f.record("losses", userID); err != nil {
		return err
	}
	return f.MemoryStatsStore.IncrementLosses(ctx, userID)
}

func (f *FakeStatsStore) IncrementDraws(ctx context.Context, userID string) error {
	if err := f.record("draws", userID); err != nil {
		return err
	}
	return f.MemoryStatsStore.IncrementDraws(ctx, userID)
}

// Calls 所有寫入呼叫（依呼叫順序）
func (f *FakeStatsStore) Calls() []StatsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StatsCall(nil), f.calls...)
}

// FakePublisher 記錄發佈內容的 OutcomePublisher
type FakePublisher struct {
	mu        sync.Mutex
	published []internal.Outcome
	Err       error
}

func (p *FakePublisher) PublishOutcome(_ context.Context, o internal.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.published = append(p.published, o)
	return nil
}

// Published 已發佈的結果
func (p *FakePublisher) Published() []internal.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]internal.Outcome(nil), p.published...)
}

// FakeRecorder 同步收集結果的 Recorder
type FakeRecorder struct {
	mu       sync.Mutex
	outcomes []internal.Outcome
}

func (r *FakeRecorder) Record(o internal.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes 已收到的結果
func (r *FakeRecorder) Outcomes() []internal.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]internal.Outcome(nil), r.outcomes...)
}

// ForRoom 指定房間收到的結果
func (r *FakeRecorder) ForRoom(roomID string) []internal.Outcome {
	var out []internal.Outcome
	for _, o := range r.Outcomes() {
		if o.RoomID == roomID {
			out = append(out, o)
		}
	}
	return out
}
