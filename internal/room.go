package internal

import (
	"sync"
	"time"
)

// 系統設計問題：
//   如何讓兩位遠端玩家配對成一局，並在網路事件亂序、重複的情況下保持狀態正確？
//
// 核心挑戰：
//   1. 座位管理：每個房間只有兩個座位（first / second）
//   2. 斷線重連：同一個 userId 重新加入時要拿回原本的座位
//   3. 冪等結算：雙方都回報 game_over、或回報與斷線同時發生，戰績只能記一次
//   4. 並發控制：不同房間的操作互不阻塞
//
// 設計方案：
//   ✅ 每個房間一把 Mutex（房間級互斥，而非全域鎖）
//   ✅ outcomeRecorded 在鎖內 check-and-set（單一原子步驟）
//   ✅ 房間歸零立即刪除（不保留空房間）

// Seat 座位
type Seat string

const (
	SeatFirst  Seat = "first"
	SeatSecond Seat = "second"
)

// Opponent 對手的座位
func (s Seat) Opponent() Seat {
	if s == SeatFirst {
		return SeatSecond
	}
	return SeatFirst
}

// RoomStatus 房間狀態
//
// 有限狀態機：
//
//	forming → active → concluded
//	   ↓         ↓
//	 (刪除)    (刪除)
//
// 狀態轉換規則：
//   - forming → active：第二個座位被填上
//   - active → concluded：結果被記錄（回報或斷線判負）
//   - forming/active → 刪除：最後一位玩家離開
//   - 重連：自我轉換，只換連線不換狀態
//
// concluded 沒有回頭路。
type RoomStatus string

const (
	StatusForming   RoomStatus = "forming"   // 等待對手
	StatusActive    RoomStatus = "active"    // 對局中
	StatusConcluded RoomStatus = "concluded" // 已結算
)

// Participant 入座的玩家
type Participant struct {
	ConnectionID string    `json:"-"`
	UserID       string    `json:"user_id"`
	Seat         Seat      `json:"seat"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Room 兩人對局房間
//
// 所有欄位都由 mu 保護；方法名稱小寫的版本要求呼叫方已持有鎖。
type Room struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	seats           map[Seat]*Participant
	outcomeRecorded bool
	deleted         bool // 已從 Registry 移除，持有舊指標的操作必須重試
}

// RoomState 房間快照（用於 API 輸出）
type RoomState struct {
	ID              string         `json:"room_id"`
	Status          RoomStatus     `json:"status"`
	Participants    []*Participant `json:"participants"`
	OutcomeRecorded bool           `json:"outcome_recorded"`
	CreatedAt       time.Time      `json:"created_at"`
}

func newRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		seats:     make(map[Seat]*Participant, 2),
	}
}

func (r *Room) status() RoomStatus {
	switch {
	case r.outcomeRecorded:
		return StatusConcluded
	case len(r.seats) == 2:
		return StatusActive
	default:
		return StatusForming
	}
}

// seatOf 找出連線所在的座位
func (r *Room) seatOf(connID string) *Participant {
	for _, p := range r.seats {
		if p.ConnectionID == connID {
			return p
		}
	}
	return nil
}

// seatOfUser 找出使用者所在的座位
func (r *Room) seatOfUser(userID string) *Participant {
	for _, p := range r.seats {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// vacantSeat 回傳空位；first 優先
//
// 只剩 second 在座時回傳 first，讓先前坐 first 的玩家斷線重進後拿回原座位。
func (r *Room) vacantSeat() (Seat, bool) {
	for _, s := range []Seat{SeatFirst, SeatSecond} {
		if _, taken := r.seats[s]; !taken {
			return s, true
		}
	}
	return "", false
}

func (r *Room) seat(seat Seat, userID, connID string) *Participant {
	p := &Participant{
		ConnectionID: connID,
		UserID:       userID,
		Seat:         seat,
		JoinedAt:     time.Now(),
	}
	r.seats[seat] = p
	return p
}

// roster 座位 → userId
func (r *Room) roster() map[Seat]string {
	out := make(map[Seat]string, len(r.seats))
	for s, p := range r.seats {
		out[s] = p.UserID
	}
	return out
}

func (r *Room) snapshot() RoomState {
	participants := make([]*Participant, 0, len(r.seats))
	for _, s := range []Seat{SeatFirst, SeatSecond} {
		if p, ok := r.seats[s]; ok {
			cp := *p
			participants = append(participants, &cp)
		}
	}
	return RoomState{
		ID:              r.ID,
		Status:          r.status(),
		Participants:    participants,
		OutcomeRecorded: r.outcomeRecorded,
		CreatedAt:       r.CreatedAt,
	}
}

// State 取得房間快照
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Status 目前狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status()
}

// ParticipantCount 在座人數
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seats)
}
