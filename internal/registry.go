package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrRoomFull      = errors.New("房間已滿")
	ErrNotInRoom     = errors.New("連線不在房間內")
	ErrRoomNotFound  = errors.New("房間不存在")
	ErrRoomNotFormed = errors.New("房間尚未配對完成")
	ErrGameConcluded = errors.New("對局已結束")
	ErrTooManyRooms  = errors.New("房間數量已達上限")
)

// Notifier 出站事件的投遞端（由 WebSocketHub 實作）
//
// Registry 會在持有房間鎖時呼叫這些方法，實作必須是非阻塞的。
type Notifier interface {
	Send(connID string, ev Event)
	Broadcast(roomID string, ev Event, excludeConnID string)
	Bind(connID, roomID string)
	Unbind(connID string)
}

// Recorder 接收已定案的對局結果
type Recorder interface {
	Record(o Outcome)
}

// RegistryOptions 房間策略
type RegistryOptions struct {
	MaxRooms                int  // 0 表示不限制
	RejectMovesAfterOutcome bool // 結算後的走子改為回報 ErrGameConcluded
}

// JoinResult 加入房間的結果
type JoinResult struct {
	Seat        Seat `json:"seat"`
	RoomCreated bool `json:"room_created"`
	Rejoined    bool `json:"rejoined"`
	Formed      bool `json:"formed"`
}

// Registry 房間註冊表
//
// 系統設計考量：
//
//  1. 兩層鎖：
//     - Registry.mu 只保護 rooms 與 bindings 兩個 map
//     - Room.mu 保護單一房間的座位與 outcomeRecorded
//     - 鎖順序固定為 房間 → 註冊表；查 map 時先放開註冊表鎖再拿房間鎖
//     - 不同房間的操作永遠不會互相阻塞
//
//  2. 刪除與重試：
//     - 房間歸零時在房間鎖內標記 deleted，再從 map 移除
//     - 拿到舊指標的 JoinRoom 看到 deleted 會重新查詢（建立新房間）
//
//  3. 連線綁定（bindings）：
//     - connID → roomID，讓斷線處理不必掃描所有房間
//     - 只是索引，真正的歸屬以房間內座位的 ConnectionID 為準
//
//  4. 外部 I/O：
//     - 通知是非阻塞的 channel 寫入，可以在鎖內做（也保證同房間走子順序）
//     - 戰績寫入交給 Recorder，一律在放開房間鎖之後呼叫
type Registry struct {
	rooms    map[string]*Room  // roomID -> Room
	bindings map[string]string // connID -> roomID
	mu       sync.RWMutex

	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	opts     RegistryOptions
}

// NewRegistry 創建房間註冊表
func NewRegistry(notifier Notifier, recorder Recorder, logger *slog.Logger, opts RegistryOptions) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		bindings: make(map[string]string),
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		opts:     opts,
	}
}

// JoinRoom 加入（或重新加入）房間
//
// 一條連線同時只坐一個座位：
//   - 換房間：先在新房間入座，成功後才離開原座位；加入失敗（房間已滿、
//     房間數達上限）時原座位完全不受影響
//   - 同房間換身分：原座位先離開，新身分才有空位可坐
//
// 同一條連線的事件由同一個 readPump 依序處理，因此這裡不需要防範
// 同一連線自己的並發 join。
func (reg *Registry) JoinRoom(roomID, userID, connID string) (JoinResult, error) {
	if roomID == "" || userID == "" || connID == "" {
		return JoinResult{}, fmt.Errorf("%w: roomId 與 userId 為必填", ErrInvalidEvent)
	}

	previous, seated := reg.boundRoom(connID)
	if seated && previous == roomID {
		if !reg.holdsSeatAs(previous, connID, roomID, userID) {
			reg.depart(connID)
		}
		seated = false
	}

	result, err := reg.admit(roomID, userID, connID)
	if err != nil {
		return JoinResult{}, err
	}

	if seated {
		reg.departFrom(connID, previous)
	}
	return result, nil
}

// admit 在 roomID 入座；不存在時建立房間
func (reg *Registry) admit(roomID, userID, connID string) (JoinResult, error) {
	for {
		room, created, err := reg.getOrCreate(roomID, userID, connID)
		if err != nil {
			return JoinResult{}, err
		}

		if created {
			// getOrCreate 回傳時已入座且持有房間鎖
			reg.notifier.Bind(connID, roomID)
			reg.notifier.Send(connID, assignSeatEvent(SeatFirst))
			reg.notifier.Send(connID, roomWaitingEvent(roomID))
			room.mu.Unlock()

			reg.logger.Info("房間已創建",
				"room_id", roomID,
				"user_id", userID,
				"conn_id", connID)
			return JoinResult{Seat: SeatFirst, RoomCreated: true}, nil
		}

		room.mu.Lock()
		if room.deleted {
			// 房間剛被清空刪除，重新建立
			room.mu.Unlock()
			continue
		}
		result, err := reg.joinLocked(room, userID, connID)
		room.mu.Unlock()
		return result, err
	}
}

// joinLocked 加入既有房間（需持有房間鎖）
func (reg *Registry) joinLocked(room *Room, userID, connID string) (JoinResult, error) {
	// 重連：同一個 userId 已經有座位
	if p := room.seatOfUser(userID); p != nil {
		if old := p.ConnectionID; old != connID {
			p.ConnectionID = connID
			reg.unbind(old, room.ID)
			reg.bind(connID, room.ID)
		}
		reg.notifier.Send(connID, assignSeatEvent(p.Seat))
		if len(room.seats) == 1 {
			reg.notifier.Send(connID, roomWaitingEvent(room.ID))
		}

		reg.logger.Info("玩家重新連線",
			"room_id", room.ID,
			"user_id", userID,
			"seat", p.Seat,
			"conn_id", connID)
		return JoinResult{Seat: p.Seat, Rejoined: true}, nil
	}

	seat, ok := room.vacantSeat()
	if !ok {
		reg.logger.Info("房間已滿，拒絕加入",
			"room_id", room.ID,
			"user_id", userID,
			"conn_id", connID)
		return JoinResult{}, ErrRoomFull
	}

	room.seat(seat, userID, connID)
	reg.bind(connID, room.ID)
	reg.notifier.Send(connID, assignSeatEvent(seat))

	// 既有房間至少有一人，補上空位即完成配對
	formed := len(room.seats) == 2
	if formed {
		reg.notifier.Broadcast(room.ID, roomFormedEvent(room.ID, room.roster()), "")
	} else {
		reg.notifier.Send(connID, roomWaitingEvent(room.ID))
	}

	reg.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"user_id", userID,
		"seat", seat,
		"formed", formed,
		"conn_id", connID)
	return JoinResult{Seat: seat, Formed: formed}, nil
}

// getOrCreate 取得房間；不存在時建立並讓呼叫者坐上 first
//
// 新房間在放進 map 之前就已入座並上鎖，其他人永遠看不到空房間。
func (reg *Registry) getOrCreate(roomID, userID, connID string) (*Room, bool, error) {
	if room := reg.lookup(roomID); room != nil {
		return room, false, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, exists := reg.rooms[roomID]; exists {
		return room, false, nil
	}
	if reg.opts.MaxRooms > 0 && len(reg.rooms) >= reg.opts.MaxRooms {
		return nil, false, ErrTooManyRooms
	}

	room := newRoom(roomID)
	room.mu.Lock()
	room.seat(SeatFirst, userID, connID)
	reg.rooms[roomID] = room
	reg.bindings[connID] = roomID

	return room, true, nil
}

// RelayMove 把走子轉發給對手（永不回送給自己）
func (reg *Registry) RelayMove(roomID, connID string, move Move) error {
	room := reg.lookup(roomID)
	if room == nil {
		return ErrNotInRoom
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.deleted {
		return ErrNotInRoom
	}
	p := room.seatOf(connID)
	if p == nil {
		return ErrNotInRoom
	}
	if room.outcomeRecorded && reg.opts.RejectMovesAfterOutcome {
		return ErrGameConcluded
	}

	opp, ok := room.seats[p.Seat.Opponent()]
	if !ok {
		reg.logger.Debug("對手不在座，走子未轉發",
			"room_id", roomID,
			"seat", p.Seat)
		return nil
	}

	reg.notifier.Send(opp.ConnectionID, moveRelayedEvent(move))
	return nil
}

// ReportOutcome 回報對局結果
//
// 系統設計重點：
//
//  1. 冪等性：
//     - 雙方通常都會回報 game_over，內容甚至可能互相矛盾
//     - 第一個到達的回報生效，其餘一律吸收（recorded=false, err=nil）
//
//  2. 原子性：
//     - outcomeRecorded 的檢查與設定在同一段房間鎖內完成
//     - 與斷線判負競爭時同樣由這把鎖決定誰先
//
//  3. 寧可少記一次，也不重複記：
//     - 放開鎖後才呼叫 Recorder；外部寫入失敗也不會回滾旗標
func (reg *Registry) ReportOutcome(roomID, connID string, kind OutcomeKind) (bool, error) {
	room := reg.lookup(roomID)
	if room == nil {
		return false, ErrNotInRoom
	}

	room.mu.Lock()
	if room.deleted || room.seatOf(connID) == nil {
		room.mu.Unlock()
		return false, ErrNotInRoom
	}
	if room.outcomeRecorded {
		room.mu.Unlock()
		reg.logger.Debug("重複的結果回報已忽略", "room_id", roomID, "conn_id", connID)
		return false, nil
	}
	if len(room.seats) < 2 {
		room.mu.Unlock()
		return false, ErrRoomNotFormed
	}

	room.outcomeRecorded = true
	outcome := newOutcome(room.ID, kind,
		room.seats[SeatFirst].UserID,
		room.seats[SeatSecond].UserID,
		ReasonReported)
	room.mu.Unlock()

	reg.logger.Info("對局結果已記錄",
		"room_id", roomID,
		"outcome", kind,
		"first", outcome.First,
		"second", outcome.Second)
	reg.record(&outcome)
	return true, nil
}

// HandleDisconnect 處理連線關閉
func (reg *Registry) HandleDisconnect(connID string) bool {
	return reg.depart(connID)
}

// LeaveRoom 主動離開房間，語意與斷線相同
func (reg *Registry) LeaveRoom(roomID, connID string) error {
	if bound, ok := reg.boundRoom(connID); !ok || bound != roomID {
		return ErrNotInRoom
	}
	if !reg.depart(connID) {
		return ErrNotInRoom
	}
	return nil
}

// depart 讓連線離開它所在的座位
func (reg *Registry) depart(connID string) bool {
	roomID, ok := reg.boundRoom(connID)
	if !ok {
		return false
	}
	return reg.departFrom(connID, roomID)
}

// departFrom 讓連線離開 roomID 的座位
//
// 換房間時連線的綁定已經指向新房間，這裡只清 roomID 的座位。
func (reg *Registry) departFrom(connID, roomID string) bool {
	room := reg.lookup(roomID)
	if room == nil {
		reg.clearBinding(connID, roomID)
		return false
	}

	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return false
	}
	p := room.seatOf(connID)
	if p == nil {
		// 座位已被重連的新連線取代
		room.mu.Unlock()
		reg.clearBinding(connID, roomID)
		return false
	}
	pending := reg.departLocked(room, p)
	room.mu.Unlock()

	reg.record(pending)
	return true
}

// departLocked 移除座位並處理對手通知、斷線判負、空房刪除（需持有房間鎖）
func (reg *Registry) departLocked(room *Room, p *Participant) *Outcome {
	delete(room.seats, p.Seat)
	reg.unbind(p.ConnectionID, room.ID)

	reg.logger.Info("玩家離開房間",
		"room_id", room.ID,
		"user_id", p.UserID,
		"seat", p.Seat,
		"conn_id", p.ConnectionID)

	var pending *Outcome
	if opp, ok := room.seats[p.Seat.Opponent()]; ok {
		reg.notifier.Broadcast(room.ID, opponentLeftEvent(), p.ConnectionID)

		if !room.outcomeRecorded {
			room.outcomeRecorded = true
			first, second := p.UserID, opp.UserID
			if opp.Seat == SeatFirst {
				first, second = opp.UserID, p.UserID
			}
			o := newOutcome(room.ID, WinFor(opp.Seat), first, second, ReasonOpponentLeft)
			pending = &o

			reg.logger.Info("對手離開，判定留下的一方獲勝",
				"room_id", room.ID,
				"winner", opp.UserID,
				"loser", p.UserID)
		}
	}

	if len(room.seats) == 0 {
		reg.removeLocked(room)
	}
	return pending
}

// removeLocked 從註冊表移除房間（需持有房間鎖）
func (reg *Registry) removeLocked(room *Room) {
	room.deleted = true

	reg.mu.Lock()
	if current, exists := reg.rooms[room.ID]; exists && current == room {
		delete(reg.rooms, room.ID)
	}
	reg.mu.Unlock()

	reg.logger.Info("房間已清空並移除", "room_id", room.ID)
}

func (reg *Registry) record(o *Outcome) {
	if o == nil || reg.recorder == nil {
		return
	}
	reg.recorder.Record(*o)
}

func (reg *Registry) lookup(roomID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

func (reg *Registry) boundRoom(connID string) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	roomID, ok := reg.bindings[connID]
	return roomID, ok
}

// holdsSeatAs 連線是否已經以 userID 的身分坐在 roomID
func (reg *Registry) holdsSeatAs(bound, connID, roomID, userID string) bool {
	if bound != roomID {
		return false
	}
	room := reg.lookup(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	p := room.seatOf(connID)
	return p != nil && p.UserID == userID
}

func (reg *Registry) bind(connID, roomID string) {
	reg.mu.Lock()
	reg.bindings[connID] = roomID
	reg.mu.Unlock()
	reg.notifier.Bind(connID, roomID)
}

// unbind 解除 connID 與 roomID 的綁定；連線已綁到別的房間時不動它
func (reg *Registry) unbind(connID, roomID string) {
	if reg.clearBinding(connID, roomID) {
		reg.notifier.Unbind(connID)
	}
}

func (reg *Registry) clearBinding(connID, roomID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if bound, ok := reg.bindings[connID]; ok && bound == roomID {
		delete(reg.bindings, connID)
		return true
	}
	return false
}

// GetRoom 取得房間快照
func (reg *Registry) GetRoom(roomID string) (RoomState, error) {
	room := reg.lookup(roomID)
	if room == nil {
		return RoomState{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room.State(), nil
}

// ListRooms 列出房間（status 為空時不過濾），依創建時間排序
func (reg *Registry) ListRooms(status RoomStatus) []RoomState {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	result := make([]RoomState, 0, len(rooms))
	for _, room := range rooms {
		state := room.State()
		if status != "" && state.Status != status {
			continue
		}
		result = append(result, state)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// RoomCount 目前房間數
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Stats 獲取統計資訊
func (reg *Registry) Stats() map[string]any {
	states := reg.ListRooms("")

	statusCount := map[RoomStatus]int{
		StatusForming:   0,
		StatusActive:    0,
		StatusConcluded: 0,
	}
	totalParticipants := 0
	for _, s := range states {
		statusCount[s.Status]++
		totalParticipants += len(s.Participants)
	}

	return map[string]any{
		"total_rooms":        len(states),
		"total_participants": totalParticipants,
		"by_status":          statusCount,
	}
}
