package internal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 協議事件
//
// 所有訊息（雙向）都使用同一個信封：
//
//	{"event": "make_move", "data": {...}}
//
// 入站事件的 data 延後解析（json.RawMessage），由 Dispatcher 依事件名稱決定結構。

// 入站事件名稱
const (
	EventJoinRoom  = "join_room"
	EventMakeMove  = "make_move"
	EventGameOver  = "game_over"
	EventLeaveRoom = "leave_room"
)

// 出站事件名稱
const (
	EventAssignSeat   = "assign_seat"
	EventRoomWaiting  = "room_waiting"
	EventRoomFormed   = "room_formed"
	EventRoomFull     = "room_full"
	EventMoveRelayed  = "move_relayed"
	EventOpponentLeft = "opponent_left"
)

// ErrInvalidEvent 訊息無法解析或缺少必要欄位
var ErrInvalidEvent = errors.New("無效的事件")

// Event 出站事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// InboundEvent 入站事件（data 尚未解析）
type InboundEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent 解析入站信封
func DecodeEvent(message []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return InboundEvent{}, fmt.Errorf("%w: 缺少事件名稱", ErrInvalidEvent)
	}
	return ev, nil
}

// Move 不透明的走子資料
//
// 核心從不解讀走子內容（合法性由外部規則引擎負責），
// 只原封不動地轉發給對手。慣例上內容為 {from, to, resultingPositionDigest}。
type Move json.RawMessage

// MarshalJSON 原樣輸出
func (m Move) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON 原樣保存
func (m *Move) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errors.New("Move: UnmarshalJSON on nil pointer")
	}
	*m = append((*m)[0:0], data...)
	return nil
}

// OutcomeKind 對局結果
type OutcomeKind string

const (
	OutcomeFirstWins  OutcomeKind = "first_wins"
	OutcomeSecondWins OutcomeKind = "second_wins"
	OutcomeDraw       OutcomeKind = "draw"
	OutcomeUnknown    OutcomeKind = "unknown"
)

// ParseOutcomeKind 解析結果字串，無法識別的值視為無效事件
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch k := OutcomeKind(s); k {
	case OutcomeFirstWins, OutcomeSecondWins, OutcomeDraw, OutcomeUnknown:
		return k, nil
	default:
		return "", fmt.Errorf("%w: 未知的對局結果 %q", ErrInvalidEvent, s)
	}
}

// WinFor 回傳指定座位獲勝的結果
func WinFor(seat Seat) OutcomeKind {
	if seat == SeatFirst {
		return OutcomeFirstWins
	}
	return OutcomeSecondWins
}

// 入站 payload

type joinRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type makeMovePayload struct {
	RoomID string `json:"roomId"`
	Move   Move   `json:"move"`
}

type gameOverPayload struct {
	RoomID  string `json:"roomId"`
	Outcome string `json:"outcome"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// 出站 payload

type assignSeatPayload struct {
	SeatColor Seat `json:"seatColor"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type roomFormedPayload struct {
	RoomID string          `json:"roomId"`
	Seats  map[Seat]string `json:"seats"` // seat -> userId
}

type moveRelayedPayload struct {
	Move Move `json:"move"`
}

func assignSeatEvent(seat Seat) Event {
	return Event{Type: EventAssignSeat, Data: assignSeatPayload{SeatColor: seat}}
}

func roomWaitingEvent(roomID string) Event {
	return Event{Type: EventRoomWaiting, Data: roomPayload{RoomID: roomID}}
}

func roomFormedEvent(roomID string, seats map[Seat]string) Event {
	return Event{Type: EventRoomFormed, Data: roomFormedPayload{RoomID: roomID, Seats: seats}}
}

func roomFullEvent(roomID string) Event {
	return Event{Type: EventRoomFull, Data: roomPayload{RoomID: roomID}}
}

func moveRelayedEvent(move Move) Event {
	return Event{Type: EventMoveRelayed, Data: moveRelayedPayload{Move: move}}
}

func opponentLeftEvent() Event {
	return Event{Type: EventOpponentLeft, Data: struct{}{}}
}
