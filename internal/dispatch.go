package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher 把入站事件路由到 Registry
//
// 每條連線的事件都由該連線的 readPump 依序呼叫；
// 無效或不被允許的事件一律記錄後丟棄，不會關閉連線。
type Dispatcher struct {
	registry *Registry
	notifier Notifier
	logger   *slog.Logger
}

// NewDispatcher 創建事件分派器
func NewDispatcher(registry *Registry, notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		notifier: notifier,
		logger:   logger,
	}
}

// HandleEvent 處理一則入站事件
func (d *Dispatcher) HandleEvent(connID string, ev InboundEvent) {
	var err error
	switch ev.Type {
	case EventJoinRoom:
		err = d.joinRoom(connID, ev.Data)
	case EventMakeMove:
		err = d.makeMove(connID, ev.Data)
	case EventGameOver:
		err = d.gameOver(connID, ev.Data)
	case EventLeaveRoom:
		err = d.leaveRoom(connID, ev.Data)
	default:
		d.logger.Warn("未知的事件類型", "event", ev.Type, "conn_id", connID)
		return
	}

	if err != nil {
		d.logDropped(connID, ev.Type, err)
	}
}

// HandleClose 連線關閉（每條連線只會呼叫一次）
func (d *Dispatcher) HandleClose(connID string) {
	d.registry.HandleDisconnect(connID)
}

func (d *Dispatcher) joinRoom(connID string, data json.RawMessage) error {
	var p joinRoomPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}

	_, err := d.registry.JoinRoom(p.RoomID, p.UserID, connID)
	if errors.Is(err, ErrRoomFull) {
		d.notifier.Send(connID, roomFullEvent(p.RoomID))
		return nil
	}
	return err
}

func (d *Dispatcher) makeMove(connID string, data json.RawMessage) error {
	var p makeMovePayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return fmt.Errorf("%w: 缺少 roomId", ErrInvalidEvent)
	}
	return d.registry.RelayMove(p.RoomID, connID, p.Move)
}

func (d *Dispatcher) gameOver(connID string, data json.RawMessage) error {
	var p gameOverPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return fmt.Errorf("%w: 缺少 roomId", ErrInvalidEvent)
	}

	kind, err := ParseOutcomeKind(p.Outcome)
	if err != nil {
		return err
	}
	_, err = d.registry.ReportOutcome(p.RoomID, connID, kind)
	return err
}

func (d *Dispatcher) leaveRoom(connID string, data json.RawMessage) error {
	var p leaveRoomPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	return d.registry.LeaveRoom(p.RoomID, connID)
}

// logDropped 依錯誤類型決定日誌等級
func (d *Dispatcher) logDropped(connID, eventType string, err error) {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		d.logger.Warn("事件格式錯誤，已丟棄", "event", eventType, "conn_id", connID, "error", err)
	case errors.Is(err, ErrNotInRoom), errors.Is(err, ErrRoomNotFormed), errors.Is(err, ErrGameConcluded):
		d.logger.Info("事件不被允許，已丟棄", "event", eventType, "conn_id", connID, "error", err)
	default:
		d.logger.Error("處理事件失敗", "event", eventType, "conn_id", connID, "error", err)
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: 缺少 data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
