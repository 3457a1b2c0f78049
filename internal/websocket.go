package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何讓兩位玩家的走子即時到達對方，並可靠地偵測斷線？
//
// 核心挑戰：
//   1. 實時通信：走子要立即推送給對手
//   2. 連接管理：斷線、重連、同一使用者換新連線
//   3. 心跳機制：偵測死連接（網路異常、客戶端崩潰）
//   4. 非阻塞投遞：Registry 在房間鎖內通知，投遞不能卡住
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信
//   ✅ Hub 模式 - 集中管理所有連接，並維護 room → 連線 索引
//   ✅ Ping/Pong 心跳 - 由傳輸層偵測死連接，觸發斷線處理
//   ✅ 緩衝 channel - 異步發送（滿了就丟棄並記錄）

// WebSocketConfig 傳輸層配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer"`      // 每條連線的出站緩衝
	MaxMessageSize  int64         `yaml:"max_message_size"` // 單則入站訊息上限（bytes）
	PongWait        time.Duration `yaml:"pong_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"` // 必須小於 PongWait
	WriteWait       time.Duration `yaml:"write_wait"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // 空表示不檢查
	MessageRate     float64       `yaml:"message_rate"`    // 每秒入站訊息上限，0 表示不限
	MessageBurst    int           `yaml:"message_burst"`
}

// EventHandler 入站事件的處理端（由 Dispatcher 實作）
type EventHandler interface {
	HandleEvent(connID string, ev InboundEvent)
	HandleClose(connID string)
}

// WebSocketHub WebSocket 連接中心
//
// Hub 模式設計：
//   - connections：所有存活連線（connID → Connection）
//   - rooms：房間索引（roomID → connID → Connection），由 Registry 透過 Bind/Unbind 維護
//   - 實作 Notifier：Send / Broadcast 都是非阻塞的
//
// 系統設計考量：
//
//  1. 並發安全：RWMutex
//     - 投遞（讀鎖）遠多於註冊/註銷（寫鎖）
//     - send channel 只在寫鎖內關閉，持讀鎖投遞就不會寫入已關閉的 channel
//
//  2. 關閉順序：
//     - readPump 結束 → 先交給 EventHandler 做斷線處理 → 再從存活集合移除
//     - 每條連線的關閉處理只會發生一次
type WebSocketHub struct {
	config   WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	handler  EventHandler

	connections map[string]*Connection            // connID -> Connection
	rooms       map[string]map[string]*Connection // roomID -> connID -> Connection
	mu          sync.RWMutex

	stopping atomic.Bool
}

// Connection WebSocket 連接
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Hub      *WebSocketHub
	LastPing time.Time

	roomID    string // 由 hub.mu 保護
	send      chan []byte
	limiter   *tokenBucket
	mu        sync.Mutex
	closeOnce sync.Once // 確保 channel 只關閉一次
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(config WebSocketConfig, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		config:      config,
		logger:      logger,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
	}

	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
	}

	return hub
}

// SetHandler 設定入站事件處理端（必須在 ServeWS 之前呼叫）
func (hub *WebSocketHub) SetHandler(handler EventHandler) {
	hub.handler = handler
}

func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	if len(hub.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(hub.config.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS 接受連線並分配連線 ID
//
// 接受連線不會動到任何房間；入座由 join_room 事件完成。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if hub.stopping.Load() {
		http.Error(w, "服務器關閉中", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		ID:       uuid.NewString(),
		Conn:     conn,
		Hub:      hub,
		LastPing: time.Now(),
		send:     make(chan []byte, hub.sendBuffer()),
		limiter:  newTokenBucket(hub.config.MessageRate, hub.config.MessageBurst),
	}

	hub.register(connection)

	go connection.writePump()
	go connection.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn_id", connection.ID,
		"remote_addr", r.RemoteAddr)
}

func (hub *WebSocketHub) sendBuffer() int {
	if hub.config.SendBuffer > 0 {
		return hub.config.SendBuffer
	}
	return 256
}

// register 註冊連接
func (hub *WebSocketHub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[c.ID] = c
}

// unregister 取消註冊連接
func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, exists := hub.connections[c.ID]; exists && actual == c {
		delete(hub.connections, c.ID)
	}
	hub.unbindLocked(c)

	// 使用 sync.Once 確保 channel 只關閉一次
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Send 發送事件給指定連線；連線已關閉時什麼都不做
func (hub *WebSocketHub) Send(connID string, ev Event) {
	message, err := json.Marshal(ev)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", ev.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if c, exists := hub.connections[connID]; exists {
		hub.deliver(c, ev.Type, message)
	}
}

// Broadcast 廣播事件到房間內所有連線（可排除一條）
func (hub *WebSocketHub) Broadcast(roomID string, ev Event, excludeConnID string) {
	message, err := json.Marshal(ev)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", ev.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID, c := range hub.rooms[roomID] {
		if connID == excludeConnID {
			continue
		}
		hub.deliver(c, ev.Type, message)
	}
}

// deliver 非阻塞寫入（需持有讀鎖）
func (hub *WebSocketHub) deliver(c *Connection, eventType string, message []byte) {
	select {
	case c.send <- message:
	default:
		// 慢客戶端不能拖住房間
		hub.logger.Warn("連接緩衝區滿，事件已丟棄",
			"conn_id", c.ID,
			"room_id", c.roomID,
			"event", eventType)
	}
}

// Bind 把連線加入房間索引
func (hub *WebSocketHub) Bind(connID, roomID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	c, exists := hub.connections[connID]
	if !exists {
		return
	}
	hub.unbindLocked(c)

	if hub.rooms[roomID] == nil {
		hub.rooms[roomID] = make(map[string]*Connection)
	}
	hub.rooms[roomID][connID] = c
	c.roomID = roomID
}

// Unbind 把連線移出房間索引
func (hub *WebSocketHub) Unbind(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if c, exists := hub.connections[connID]; exists {
		hub.unbindLocked(c)
	}
}

func (hub *WebSocketHub) unbindLocked(c *Connection) {
	if c.roomID == "" {
		return
	}
	if roomConns, exists := hub.rooms[c.roomID]; exists {
		delete(roomConns, c.ID)
		if len(roomConns) == 0 {
			delete(hub.rooms, c.roomID)
		}
	}
	c.roomID = ""
}

// Stop 停止 WebSocket Hub
//
// 關機造成的斷線不是玩家棄局，因此不交給 EventHandler（不判負）。
func (hub *WebSocketHub) Stop() {
	hub.stopping.Store(true)

	hub.mu.Lock()
	for _, c := range hub.connections {
		// 先關閉 send channel，writePump 會送出 close frame
		c.closeOnce.Do(func() {
			close(c.send)
		})
	}
	hub.connections = make(map[string]*Connection)
	hub.rooms = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// ConnectionCount 存活連線數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// RoomConnections 房間索引內的連線 ID
func (hub *WebSocketHub) RoomConnections(roomID string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	ids := make([]string, 0, len(hub.rooms[roomID]))
	for id := range hub.rooms[roomID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (hub *WebSocketHub) pongWait() time.Duration {
	if hub.config.PongWait > 0 {
		return hub.config.PongWait
	}
	return 60 * time.Second
}

func (hub *WebSocketHub) pingPeriod() time.Duration {
	if hub.config.PingPeriod > 0 {
		return hub.config.PingPeriod
	}
	return hub.pongWait() * 9 / 10
}

func (hub *WebSocketHub) writeWait() time.Duration {
	if hub.config.WriteWait > 0 {
		return hub.config.WriteWait
	}
	return 10 * time.Second
}

// readPump 讀取客戶端消息
//
// 系統設計：心跳機制（讀取端）
//
//  1. 讀取期限 = PongWait（預設 60 秒）
//     - 期限內沒收到任何消息（包括 Pong）就關閉連接
//     - 這是唯一的閒置偵測；房間本身沒有計時器
//
//  2. 關閉處理：
//     - 每條連線的 readPump 只會結束一次 → HandleClose 只會呼叫一次
//     - 同一連線的入站事件都在這個 goroutine 依序處理
func (c *Connection) readPump() {
	defer func() {
		if !c.Hub.stopping.Load() && c.Hub.handler != nil {
			c.Hub.handler.HandleClose(c.ID)
		}
		c.Hub.unregister(c)
		c.Conn.Close()

		c.Hub.logger.Info("WebSocket 連接關閉", "conn_id", c.ID)
	}()

	if c.Hub.config.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	}

	pongWait := c.Hub.pongWait()
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"conn_id", c.ID)
			}
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.Hub.logger.Warn("入站訊息超過速率限制，已丟棄", "conn_id", c.ID)
			continue
		}
		c.handleMessage(message)
	}
}

// writePump 寫入消息到客戶端
//
// 系統設計：心跳機制（發送端）
//   - 每 PingPeriod 發送 Ping（預設為 PongWait 的 90%，54s/60s）
//   - send channel 被關閉時送出 close frame 後結束
//   - 一次喚醒把佇列中的消息一併送出
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.pingPeriod())
	writeWait := c.Hub.writeWait()
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試發送關閉消息，忽略錯誤（連接可能已關閉）
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.Hub.logger.Error("發送消息失敗", "error", err, "conn_id", c.ID)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 解析信封並交給 EventHandler
func (c *Connection) handleMessage(message []byte) {
	ev, err := DecodeEvent(message)
	if err != nil {
		c.Hub.logger.Warn("解析客戶端消息失敗",
			"error", err,
			"conn_id", c.ID)
		return
	}

	if c.Hub.handler == nil {
		return
	}
	c.Hub.handler.HandleEvent(c.ID, ev)
}
