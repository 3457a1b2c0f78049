package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// 對局本身只走 WebSocket；HTTP 只提供唯讀查詢（戰績、房間快照、健康檢查）。
type Handler struct {
	registry *Registry
	stats    StatsReader
	hub      *WebSocketHub
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, stats StatsReader, hub *WebSocketHub, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		stats:    stats,
		hub:      hub,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 戰績查詢
	mux.HandleFunc("GET /api/v1/users/{user_id}/stats", wrap(h.getUserStats))

	// 房間查詢
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.serviceStats))

	// WebSocket 升級不能包 loggerMiddleware（需要原始 ResponseWriter 的 Hijacker）
	if h.hub != nil {
		mux.HandleFunc("GET /ws", h.hub.ServeWS)
	}

	return mux
}

// getUserStats 查詢使用者戰績
func (h *Handler) getUserStats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	stats, err := h.stats.GetStats(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.errorResponse(w, "使用者沒有戰績紀錄", http.StatusNotFound)
			return
		}
		h.logger.Error("查詢戰績失敗", "user_id", userID, "error", err)
		h.errorResponse(w, "查詢戰績失敗", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, stats, http.StatusOK)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	status := RoomStatus(r.URL.Query().Get("status"))
	switch status {
	case "", StatusForming, StatusActive, StatusConcluded:
	default:
		h.errorResponse(w, "無效的房間狀態", http.StatusBadRequest)
		return
	}

	rooms := h.registry.ListRooms(status)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	state, err := h.registry.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}

	h.jsonResponse(w, state, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// serviceStats 統計資訊
func (h *Handler) serviceStats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	if h.hub != nil {
		stats["connections"] = h.hub.ConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
