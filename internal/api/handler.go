// Package api 管理用 HTTP 與 WebSocket 介面
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/system-design/mw-server/internal/coordinator"
	"github.com/koopa0/system-design/mw-server/internal/events"
	"github.com/koopa0/system-design/mw-server/internal/registry"
	"github.com/koopa0/system-design/mw-server/internal/relay"
	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
)

// 協調器心跳超過此時間未更新視為不健康
const heartbeatTimeout = 5 * time.Second

// MatchSource 房間表的唯讀視圖
type MatchSource interface {
	Matches() []coordinator.Match
	Stats() map[string]any
	LastHeartbeat() time.Time
}

// SessionSource 會話註冊表的唯讀視圖
type SessionSource interface {
	Sessions() []registry.Info
	Len() int
}

// RelayStats UDP 轉發統計
type RelayStats interface {
	Stats() relay.Stats
}

// EventStats 事件投遞統計
type EventStats interface {
	Stats() events.Stats
}

// Sources 處理器的資料來源，Relay 與 Events 可為 nil
type Sources struct {
	Matches  MatchSource
	Sessions SessionSource
	Relay    RelayStats
	Events   EventStats
}

// Handler HTTP 請求處理器
type Handler struct {
	src    Sources
	hub    *Hub
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器，hub 為 nil 時不提供 WebSocket
func NewHandler(src Sources, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		src:    src,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/matches", wrap(h.listMatches))
	mux.HandleFunc("GET /api/matches/{room_id}", wrap(h.getMatch))
	mux.HandleFunc("GET /api/sessions", wrap(h.listSessions))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	// 升級需要原始 ResponseWriter（Hijacker），不經過日誌包裝
	if h.hub != nil {
		mux.HandleFunc("GET /ws/matches", h.recoverer(h.hub.ServeWS))
	}

	return mux
}

// listMatches 房間列表（包含已開始的房間）
func (h *Handler) listMatches(w http.ResponseWriter, r *http.Request) {
	matches := h.src.Matches.Matches()
	h.jsonResponse(w, map[string]any{
		"matches": matches,
		"total":   len(matches),
	}, http.StatusOK)
}

// getMatch 單一房間詳情
func (h *Handler) getMatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("room_id"), 10, 32)
	if err != nil {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid room id").WithDetails("room_id must be an integer"), http.StatusBadRequest)
		return
	}

	for _, m := range h.src.Matches.Matches() {
		if m.ID == int32(id) {
			h.jsonResponse(w, m, http.StatusOK)
			return
		}
	}
	h.errorResponse(w, apperrors.ErrMatchNotFound, http.StatusNotFound)
}

// listSessions 已連線的會話
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.src.Sessions.Sessions()
	h.jsonResponse(w, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	beat := h.src.Matches.LastHeartbeat()
	if time.Since(beat) > heartbeatTimeout {
		h.jsonResponse(w, map[string]any{
			"status":         "unhealthy",
			"last_heartbeat": beat.Unix(),
		}, http.StatusServiceUnavailable)
		return
	}

	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"sessions":    h.src.Sessions.Len(),
		"coordinator": h.src.Matches.Stats(),
	}
	if h.src.Relay != nil {
		stats["relay"] = h.src.Relay.Stats()
	}
	if h.src.Events != nil {
		stats["events"] = h.src.Events.Stats()
	}
	if h.hub != nil {
		stats["websocket_clients"] = h.hub.Count()
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
func (h *Handler) errorResponse(w http.ResponseWriter, err *apperrors.AppError, status int) {
	body := map[string]any{
		"error": err.Message,
		"code":  err.Code,
	}
	if err.Details != "" {
		body["details"] = err.Details
	}
	h.jsonResponse(w, body, status)
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

				h.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"), http.StatusInternalServerError)
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
