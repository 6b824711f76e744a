package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/mw-server/internal/events"
)

const (
	// 54 秒送 Ping，60 秒收不到 Pong 視為死連接
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second

	sendBuffer = 64

	// TypeSnapshot 連線建立時推送的目前房間列表
	TypeSnapshot = "snapshot"
)

// Hub 房間事件的 WebSocket 觀察者中心
//
// Hub 同時實現 events.Sink，由事件分派器呼叫 Deliver 推送。
type Hub struct {
	matches  MatchSource
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client 單一 WebSocket 觀察者
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewHub 創建 WebSocket Hub
func NewHub(matches MatchSource, logger *slog.Logger) *Hub {
	return &Hub{
		matches: matches,
		logger:  logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 管理介面僅供內部使用
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS 升級連接並先推送目前房間列表
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	snapshot, err := json.Marshal(events.Event{
		ID:      uuid.New(),
		Type:    TypeSnapshot,
		RoomID:  -1,
		Matches: hub.matches.Matches(),
		Time:    time.Now(),
	})
	if err != nil {
		hub.logger.Error("序列化快照失敗", "error", err)
		conn.Close()
		return
	}
	c.send <- snapshot

	hub.register(c)

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立", "remote_addr", r.RemoteAddr)
}

// Name 實現 events.Sink
func (hub *Hub) Name() string { return "websocket" }

// Deliver 實現 events.Sink，緩衝區滿的觀察者會被斷開
func (hub *Hub) Deliver(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var slow []*client
	hub.mu.RLock()
	for c := range hub.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	hub.mu.RUnlock()

	for _, c := range slow {
		hub.logger.Warn("WebSocket 客戶端過慢，斷開連接",
			"remote_addr", c.conn.RemoteAddr().String())
		hub.unregister(c)
		c.conn.Close()
	}
	return nil
}

// Count 目前的觀察者數量
func (hub *Hub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Stop 關閉所有觀察者
func (hub *Hub) Stop() {
	hub.mu.Lock()
	for c := range hub.clients {
		c.closeOnce.Do(func() { close(c.send) })
		c.conn.Close()
	}
	hub.clients = make(map[*client]struct{})
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

func (hub *Hub) register(c *client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.clients[c] = struct{}{}
}

func (hub *Hub) unregister(c *client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, ok := hub.clients[c]; ok {
		delete(hub.clients, c)
		c.closeOnce.Do(func() { close(c.send) })
	}
}

// readPump 觀察者只讀不寫，讀取用於偵測斷線與處理 Pong
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}
	}
}

// writePump 依序寫出事件並定期 Ping
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub 關閉了通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("發送消息失敗", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
