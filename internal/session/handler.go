// Package session 每條 TCP 連線的協議狀態機
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/koopa0/system-design/mw-server/internal/coordinator"
	"github.com/koopa0/system-design/mw-server/internal/protocol"
	"github.com/koopa0/system-design/mw-server/internal/registry"
	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
	"github.com/koopa0/system-design/mw-server/pkg/logger"
)

// Coordinator 會話處理器對協調器的需求
type Coordinator interface {
	Submit(in coordinator.Intent) error
	Members(room int32) ([]int32, bool)
}

// Config 會話配置
type Config struct {
	MaxFrameSize  int
	DropMalformed bool // true 時丟棄無法解碼的訊息並保持連線
}

// Handler 單一連線的處理器
type Handler struct {
	id     int32
	conn   net.Conn
	reg    *registry.Registry
	coord  Coordinator
	cfg    Config
	state  State
	logger *slog.Logger
	logCtx context.Context
}

// New 創建處理器，會話需已加入註冊表
func New(id int32, conn net.Conn, reg *registry.Registry, coord Coordinator, cfg Config, log *slog.Logger) *Handler {
	logCtx := logger.WithSession(context.Background(), id)
	if conn != nil && conn.RemoteAddr() != nil {
		logCtx = logger.WithRemoteAddr(logCtx, conn.RemoteAddr().String())
	}

	return &Handler{
		id:     id,
		conn:   conn,
		reg:    reg,
		coord:  coord,
		cfg:    cfg,
		state:  Menu,
		logger: log.With("component", "session"),
		logCtx: logCtx,
	}
}

// ID 會話 ID
func (h *Handler) ID() int32 {
	return h.id
}

// State 目前狀態（只能在處理 goroutine 中呼叫）
func (h *Handler) State() State {
	return h.state
}

// Serve 讀取並處理訊息直到斷線或 ctx 取消
//
// 結束時一律通知協調器並關閉連線。
func (h *Handler) Serve(ctx context.Context) error {
	defer h.disconnect()

	fr := protocol.NewFrameReader(h.conn, h.cfg.MaxFrameSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := fr.ReadFrame()
		if err != nil {
			if apperrors.IsDisconnected(err) {
				h.logger.DebugContext(h.logCtx, "client disconnected", "error", err)
				return nil
			}
			h.logger.WarnContext(h.logCtx, "read frame failed", "error", err)
			return err
		}

		if err := h.HandleFrame(frame); err != nil {
			if apperrors.IsMalformed(err) && h.cfg.DropMalformed {
				h.logger.WarnContext(h.logCtx, "dropping malformed message",
					"state", h.state.String(),
					"size", len(frame.Payload),
					"error", err)
				continue
			}
			h.logger.WarnContext(h.logCtx, "closing session", "state", h.state.String(), "error", err)
			return err
		}
	}
}

// HandleFrame 依狀態處理一個訊息框
func (h *Handler) HandleFrame(frame protocol.Frame) error {
	msg, err := frame.Decode()
	if err != nil {
		return err
	}

	if h.state == MatchClient {
		if info, ok := h.reg.Find(h.id); ok && info.InGame {
			h.transition(InGame)
		}
	}

	switch h.state {
	case Menu:
		return h.onMenu(msg)
	case MatchClient:
		return h.onMatchClient(frame, msg)
	case MatchHost:
		return h.onMatchHost(frame, msg)
	default:
		h.relay(frame)
		return nil
	}
}

func (h *Handler) onMenu(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.LoginRequest:
		h.reg.Update(h.id, func(s *registry.Session) { s.Name = m.Name })
		if err := h.reg.SendTo(h.id, protocol.EncodeFrame(protocol.Login{ID: h.id, Name: m.Name})); err != nil {
			h.logger.WarnContext(h.logCtx, "login reply failed", "error", err)
		}
		h.logger.InfoContext(h.logCtx, "client logged in", "name", m.Name)
		return nil
	case protocol.ListMatches:
		return h.submit(coordinator.ListMatches{SessionID: h.id})
	case protocol.RemoveFromListMatches:
		return h.submit(coordinator.Unsubscribe{SessionID: h.id})
	case protocol.JoinMatch:
		if err := h.submit(coordinator.JoinMatch{SessionID: h.id, RoomID: m.RoomID}); err != nil {
			return err
		}
		h.transition(MatchClient)
		return nil
	case protocol.NewMatch:
		if err := h.submit(coordinator.CreateMatch{SessionID: h.id, Name: m.RoomName}); err != nil {
			return err
		}
		h.transition(MatchHost)
		return nil
	default:
		h.logger.DebugContext(h.logCtx, "ignoring message in menu", "message", msg.Tag().String())
		return nil
	}
}

func (h *Handler) onMatchClient(frame protocol.Frame, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.LeaveMatch:
		if err := h.submit(coordinator.LeaveMatch{SessionID: h.id, RoomID: m.RoomID}); err != nil {
			return err
		}
		h.transition(Menu)
		return nil
	case protocol.RemoteObjectCall:
		if !m.Broadcast {
			h.unicast(m.ID, frame)
			return nil
		}
	}

	h.relay(frame)
	return nil
}

func (h *Handler) onMatchHost(frame protocol.Frame, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.StartMatch:
		return h.submit(coordinator.StartMatch{SessionID: h.id, RoomID: m.RoomID, Map: m.Map})
	case protocol.DeleteMatch:
		if err := h.submit(coordinator.DeleteMatch{SessionID: h.id, RoomID: m.RoomID}); err != nil {
			return err
		}
		h.transition(Menu)
		return nil
	case protocol.SpawnPlayers:
		h.spawnPlayers(m)
		return nil
	case protocol.RemoteObjectCall:
		if !m.Broadcast {
			h.unicast(m.ID, frame)
			return nil
		}
	}

	h.relay(frame)
	return nil
}

// spawnPlayers 依加入順序輪流分配出生點（位置不足時循環使用）
func (h *Handler) spawnPlayers(m protocol.SpawnPlayers) {
	if len(m.Positions) == 0 {
		h.logger.WarnContext(h.logCtx, "spawn players without positions", "room_id", m.RoomID)
		return
	}

	members, ok := h.coord.Members(m.RoomID)
	if !ok {
		h.logger.WarnContext(h.logCtx, "spawn players for nonexistent match", "room_id", m.RoomID)
		return
	}

	peers := h.reg.Peers(members)
	for i, p := range peers {
		spawn := protocol.Spawn{Position: m.Positions[i%len(m.Positions)]}
		h.reg.SendSnapshot([]registry.Peer{p}, protocol.EncodeFrame(spawn))
	}

	h.logger.InfoContext(h.logCtx, "players spawned",
		"room_id", m.RoomID,
		"players", len(peers),
		"positions", len(m.Positions))
}

// relay 原樣轉發給同房間的其他成員
func (h *Handler) relay(frame protocol.Frame) {
	info, ok := h.reg.Find(h.id)
	if !ok || info.RoomID == registry.NoRoom {
		h.logger.DebugContext(h.logCtx, "relay without room dropped", "state", h.state.String())
		return
	}

	peers := h.reg.RoomPeers(info.RoomID, h.id)
	h.reg.SendSnapshot(peers, frame.Raw)
}

func (h *Handler) unicast(target int32, frame protocol.Frame) {
	if err := h.reg.SendTo(target, frame.Raw); err != nil {
		h.logger.WarnContext(h.logCtx, "unicast failed", "target_id", target, "error", err)
	}
}

func (h *Handler) submit(in coordinator.Intent) error {
	if err := h.coord.Submit(in); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "submit intent")
	}
	return nil
}

func (h *Handler) transition(to State) {
	if h.state == to {
		return
	}
	h.logger.DebugContext(h.logCtx, "state changed", "from", h.state.String(), "to", to.String())
	h.state = to
}

// disconnect 標記離線、通知協調器並關閉連線
func (h *Handler) disconnect() {
	h.reg.Update(h.id, func(s *registry.Session) { s.Alive = false })

	if err := h.coord.Submit(coordinator.Disconnected{SessionID: h.id}); err != nil {
		if !errors.Is(err, apperrors.ErrCoordinatorStopped) {
			h.logger.WarnContext(h.logCtx, "disconnect intent failed", "error", err)
		}
		// 協調器已停止時直接清理
		h.reg.Remove(h.id)
	}

	if err := h.conn.Close(); err != nil {
		h.logger.DebugContext(h.logCtx, "close connection", "error", err)
	}
}
