// Package registry 已連線會話的並發註冊表
//
// 所有讀取只回傳副本；對其他客戶端的寫入一律在快照上進行，
// 不在持有鎖時做阻塞 I/O。
package registry

import (
	"cmp"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
)

// NoRoom 未加入任何房間
const NoRoom int32 = -1

// Session 一個 TCP 客戶端的伺服器端狀態
type Session struct {
	ID     int32
	Name   string
	RoomID int32
	Conn   net.Conn
	Alive  bool
	InGame bool // 所在房間已開始，由協調器設定
}

// Info 會話資訊副本（不含連線）
type Info struct {
	ID         int32  `json:"id"`
	Name       string `json:"name"`
	RoomID     int32  `json:"room_id"`
	Alive      bool   `json:"alive"`
	InGame     bool   `json:"in_game"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// Peer 快照中的一個收件者
type Peer struct {
	ID   int32
	Name string
	Conn net.Conn
}

// SendError 單一收件者的寫入失敗
type SendError struct {
	PeerID int32
	Err    error
}

func (e SendError) Error() string {
	return fmt.Sprintf("send to session %d: %v", e.PeerID, e.Err)
}

// Registry 會話註冊表
type Registry struct {
	sessions     map[int32]*Session
	mu           sync.RWMutex
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New 創建註冊表，writeTimeout 為每次寫入的期限（0 表示不設）
func New(writeTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:     make(map[int32]*Session),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "registry"),
	}
}

// Add 加入會話，ID 重複時返回錯誤
func (r *Registry) Add(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "duplicate session id").
			WithDetails(fmt.Sprint(s.ID))
	}
	cp := s
	r.sessions[s.ID] = &cp
	return nil
}

// Remove 移除會話並返回其最後狀態
func (r *Registry) Remove(id int32) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	delete(r.sessions, id)
	return s.info(), true
}

// Find 查詢會話
func (r *Registry) Find(id int32) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Update 在寫鎖內修改會話欄位（mutator 不得做 I/O）
func (r *Registry) Update(id int32, mutate func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	mutate(s)
	return true
}

// Snapshot 返回符合條件的收件者副本（依 ID 排序）
func (r *Registry) Snapshot(match func(Info) bool) []Peer {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.sessions))
	for _, s := range r.sessions {
		if match == nil || match(s.info()) {
			peers = append(peers, Peer{ID: s.ID, Name: s.Name, Conn: s.Conn})
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(peers, func(a, b Peer) int { return cmp.Compare(a.ID, b.ID) })
	return peers
}

// Sessions 返回所有會話資訊（依 ID 排序）
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.info())
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Peers 依給定順序解析收件者，不存在的 ID 會被略過
func (r *Registry) Peers(ids []int32) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			peers = append(peers, Peer{ID: s.ID, Name: s.Name, Conn: s.Conn})
		}
	}
	return peers
}

// RoomPeers 返回房間內除 except 以外的存活成員
func (r *Registry) RoomPeers(room, except int32) []Peer {
	return r.Snapshot(func(s Info) bool {
		return s.Alive && s.RoomID == room && s.ID != except
	})
}

// Len 會話數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendSnapshot 在鎖外對快照中的每個收件者寫入 payload
//
// 單一收件者失敗只記錄，不影響其他收件者。
func (r *Registry) SendSnapshot(peers []Peer, payload []byte) []SendError {
	var failed []SendError
	for _, p := range peers {
		if err := r.write(p.Conn, payload); err != nil {
			r.logger.Warn("發送失敗",
				"session_id", p.ID,
				"name", p.Name,
				"error", err)
			failed = append(failed, SendError{PeerID: p.ID, Err: err})
		}
	}
	return failed
}

// SendTo 對單一會話寫入 payload
func (r *Registry) SendTo(id int32, payload []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	var conn net.Conn
	if ok {
		conn = s.Conn
	}
	r.mu.RUnlock()

	if !ok {
		return apperrors.ErrSessionNotFound.WithDetails(fmt.Sprint(id))
	}
	return r.write(conn, payload)
}

// CloseAll 關閉所有連線，喚醒阻塞中的讀取
func (r *Registry) CloseAll() {
	peers := r.Snapshot(nil)
	for _, p := range peers {
		if p.Conn == nil {
			continue
		}
		if err := p.Conn.Close(); err != nil {
			r.logger.Debug("關閉連線失敗", "session_id", p.ID, "error", err)
		}
	}
	r.logger.Info("已關閉所有會話", "count", len(peers))
}

// write 以單次 Write 送出整個 payload，避免並發寫入交錯
//
// 寫入失敗（含逾時）即關閉連線：半個訊框之後的資料無法再對齊長度前綴，
// 該會話的處理器會讀取失敗並回報斷線。
func (r *Registry) write(conn net.Conn, payload []byte) error {
	if conn == nil {
		return apperrors.New(apperrors.ErrCodeDisconnected, "session has no connection")
	}
	if r.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
			r.closeBroken(conn, err)
			return err
		}
	}
	if _, err := conn.Write(payload); err != nil {
		r.closeBroken(conn, err)
		return err
	}
	return nil
}

func (r *Registry) closeBroken(conn net.Conn, cause error) {
	if err := conn.Close(); err != nil {
		r.logger.Debug("關閉損壞連線失敗", "error", err, "cause", cause)
		return
	}
	r.logger.Warn("寫入失敗，已關閉連線", "error", cause)
}

func (s *Session) info() Info {
	info := Info{
		ID:     s.ID,
		Name:   s.Name,
		RoomID: s.RoomID,
		Alive:  s.Alive,
		InGame: s.InGame,
	}
	if s.Conn != nil && s.Conn.RemoteAddr() != nil {
		info.RemoteAddr = s.Conn.RemoteAddr().String()
	}
	return info
}
