// Package coordinator 房間表的唯一擁有者
//
// 所有改變房間成員或生命週期的操作都以 Intent 送入單一佇列，
// 由一個 goroutine 依序處理，因此房間表的變更是線性化的。
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/mw-server/internal/registry"
	apperrors "github.com/koopa0/system-design/mw-server/pkg/errors"
)

// Directory 協調器對會話註冊表的需求
type Directory interface {
	Find(id int32) (registry.Info, bool)
	Update(id int32, mutate func(s *registry.Session)) bool
	Remove(id int32) (registry.Info, bool)
	Peers(ids []int32) []registry.Peer
	SendSnapshot(peers []registry.Peer, payload []byte) []registry.SendError
}

// Match 房間
type Match struct {
	ID      int32   `json:"id"`
	OwnerID int32   `json:"owner_id"`
	Name    string  `json:"name"`
	Members []int32 `json:"members"` // 加入順序
	Started bool    `json:"started"`
	Map     string  `json:"map,omitempty"`
}

func (m *Match) clone() Match {
	cp := *m
	cp.Members = slices.Clone(m.Members)
	return cp
}

// Policy 可選的強化策略，預設全部關閉
type Policy struct {
	AutoDeleteEmpty  bool `json:"auto_delete_empty"`
	NotifyDisconnect bool `json:"notify_disconnect"`
	EnforceOwner     bool `json:"enforce_owner"`
}

// Options 協調器配置
type Options struct {
	QueueSize    int
	PollInterval time.Duration
	Policy       Policy
	Observer     Observer
}

// Coordinator 房間協調器
type Coordinator struct {
	dir      Directory
	opts     Options
	observer Observer
	logger   *slog.Logger

	intents chan Intent
	stopped chan struct{}
	once    sync.Once

	// 只有 Run goroutine 寫入；mu 保護其他 goroutine 的讀取
	mu          sync.RWMutex
	matches     map[int32]*Match
	order       []int32
	subscribers []int32
	nextID      int32

	heartbeat atomic.Int64
	processed atomic.Uint64
}

// New 創建協調器
func New(dir Directory, opts Options, logger *slog.Logger) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}

	c := &Coordinator{
		dir:      dir,
		opts:     opts,
		observer: opts.Observer,
		logger:   logger.With("component", "coordinator"),
		intents:  make(chan Intent, opts.QueueSize),
		stopped:  make(chan struct{}),
		matches:  make(map[int32]*Match),
		nextID:   1,
	}
	c.heartbeat.Store(time.Now().UnixNano())
	return c
}

// Run 處理意圖直到 ctx 取消
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.stopped) })

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	c.logger.Info("協調器已啟動",
		"queue_size", c.opts.QueueSize,
		"poll_interval", c.opts.PollInterval,
		"auto_delete_empty", c.opts.Policy.AutoDeleteEmpty,
		"notify_disconnect", c.opts.Policy.NotifyDisconnect,
		"enforce_owner", c.opts.Policy.EnforceOwner)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("協調器已停止",
				"processed", c.processed.Load(),
				"pending", len(c.intents))
			return nil
		case in := <-c.intents:
			c.handle(in)
			c.processed.Add(1)
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// Submit 送出意圖，協調器停止後返回 ErrCoordinatorStopped
func (c *Coordinator) Submit(in Intent) error {
	select {
	case <-c.stopped:
		return apperrors.ErrCoordinatorStopped
	default:
	}

	select {
	case c.intents <- in:
		return nil
	case <-c.stopped:
		return apperrors.ErrCoordinatorStopped
	}
}

// Sync 等待之前送出的意圖全部處理完
func (c *Coordinator) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := c.Submit(Ping{Done: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-c.stopped:
		return apperrors.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 協調器停止時關閉
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Matches 返回房間表副本（依創建順序）
func (c *Coordinator) Matches() []Match {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Members 返回房間成員副本（加入順序）
func (c *Coordinator) Members(room int32) ([]int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.matches[room]
	if !ok {
		return nil, false
	}
	return slices.Clone(m.Members), true
}

// Subscribers 返回訂閱房間列表的會話 ID
func (c *Coordinator) Subscribers() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.subscribers)
}

// Stats 返回統計資訊
func (c *Coordinator) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	started, players := 0, 0
	for _, m := range c.matches {
		players += len(m.Members)
		if m.Started {
			started++
		}
	}

	return map[string]any{
		"total_matches":   len(c.matches),
		"started_matches": started,
		"total_players":   players,
		"subscribers":     len(c.subscribers),
		"processed":       c.processed.Load(),
		"pending":         len(c.intents),
	}
}

// LastHeartbeat 最近一次輪詢時間
func (c *Coordinator) LastHeartbeat() time.Time {
	return time.Unix(0, c.heartbeat.Load())
}

// tick 週期性工作
func (c *Coordinator) tick(now time.Time) {
	c.heartbeat.Store(now.UnixNano())
}

func (c *Coordinator) handle(in Intent) {
	switch in := in.(type) {
	case ListMatches:
		c.listMatches(in)
	case Unsubscribe:
		c.unsubscribe(in)
	case CreateMatch:
		c.createMatch(in)
	case JoinMatch:
		c.joinMatch(in)
	case DeleteMatch:
		c.deleteMatch(in)
	case LeaveMatch:
		c.leaveMatch(in)
	case StartMatch:
		c.startMatch(in)
	case Disconnected:
		c.disconnected(in)
	case Ping:
		if in.Done != nil {
			close(in.Done)
		}
	default:
		c.logger.Error("收到未知意圖", "type", fmt.Sprintf("%T", in))
	}
}

// snapshotLocked 呼叫者需持有 mu
func (c *Coordinator) snapshotLocked() []Match {
	out := make([]Match, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.matches[id].clone())
	}
	return out
}

func (c *Coordinator) notify(kind ChangeKind, room, session int32) {
	if c.observer == nil {
		return
	}
	c.observer.MatchChanged(Change{
		Kind:      kind,
		RoomID:    room,
		SessionID: session,
		Matches:   c.Matches(),
	})
}
