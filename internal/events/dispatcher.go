// Package events 將房間表變更推送到外部訂閱者
//
// 協調器透過 Observer 同步呼叫 MatchChanged，這裡只做非阻塞入隊；
// 實際投遞由獨立 goroutine 完成，外部系統變慢時丟棄事件而不拖慢協調器。
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/mw-server/internal/coordinator"
)

// Event 對外發布的房間事件
type Event struct {
	ID        uuid.UUID           `json:"id"`
	Type      string              `json:"type"`
	RoomID    int32               `json:"room_id"`
	SessionID int32               `json:"session_id"`
	Matches   []coordinator.Match `json:"matches"`
	Time      time.Time           `json:"time"`
}

// FromChange 由房間表變更建立事件
func FromChange(c coordinator.Change) Event {
	matches := c.Matches
	if matches == nil {
		matches = []coordinator.Match{}
	}
	return Event{
		ID:        uuid.New(),
		Type:      string(c.Kind),
		RoomID:    c.RoomID,
		SessionID: c.SessionID,
		Matches:   matches,
		Time:      time.Now(),
	}
}

// Sink 事件接收端
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Stats 投遞統計
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

const deliverTimeout = 2 * time.Second

// Dispatcher 事件分派器
type Dispatcher struct {
	logger *slog.Logger
	queue  chan Event

	mu    sync.RWMutex
	sinks []Sink

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher 創建分派器
func NewDispatcher(bufferSize int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Dispatcher{
		logger: logger.With("component", "events"),
		queue:  make(chan Event, bufferSize),
		sinks:  sinks,
	}
}

// AddSink 註冊接收端
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// MatchChanged 實現 coordinator.Observer
func (d *Dispatcher) MatchChanged(c coordinator.Change) {
	d.Publish(FromChange(c))
}

// Publish 非阻塞入隊，緩衝區滿時丟棄
func (d *Dispatcher) Publish(ev Event) bool {
	select {
	case d.queue <- ev:
		d.published.Add(1)
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("事件緩衝區滿，丟棄事件",
			"type", ev.Type,
			"room_id", ev.RoomID)
		return false
	}
}

// Run 投遞事件直到 ctx 取消，取消後送完已入隊的事件
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev Event) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(parent, deliverTimeout)
		err := s.Deliver(ctx, ev)
		cancel()

		if err != nil {
			d.failed.Add(1)
			d.logger.Warn("事件投遞失敗",
				"sink", s.Name(),
				"type", ev.Type,
				"event_id", ev.ID.String(),
				"error", err)
			continue
		}
		d.delivered.Add(1)
	}
}

// Stats 返回統計資訊
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
		Pending:   len(d.queue),
	}
}
