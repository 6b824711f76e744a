// Package relay UDP 低延遲轉發
//
// 單一接收迴圈負責分流：未知來源只接受 JoinMatch 握手，
// 已快取的來源直接以房間標記放入工作佇列，不再解碼。
// 固定數量的 worker 負責對同房間其他成員寫入。
//
// 房間快取與協調器的房間表互相獨立，且永不清除；
// 離開或刪除房間後，舊地址仍會收到該房間的流量直到程序重啟。
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/mw-server/internal/protocol"
)

// Config 轉發器配置
type Config struct {
	Workers      int
	QueueSize    int
	BufferSize   int
	PollInterval time.Duration // 讀取期限，同時是無資料時的退避間隔
	PingBurst    int           // 握手後回覆的 Ping 數量
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    4096,
		BufferSize:   2048,
		PollInterval: 2 * time.Millisecond,
		PingBurst:    3,
	}
}

// Stats 轉發統計
type Stats struct {
	Peers      int    `json:"peers"`
	Rooms      int    `json:"rooms"`
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Dropped    uint64 `json:"dropped"` // Rejected + QueueDrops
	Rejected   uint64 `json:"rejected"`
	QueueDrops uint64 `json:"queue_drops"`
	SendErrors uint64 `json:"send_errors"`
	QueueDepth int    `json:"queue_depth"`
}

type datagram struct {
	room int32
	src  netip.AddrPort
	data []byte
}

// Relay UDP 轉發器
type Relay struct {
	conn   *net.UDPConn
	cfg    Config
	logger *slog.Logger

	// 只由接收迴圈讀寫
	cache map[netip.AddrPort]int32

	// 接收迴圈寫入，worker 讀取
	mu    sync.RWMutex
	rooms map[int32][]netip.AddrPort
	peers atomic.Int64

	queue     chan datagram
	wg        sync.WaitGroup
	closeOnce sync.Once

	received   atomic.Uint64
	forwarded  atomic.Uint64
	rejected   atomic.Uint64 // 握手階段丟棄
	queueDrops atomic.Uint64 // 佇列滿丟棄
	sendErrors atomic.Uint64
}

// Listen 綁定 UDP 地址並創建轉發器
func Listen(addr string, cfg Config, logger *slog.Logger) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return New(conn, cfg, logger), nil
}

// New 以既有連線創建轉發器，轉發器擁有該連線
func New(conn *net.UDPConn, cfg Config, logger *slog.Logger) *Relay {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PingBurst <= 0 {
		cfg.PingBurst = def.PingBurst
	}

	return &Relay{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		cache:  make(map[netip.AddrPort]int32),
		rooms:  make(map[int32][]netip.AddrPort),
		queue:  make(chan datagram, cfg.QueueSize),
	}
}

// Addr 本地地址
func (r *Relay) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run 啟動 worker 並執行接收迴圈，直到 ctx 取消
//
// 返回前會等待所有 worker 結束並關閉連線。
func (r *Relay) Run(ctx context.Context) error {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.logger.Info("UDP 轉發器已啟動",
		"addr", r.conn.LocalAddr().String(),
		"workers", r.cfg.Workers)

	err := r.receive(ctx)

	close(r.queue)
	r.wg.Wait()
	r.Close()

	r.logger.Info("UDP 轉發器已停止",
		"received", r.received.Load(),
		"forwarded", r.forwarded.Load(),
		"rejected", r.rejected.Load(),
		"queue_drops", r.queueDrops.Load())
	return err
}

// Close 關閉連線（可重複呼叫）
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.conn.Close() })
	return err
}

// Stats 返回統計資訊
func (r *Relay) Stats() Stats {
	r.mu.RLock()
	rooms := len(r.rooms)
	r.mu.RUnlock()

	return Stats{
		Peers:      int(r.peers.Load()),
		Rooms:      rooms,
		Received:   r.received.Load(),
		Forwarded:  r.forwarded.Load(),
		Dropped:    r.rejected.Load() + r.queueDrops.Load(),
		Rejected:   r.rejected.Load(),
		QueueDrops: r.queueDrops.Load(),
		SendErrors: r.sendErrors.Load(),
		QueueDepth: len(r.queue),
	}
}

// Room 返回房間內已登記的地址副本
func (r *Relay) Room(room int32) []netip.AddrPort {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.rooms[room])
}

func (r *Relay) receive(ctx context.Context) error {
	buf := make([]byte, r.cfg.BufferSize)

	for ctx.Err() == nil {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		n, src, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				r.logger.Warn("UDP 讀取失敗", "error", err)
				continue
			}
		}
		r.received.Add(1)
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

		if room, ok := r.cache[src]; ok {
			r.enqueue(datagram{room: room, src: src, data: slices.Clone(buf[:n])})
			continue
		}

		r.handshake(src, buf[:n])
	}
	return nil
}

// handshake 處理未知來源的資料報，只接受 JoinMatch
func (r *Relay) handshake(src netip.AddrPort, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn("無法解碼未登記來源的資料報",
			"remote_addr", src.String(),
			"size", len(data),
			"error", err)
		return
	}

	join, ok := msg.(protocol.JoinMatch)
	if !ok {
		r.rejected.Add(1)
		r.logger.Warn("丟棄未登記來源的資料報",
			"remote_addr", src.String(),
			"message", msg.Tag().String())
		return
	}

	r.cache[src] = join.RoomID
	r.mu.Lock()
	r.rooms[join.RoomID] = append(r.rooms[join.RoomID], src)
	r.mu.Unlock()
	r.peers.Add(1)

	r.logger.Info("UDP 客戶端已登記", "remote_addr", src.String(), "room_id", join.RoomID)

	// 不可靠通道，重複送出以容忍遺失
	ping := protocol.Encode(protocol.Ping{})
	for i := 0; i < r.cfg.PingBurst; i++ {
		if _, err := r.conn.WriteToUDPAddrPort(ping, src); err != nil {
			r.logger.Warn("握手 Ping 發送失敗", "remote_addr", src.String(), "error", err)
		}
	}
}

const queueFullMsg = "轉發佇列已滿，丟棄資料報"

// enqueue 佇列滿時丟棄，接收迴圈不阻塞
func (r *Relay) enqueue(d datagram) {
	select {
	case r.queue <- d:
	default:
		if n := r.queueDrops.Add(1); n%1000 == 1 {
			r.logger.Warn(queueFullMsg,
				"room_id", d.room,
				"queue_drops", n)
		}
	}
}

func (r *Relay) worker(id int) {
	defer r.wg.Done()

	for d := range r.queue {
		r.mu.RLock()
		targets := slices.Clone(r.rooms[d.room])
		r.mu.RUnlock()

		for _, addr := range targets {
			if addr == d.src {
				continue
			}
			if _, err := r.conn.WriteToUDPAddrPort(d.data, addr); err != nil {
				r.sendErrors.Add(1)
				r.logger.Warn("UDP 發送失敗",
					"worker", id,
					"remote_addr", addr.String(),
					"room_id", d.room,
					"error", err)
				continue
			}
			r.forwarded.Add(1)
		}
	}
}
