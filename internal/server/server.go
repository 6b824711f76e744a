// Package server 組裝並管理整個服務的生命週期
//
// 關閉順序：停止接受連線 → 關閉所有會話連線 → 等待處理器結束（斷線意圖仍由
// 協調器處理）→ 停止協調器 → 停止 UDP 轉發 → 停止 HTTP → 送完剩餘事件。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/mw-server/internal/api"
	"github.com/koopa0/system-design/mw-server/internal/config"
	"github.com/koopa0/system-design/mw-server/internal/coordinator"
	"github.com/koopa0/system-design/mw-server/internal/events"
	"github.com/koopa0/system-design/mw-server/internal/registry"
	"github.com/koopa0/system-design/mw-server/internal/relay"
	"github.com/koopa0/system-design/mw-server/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Server 多人連線服務器
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	reg        *registry.Registry
	coord      *coordinator.Coordinator
	dispatcher *events.Dispatcher
	relay      *relay.Relay
	hub        *api.Hub

	tcp    net.Listener
	httpLn net.Listener
	http   *http.Server

	nc        *nats.Conn
	rdb       *redis.Client
	redisSink *events.RedisSink

	nextID   atomic.Int32
	handlers sync.WaitGroup
}

// New 綁定所有監聽地址並組裝元件
//
// 任何綁定失敗都會釋放已取得的資源並返回錯誤。
func New(cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	s.reg = registry.New(cfg.Session.WriteTimeout, logger)
	s.dispatcher = events.NewDispatcher(cfg.Events.BufferSize, logger)
	s.coord = coordinator.New(s.reg, coordinator.Options{
		QueueSize:    cfg.Coordinator.QueueSize,
		PollInterval: cfg.Coordinator.PollInterval,
		Policy:       coordinator.Policy(cfg.Coordinator.Policy),
		Observer:     s.dispatcher,
	}, logger)

	if err = s.connectSinks(); err != nil {
		return nil, err
	}

	s.tcp, err = net.Listen("tcp", cfg.Server.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.Server.TCPAddr, err)
	}

	s.relay, err = relay.Listen(cfg.Server.UDPAddr, relay.Config{
		Workers:      cfg.Relay.Workers,
		QueueSize:    cfg.Relay.QueueSize,
		BufferSize:   cfg.Relay.BufferSize,
		PollInterval: cfg.Relay.PollInterval,
		PingBurst:    cfg.Relay.PingBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.Server.UDPAddr, err)
	}

	if cfg.HTTP.Addr != "" {
		s.httpLn, err = net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
		}

		s.hub = api.NewHub(s.coord, logger)
		s.dispatcher.AddSink(s.hub)

		handler := api.NewHandler(api.Sources{
			Matches:  s.coord,
			Sessions: s.reg,
			Relay:    s.relay,
			Events:   s.dispatcher,
		}, s.hub, logger)

		s.http = &http.Server{
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
	}

	return s, nil
}

// connectSinks 依配置啟用 NATS 與 Redis
func (s *Server) connectSinks() error {
	if s.cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(s.cfg.NATS.URL, s.logger)
		if err != nil {
			return err
		}
		s.nc = nc
		s.dispatcher.AddSink(events.NewNATSSink(nc, s.cfg.NATS.SubjectPrefix))
		s.logger.Info("已啟用 NATS 事件輸出", "url", s.cfg.NATS.URL, "prefix", s.cfg.NATS.SubjectPrefix)
	}

	if s.cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			// 客戶端會自動重連，不阻止啟動
			s.logger.Warn("Redis 暫時無法連線", "addr", s.cfg.Redis.Addr, "error", err)
		}

		s.redisSink = events.NewRedisSink(s.rdb, s.cfg.Redis.Key, s.cfg.Redis.Channel, s.cfg.Redis.TTL)
		s.dispatcher.AddSink(s.redisSink)
		s.logger.Info("已啟用 Redis 事件輸出", "addr", s.cfg.Redis.Addr, "key", s.cfg.Redis.Key)
	}
	return nil
}

// TCPAddr TCP 監聽地址
func (s *Server) TCPAddr() net.Addr { return s.tcp.Addr() }

// UDPAddr UDP 監聽地址
func (s *Server) UDPAddr() net.Addr { return s.relay.Addr() }

// HTTPAddr 管理 API 地址，未啟用時為 nil
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Coordinator 房間協調器
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coord }

// Registry 會話註冊表
func (s *Server) Registry() *registry.Registry { return s.reg }

// Run 運行直到 ctx 取消，返回前完成有序關閉
func (s *Server) Run(ctx context.Context) error {
	coordCtx, stopCoord := context.WithCancel(context.Background())
	relayCtx, stopRelay := context.WithCancel(context.Background())
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopCoord()
	defer stopRelay()
	defer stopRefresh()
	defer stopEvents()

	var bg sync.WaitGroup
	run := func(name string, fn func() error) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := fn(); err != nil {
				s.logger.Error("元件執行失敗", "component", name, "error", err)
			}
		}()
	}

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		if err := s.dispatcher.Run(eventsCtx); err != nil {
			s.logger.Error("元件執行失敗", "component", "events", "error", err)
		}
	}()

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := s.coord.Run(coordCtx); err != nil {
			s.logger.Error("元件執行失敗", "component", "coordinator", "error", err)
		}
	}()

	run("relay", func() error { return s.relay.Run(relayCtx) })

	if s.redisSink != nil {
		// 房間長時間不變時 key 仍在 TTL 內刷新
		run("redis-refresh", func() error {
			return s.redisSink.RunRefresh(refreshCtx, s.coord, s.cfg.Redis.TTL/2, s.logger)
		})
	}

	if s.http != nil {
		run("http", func() error {
			if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx)
	}()

	attrs := []any{
		"tcp_addr", s.TCPAddr().String(),
		"udp_addr", s.UDPAddr().String(),
	}
	if s.httpLn != nil {
		attrs = append(attrs, "http_addr", s.httpLn.Addr().String())
	}
	s.logger.Info("服務器啟動", attrs...)

	<-ctx.Done()
	s.logger.Info("開始優雅關閉", "sessions", s.reg.Len())

	// 1. 停止接受新連線
	s.tcp.Close()
	<-acceptDone

	// 2. 喚醒所有阻塞中的讀取並等待處理器結束
	s.reg.CloseAll()
	s.handlers.Wait()

	// 3. 協調器處理完斷線意圖後停止
	syncCtx, cancelSync := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := s.coord.Sync(syncCtx); err != nil {
		s.logger.Warn("停止前同步協調器失敗", "error", err)
	}
	cancelSync()
	stopCoord()
	<-coordDone

	// 4. UDP 轉發與 Redis 刷新
	stopRelay()
	stopRefresh()

	// 5. HTTP 與 WebSocket 觀察者
	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP 服務關閉失敗", "error", err)
		}
		cancel()
		s.hub.Stop()
	}
	bg.Wait()

	// 6. 送完剩餘事件後關閉外部連線
	stopEvents()
	<-eventsDone
	s.release()

	s.logger.Info("服務器已關閉")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	var backoff time.Duration

	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			// 暫時性錯誤（如檔案描述符耗盡）退避重試
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Warn("接受連線失敗", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.serve(ctx, conn)
	}
}

// serve 分配會話 ID 並啟動處理器
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1) - 1

	if err := s.reg.Add(registry.Session{
		ID:     id,
		RoomID: registry.NoRoom,
		Conn:   conn,
		Alive:  true,
	}); err != nil {
		s.logger.Error("註冊會話失敗", "session_id", id, "error", err)
		conn.Close()
		return
	}

	s.logger.Info("客戶端已連線", "session_id", id, "remote_addr", conn.RemoteAddr().String())

	h := session.New(id, conn, s.reg, s.coord, session.Config{
		MaxFrameSize:  s.cfg.Session.MaxFrameSize,
		DropMalformed: s.cfg.Session.DropMalformed,
	}, s.logger)

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		if err := h.Serve(ctx); err != nil {
			s.logger.Warn("會話異常結束", "session_id", id, "error", err)
		}
	}()
}

// release 關閉外部連線與尚未使用的監聽
func (s *Server) release() {
	if s.tcp != nil {
		s.tcp.Close()
	}
	if s.relay != nil {
		s.relay.Close()
	}
	if s.httpLn != nil {
		s.httpLn.Close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Debug("關閉 Redis 失敗", "error", err)
		}
	}
}
