package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/mw-server/internal/coordinator"
)

// RedisClient RedisSink 所需的命令，*redis.Client 即滿足
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink 保存最新房間列表並在頻道上發布事件
//
// key 存放房間列表 JSON（帶 TTL，伺服器停止後自然過期），
// channel 發布完整事件。
type RedisSink struct {
	client  RedisClient
	key     string
	channel string
	ttl     time.Duration
}

// NewRedisSink 創建 Redis 接收端
func NewRedisSink(client RedisClient, key, channel string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, key: key, channel: channel, ttl: ttl}
}

// Name 實現 Sink
func (s *RedisSink) Name() string { return "redis" }

// MatchLister 提供目前的房間列表
type MatchLister interface {
	Matches() []coordinator.Match
}

// Deliver 實現 Sink
func (s *RedisSink) Deliver(ctx context.Context, ev Event) error {
	if err := s.Refresh(ctx, ev.Matches); err != nil {
		return err
	}

	if s.channel == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}

// Refresh 寫入房間列表並重設 TTL
func (s *RedisSink) Refresh(ctx context.Context, matches []coordinator.Match) error {
	if matches == nil {
		matches = []coordinator.Match{}
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("marshal matches: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// RunRefresh 每隔 interval 以 src 的列表刷新 key，直到 ctx 取消
//
// 房間長時間沒有變動時 key 仍不會過期。interval <= 0 時立即返回。
func (s *RedisSink) RunRefresh(ctx context.Context, src MatchLister, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
			err := s.Refresh(refreshCtx, src.Matches())
			cancel()
			if err != nil {
				logger.Warn("刷新 Redis 房間列表失敗", "key", s.key, "error", err)
			}
		}
	}
}
