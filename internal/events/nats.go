package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher NATSSink 所需的發布能力，*nats.Conn 即滿足
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink 將事件以 JSON 發布到 <prefix>.<type>
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink 創建 NATS 接收端
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

// ConnectNATS 連接 NATS，啟動時無法連線也會在背景重試
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("mw-server"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重連", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Name 實現 Sink
func (s *NATSSink) Name() string { return "nats" }

// Subject 事件對應的主題
func (s *NATSSink) Subject(ev Event) string {
	if s.prefix == "" {
		return ev.Type
	}
	return s.prefix + "." + ev.Type
}

// Deliver 實現 Sink
func (s *NATSSink) Deliver(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject(ev), err)
	}
	return nil
}
