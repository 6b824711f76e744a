// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// SessionIDKey 會話 ID 的上下文鍵
	SessionIDKey contextKey = "session_id"
	// RoomIDKey 房間 ID 的上下文鍵
	RoomIDKey contextKey = "room_id"
	// RemoteAddrKey 對端地址的上下文鍵
	RemoteAddrKey contextKey = "remote_addr"
)

// New 創建日誌記錄器
//
// outputPath 可為 "stdout"、"stderr" 或檔案路徑。
func New(level, format, outputPath string, addSource bool) (*slog.Logger, error) {
	var output io.Writer
	switch outputPath {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - outputPath 來自配置檔
		file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = file
	}

	return NewWithWriter(output, level, format, addSource), nil
}

// NewWithWriter 以指定輸出創建日誌記錄器
func NewWithWriter(w io.Writer, level, format string, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: addSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丟棄所有輸出的日誌記錄器
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// WithSession 將會話 ID 放入上下文
func WithSession(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithRoom 將房間 ID 放入上下文
func WithRoom(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, RoomIDKey, id)
}

// WithRemoteAddr 將對端地址放入上下文
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(SessionIDKey).(int32); ok {
		r.AddAttrs(slog.Int("session_id", int(id)))
	}
	if id, ok := ctx.Value(RoomIDKey).(int32); ok {
		r.AddAttrs(slog.Int("room_id", int(id)))
	}
	if addr, ok := ctx.Value(RemoteAddrKey).(string); ok && addr != "" {
		r.AddAttrs(slog.String("remote_addr", addr))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留上下文處理器包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留上下文處理器包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}
