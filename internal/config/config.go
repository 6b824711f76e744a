// Package config 載入服務器配置（YAML 檔案 + 環境變數覆蓋）
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		TCPAddr string `yaml:"tcp_addr"`
		UDPAddr string `yaml:"udp_addr"`
	} `yaml:"server"`

	HTTP struct {
		Addr         string        `yaml:"addr"` // 空字串表示停用管理 API
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`

	Session struct {
		MaxFrameSize  int           `yaml:"max_frame_size"`
		WriteTimeout  time.Duration `yaml:"write_timeout"` // 0 表示不設寫入期限
		DropMalformed bool          `yaml:"drop_malformed"`
	} `yaml:"session"`

	Coordinator struct {
		QueueSize    int           `yaml:"queue_size"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Policy       Policy        `yaml:"policy"`
	} `yaml:"coordinator"`

	Relay struct {
		Workers      int           `yaml:"workers"`
		QueueSize    int           `yaml:"queue_size"`
		BufferSize   int           `yaml:"buffer_size"`
		PollInterval time.Duration `yaml:"poll_interval"`
		PingBurst    int           `yaml:"ping_burst"`
	} `yaml:"relay"`

	Events struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"events"`

	NATS struct {
		URL           string `yaml:"url"` // 空字串表示停用
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string        `yaml:"addr"` // 空字串表示停用
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Key      string        `yaml:"key"`
		Channel  string        `yaml:"channel"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Policy 協調器的可選強化策略（預設全部關閉）
type Policy struct {
	AutoDeleteEmpty  bool `yaml:"auto_delete_empty"`
	NotifyDisconnect bool `yaml:"notify_disconnect"`
	EnforceOwner     bool `yaml:"enforce_owner"`
}

// Default 返回預設配置
func Default() *Config {
	c := &Config{}
	c.Server.TCPAddr = ":7878"
	c.Server.UDPAddr = ":7879"

	c.HTTP.Addr = ":8080"
	c.HTTP.ReadTimeout = 15 * time.Second
	c.HTTP.WriteTimeout = 15 * time.Second

	c.Session.MaxFrameSize = 64 * 1024
	c.Session.WriteTimeout = 5 * time.Second

	c.Coordinator.QueueSize = 1024
	c.Coordinator.PollInterval = time.Millisecond

	c.Relay.Workers = 4
	c.Relay.QueueSize = 4096
	c.Relay.BufferSize = 2048
	c.Relay.PollInterval = 2 * time.Millisecond
	c.Relay.PingBurst = 3

	c.Events.BufferSize = 256

	c.NATS.SubjectPrefix = "mw.matches"

	c.Redis.Key = "mw:matches"
	c.Redis.Channel = "mw:match-events"
	c.Redis.TTL = 5 * time.Minute

	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.Output = "stdout"
	return c
}

// Load 載入配置
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 從環境變數覆蓋配置
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("MW_TCP_ADDR", &c.Server.TCPAddr)
	setString("MW_UDP_ADDR", &c.Server.UDPAddr)
	setString("MW_HTTP_ADDR", &c.HTTP.Addr)
	setString("MW_LOG_LEVEL", &c.Log.Level)
	setString("MW_LOG_FORMAT", &c.Log.Format)
	setString("NATS_URL", &c.NATS.URL)
	setString("REDIS_ADDR", &c.Redis.Addr)

	if v := os.Getenv("MW_RELAY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.Workers = n
		}
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	switch {
	case c.Server.TCPAddr == "":
		return fmt.Errorf("server.tcp_addr is required")
	case c.Server.UDPAddr == "":
		return fmt.Errorf("server.udp_addr is required")
	case c.Session.MaxFrameSize <= 0:
		return fmt.Errorf("session.max_frame_size must be positive, got %d", c.Session.MaxFrameSize)
	case c.Coordinator.QueueSize <= 0:
		return fmt.Errorf("coordinator.queue_size must be positive, got %d", c.Coordinator.QueueSize)
	case c.Coordinator.PollInterval <= 0:
		return fmt.Errorf("coordinator.poll_interval must be positive")
	case c.Relay.Workers <= 0:
		return fmt.Errorf("relay.workers must be positive, got %d", c.Relay.Workers)
	case c.Relay.QueueSize <= 0:
		return fmt.Errorf("relay.queue_size must be positive, got %d", c.Relay.QueueSize)
	case c.Relay.BufferSize < 64:
		return fmt.Errorf("relay.buffer_size must be at least 64, got %d", c.Relay.BufferSize)
	case c.Relay.PollInterval <= 0:
		return fmt.Errorf("relay.poll_interval must be positive")
	case c.Relay.PingBurst <= 0:
		return fmt.Errorf("relay.ping_burst must be positive, got %d", c.Relay.PingBurst)
	case c.Events.BufferSize <= 0:
		return fmt.Errorf("events.buffer_size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}
