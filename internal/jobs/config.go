package jobs

import (
	"runtime"
	"time"
)

type ErrorHandler func(err error)

// Hooks 为后台 worker 的生命周期回调。name 形如 "ingest-0"、"retention"。
type Hooks struct {
	OnWorkerStart func(name string)
	// OnWorkerStop 在 worker 退出时调用；err 为 nil 表示正常退出（ctx 取消）。
	OnWorkerStop func(name string, err error)
}

func (h Hooks) start(name string) {
	if h.OnWorkerStart != nil {
		h.OnWorkerStart(name)
	}
}

func (h Hooks) stop(name string, err error) {
	if h.OnWorkerStop != nil {
		h.OnWorkerStop(name, err)
	}
}

type IngestConfig struct {
	// Enabled 控制入库 worker 池是否启用。
	Enabled bool `mapstructure:"enabled"`
	// Workers 为并发领取任务的 worker 数量。
	Workers int `mapstructure:"workers"`
	// PollInterval 为队列为空时的轮询间隔。
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxAttempts 为单个任务的最大尝试次数；未达上限的失败任务会重新入队。
	MaxAttempts int `mapstructure:"max_attempts"`
	// StaleAfter 为 running 任务被视为 worker 崩溃遗留、放回队列的时长。
	StaleAfter time.Duration `mapstructure:"stale_after"`

	OnError ErrorHandler `mapstructure:"-"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// TurnRetention 为对话轮次的保留时长。
	TurnRetention time.Duration `mapstructure:"turn_retention"`
	// AuditRetention 为工具审计记录的保留时长。
	AuditRetention time.Duration `mapstructure:"audit_retention"`
	// BatchRows 为单次删除的最大行数，避免长事务锁库。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的停顿。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`
	Workers   int           `mapstructure:"workers"`

	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Retention RetentionConfig `mapstructure:"retention"`
	Hooks     Hooks           `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Ingest: IngestConfig{
			Enabled:      true,
			Workers:      2,
			PollInterval: 2 * time.Second,
			MaxAttempts:  3,
			StaleAfter:   10 * time.Minute,
		},
		Retention: RetentionConfig{
			Enabled:        true,
			Interval:       time.Hour,
			TurnRetention:  30 * 24 * time.Hour,
			AuditRetention: 14 * 24 * time.Hour,
			BatchRows:      500,
			IdleSleep:      50 * time.Millisecond,
			Workers:        2,
		},
	}
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.Workers <= 0 {
		c.Workers = min(2, runtime.NumCPU())
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.TurnRetention <= 0 {
		c.TurnRetention = 30 * 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 14 * 24 * time.Hour
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}
