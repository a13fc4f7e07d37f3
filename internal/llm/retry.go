package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

type RetryConfig struct {
	MaxTries        uint          `mapstructure:"max_tries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// RetryingModel 为任意 eino 聊天模型加上指数退避重试。
//
// 只重试“请求没有成功发出/没有拿到首包”的错误；context 取消或超时不重试。
// Stream 只在建立流时重试，流建立之后的错误交给调用方处理，避免重复输出 token。
type RetryingModel struct {
	inner  model.BaseChatModel
	cfg    RetryConfig
	logger *zap.Logger
}

func NewRetryingModel(inner model.BaseChatModel, cfg RetryConfig, logger *zap.Logger) *RetryingModel {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = DefaultRetryConfig().MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryConfig().MaxInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingModel{inner: inner, cfg: cfg, logger: logger}
}

func (m *RetryingModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return backoff.Retry(ctx, func() (*schema.Message, error) {
		out, err := m.inner.Generate(ctx, input, opts...)
		if err != nil {
			return nil, classify(ctx, err)
		}
		return out, nil
	}, m.options("generate")...)
}

func (m *RetryingModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return backoff.Retry(ctx, func() (*schema.StreamReader[*schema.Message], error) {
		out, err := m.inner.Stream(ctx, input, opts...)
		if err != nil {
			return nil, classify(ctx, err)
		}
		return out, nil
	}, m.options("stream")...)
}

func (m *RetryingModel) options(op string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialInterval
	b.MaxInterval = m.cfg.MaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn("llm call failed, retrying",
				zap.String("op", op),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	}
}

// classify 把 context 相关错误标记为不可重试。
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	return err
}
