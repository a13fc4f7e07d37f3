// Package llmtest 提供可编排响应的假聊天模型，供各包的单元测试驱动确定性流程。
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Responder 根据输入消息决定模型输出。
type Responder func(ctx context.Context, input []*schema.Message) (string, error)

// Model 实现 model.BaseChatModel。Stream 把完整输出按空格切成多个 token 依次吐出。
type Model struct {
	respond Responder

	mu    sync.Mutex
	calls [][]*schema.Message
}

var _ model.BaseChatModel = (*Model)(nil)

func New(respond Responder) *Model {
	return &Model{respond: respond}
}

// Fixed 返回一个总是输出 content 的模型。
func Fixed(content string) *Model {
	return New(func(context.Context, []*schema.Message) (string, error) { return content, nil })
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	content, err := m.call(ctx, input)
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *Model) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	content, err := m.call(ctx, input)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitAfter(content, " ")
	chunks := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		chunks = append(chunks, schema.AssistantMessage(p, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *Model) call(ctx context.Context, input []*schema.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()
	return m.respond(ctx, input)
}

// Calls 返回迄今为止每次调用的输入。
func (m *Model) Calls() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*schema.Message, len(m.calls))
	copy(out, m.calls)
	return out
}

// SystemPrompt 返回输入中的第一条 system 消息内容，便于按“哪个节点在调用”分派响应。
func SystemPrompt(input []*schema.Message) string {
	for _, msg := range input {
		if msg != nil && msg.Role == schema.System {
			return msg.Content
		}
	}
	return ""
}

// LastUser 返回输入中最后一条 user 消息内容。
func LastUser(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i] != nil && input[i].Role == schema.User {
			return input[i].Content
		}
	}
	return ""
}
