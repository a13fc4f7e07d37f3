package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// invokable 让注册表中的工具满足 eino 的 tool.InvokableTool，
// 调用仍然经过注册表的校验、审计与 panic 隔离。
type invokable struct {
	r    *Registry
	name string
}

var _ tool.InvokableTool = (*invokable)(nil)

func (t *invokable) Info(_ context.Context) (*schema.ToolInfo, error) {
	return Info(t.r.tools[t.name]), nil
}

func (t *invokable) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	res := t.r.Invoke(ctx, t.name, json.RawMessage(argumentsInJSON))
	if !res.Success {
		return "", errors.New(res.Error)
	}
	if res.PromptText != "" {
		return res.PromptText, nil
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// InvokableTools 按登记顺序返回 eino 工具列表。
func (r *Registry) InvokableTools() []tool.InvokableTool {
	out := make([]tool.InvokableTool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, &invokable{r: r, name: name})
	}
	return out
}

// Lookup 返回单个 eino 工具。
func (r *Registry) Lookup(name string) (tool.InvokableTool, error) {
	if !r.Has(name) {
		return nil, ErrUnknownTool
	}
	return &invokable{r: r, name: name}, nil
}
