package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Registry 按名称登记工具并负责分发：名称校验 → 参数 Schema 校验 → 执行（带审计与 panic 隔离）。
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
	auditor *Auditor
	logger  *zap.Logger
}

type RegistryOption func(*Registry)

// WithAuditor 为每次调用写审计记录。
func WithAuditor(a *Auditor) RegistryOption {
	return func(r *Registry) { r.auditor = a }
}

func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 登记工具；同名重复登记或参数描述无法编译为 Schema 时返回错误。
func (r *Registry) Register(ts ...Tool) error {
	for _, t := range ts {
		name := t.Name()
		if _, dup := r.tools[name]; dup {
			return fmt.Errorf("tool %s already registered", name)
		}
		compiled, err := compileParams(name, t.Params())
		if err != nil {
			return err
		}
		r.tools[name] = t
		r.schemas[name] = compiled
		r.order = append(r.order, name)
	}
	return nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names 按登记顺序返回工具名。
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Infos 按登记顺序返回全部工具的 eino ToolInfo。
func (r *Registry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Info(r.tools[name]))
	}
	return out
}

// Catalog 把工具目录渲染成提示词文本：每个工具一行描述，参数逐个列出。
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", name, t.Description())
		params := t.Params()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := params[k]
			if p == nil {
				continue
			}
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", k, p.Type, req, p.Desc)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate 在分发前检查工具名与参数。未知工具返回 ErrUnknownTool。
func (r *Registry) Validate(name string, args json.RawMessage) error {
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	if err := r.schemas[name].Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// Invoke 校验并执行一个工具。任何失败（包括 panic）都转换为 Success=false 的结果，不会向上传播。
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (res Result) {
	if err := r.Validate(name, args); err != nil {
		return Failure(err.Error())
	}
	t := r.tools[name]

	var rec *auditHandle
	if r.auditor != nil {
		rec = r.auditor.begin(ctx, name, args)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				zap.String("tool", name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			res = Failure(fmt.Sprintf("tool %s failed unexpectedly", name))
		}
		if rec != nil {
			rec.finish(ctx, res)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failure(err.Error())
	}
	return t.Execute(ctx, args)
}
