package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"atworker/internal/logger"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// Options 脚本解析器加载选项
type Options struct {
	// InitArg 经典变体初始化参数 module_or_path，为空则不传参
	InitArg string
	Logger  logger.Logger
}

// ScriptBinding 运行在嵌入式 JS 虚拟机中的解析器绑定。
// 虚拟机不是并发安全的，所有调用经 mu 串行化
type ScriptBinding struct {
	variant domain.ScriptVariant
	path    string
	initArg string

	mu sync.Mutex
	vm *goja.Runtime

	initFn    goja.Callable
	resolveFn goja.Callable
	isAtFn    goja.Callable
	initLogFn goja.Callable

	log logger.Logger
}

// Load 按脚本变体加载解析器
func Load(variant domain.ScriptVariant, path string, opts Options) (*ScriptBinding, error) {
	switch variant {
	case domain.VariantModule:
		return LoadModule(path, opts)
	case domain.VariantClassic:
		return LoadClassic(path, opts)
	default:
		return nil, fmt.Errorf("unknown script variant %q", variant)
	}
}

func newScriptBinding(variant domain.ScriptVariant, path string, opts Options) *ScriptBinding {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	b := &ScriptBinding{
		variant: variant,
		path:    path,
		initArg: opts.InitArg,
		vm:      goja.New(),
		log:     l.With("resolver", filepath.Base(path), "variant", string(variant)),
	}
	b.setupConsole()
	return b
}

// Variant 返回绑定形状
func (b *ScriptBinding) Variant() domain.ScriptVariant { return b.variant }

func (b *ScriptBinding) setupConsole() {
	console := b.vm.NewObject()
	_ = console.Set("log", b.consoleFunc(b.log.Debug))
	_ = console.Set("debug", b.consoleFunc(b.log.Debug))
	_ = console.Set("info", b.consoleFunc(b.log.Info))
	_ = console.Set("warn", b.consoleFunc(b.log.Warn))
	_ = console.Set("error", b.consoleFunc(b.log.Error))
	_ = b.vm.Set("console", console)
}

func (b *ScriptBinding) consoleFunc(sink func(string, ...any)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		sink(strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// runFile 在虚拟机中同步执行脚本文件
func (b *ScriptBinding) runFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read resolver script: %w", err)
	}
	if _, err := b.vm.RunScript(path, string(src)); err != nil {
		return fmt.Errorf("run resolver script %s: %w", path, err)
	}
	return nil
}

func optionalFunc(obj *goja.Object, name string) goja.Callable {
	if obj == nil {
		return nil
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

// Initialize 实现 Binding
func (b *ScriptBinding) Initialize(ctx context.Context) error {
	var args []any
	if b.variant == domain.VariantClassic && b.initArg != "" {
		args = append(args, map[string]any{"module_or_path": b.initArg})
	}
	_, err := b.call(ctx, b.initFn, args...)
	return err
}

// IsManaged 实现 ManagedChecker
func (b *ScriptBinding) IsManaged(ctx context.Context, req *traffic.Request) (bool, error) {
	v, err := b.call(ctx, b.isAtFn, requestObject(req))
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	return v.ToBoolean(), nil
}

// Resolve 实现 Binding
func (b *ScriptBinding) Resolve(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.callLocked(ctx, b.resolveFn, requestObject(req))
	if err != nil {
		return nil, err
	}
	return b.toResponse(v)
}

// InitLog 实现 LogInitializer
func (b *ScriptBinding) InitLog() error {
	_, err := b.call(context.Background(), b.initLogFn)
	return err
}

func (b *ScriptBinding) hasManagedCheck() bool { return b.isAtFn != nil }
func (b *ScriptBinding) hasLogInit() bool      { return b.initLogFn != nil }

func (b *ScriptBinding) call(ctx context.Context, fn goja.Callable, args ...any) (goja.Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callLocked(ctx, fn, args...)
}

// callLocked 调用脚本函数并等待返回的 Promise 完成。调用方持有 mu
func (b *ScriptBinding) callLocked(ctx context.Context, fn goja.Callable, args ...any) (goja.Value, error) {
	if fn == nil {
		return nil, ErrNoExport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() {
		b.vm.Interrupt(ctx.Err())
	})
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = b.vm.ToValue(a)
	}
	v, err := fn(goja.Undefined(), jsArgs...)
	stop()
	b.vm.ClearInterrupt()
	if err != nil {
		return nil, err
	}
	return settle(v)
}

// settle 展开已完成的 Promise；微任务队列在最外层调用返回前已执行完毕
func settle(v goja.Value) (goja.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return settle(p.Result())
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("resolver promise rejected: %v", p.Result())
	default:
		return nil, ErrPromisePending
	}
}

func requestObject(req *traffic.Request) map[string]any {
	headers := make(map[string]any, len(req.Headers))
	for k, vs := range req.Headers {
		headers[k] = strings.Join(vs, ", ")
	}
	return map[string]any{
		"url":          req.URL,
		"method":       req.Method,
		"headers":      headers,
		"body":         string(req.Body),
		"resourceType": req.ResourceType,
		"clientId":     req.ClientID,
	}
}

// toResponse 接受字符串或 {status, headers, body} 对象。
// 字符串结果按 200 且无响应头处理，正文即该字符串；头部只包含解析器给出的内容
func (b *ScriptBinding) toResponse(v goja.Value) (*traffic.Response, error) {
	if v == nil {
		return nil, fmt.Errorf("resolver returned no response")
	}
	res := traffic.NewResponse()
	if s, ok := v.Export().(string); ok {
		res.Body = []byte(s)
		return res, nil
	}

	obj := v.ToObject(b.vm)
	if status := obj.Get("status"); status != nil && !goja.IsUndefined(status) && !goja.IsNull(status) {
		res.StatusCode = int(status.ToInteger())
	}
	if res.StatusCode < 100 || res.StatusCode > 599 {
		return nil, fmt.Errorf("resolver returned invalid status %d", res.StatusCode)
	}
	if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
		if m, ok := h.Export().(map[string]any); ok {
			for k, val := range m {
				if list, ok := val.([]any); ok {
					for _, item := range list {
						res.Headers.Add(k, fmt.Sprint(item))
					}
					continue
				}
				res.Headers.Set(k, fmt.Sprint(val))
			}
		}
	}
	if body := obj.Get("body"); body != nil && !goja.IsUndefined(body) && !goja.IsNull(body) {
		switch raw := body.Export().(type) {
		case string:
			res.Body = []byte(raw)
		case []byte:
			res.Body = raw
		case goja.ArrayBuffer:
			res.Body = raw.Bytes()
		default:
			res.Body = []byte(body.String())
		}
	}
	return res, nil
}
