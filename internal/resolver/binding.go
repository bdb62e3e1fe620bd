package resolver

import (
	"context"
	"errors"

	"atworker/pkg/traffic"
)

var (
	// ErrNoExport 解析器缺少必需的导出
	ErrNoExport = errors.New("resolver export missing")
	// ErrPromisePending 脚本返回的 Promise 在调用结束时仍未完成
	ErrPromisePending = errors.New("resolver promise not settled")
)

// Binding 外部解析器能力。Initialize 每个工作者实例最多成功调用一次
type Binding interface {
	Initialize(ctx context.Context) error
	Resolve(ctx context.Context, req *traffic.Request) (*traffic.Response, error)
}

// ManagedChecker 可选能力：判断请求是否由解析器负责
type ManagedChecker interface {
	IsManaged(ctx context.Context, req *traffic.Request) (bool, error)
}

// LogInitializer 可选能力：初始化成功后调用一次的诊断钩子
type LogInitializer interface {
	InitLog() error
}

// capabilityReporter 由运行时才知道导出形状的适配器实现
type capabilityReporter interface {
	hasManagedCheck() bool
	hasLogInit() bool
}

// ManagedCheckerOf 返回绑定的 IsManaged 能力；不存在时 ok 为 false
func ManagedCheckerOf(b Binding) (ManagedChecker, bool) {
	mc, ok := b.(ManagedChecker)
	if !ok {
		return nil, false
	}
	if cr, ok := b.(capabilityReporter); ok && !cr.hasManagedCheck() {
		return nil, false
	}
	return mc, true
}

// LogInitializerOf 返回绑定的 InitLog 能力；不存在时 ok 为 false
func LogInitializerOf(b Binding) (LogInitializer, bool) {
	li, ok := b.(LogInitializer)
	if !ok {
		return nil, false
	}
	if cr, ok := b.(capabilityReporter); ok && !cr.hasLogInit() {
		return nil, false
	}
	return li, true
}

// Funcs 以 Go 函数提供的绑定，未设置的可选函数视为能力缺失
type Funcs struct {
	InitFunc      func(ctx context.Context) error
	IsManagedFunc func(ctx context.Context, req *traffic.Request) (bool, error)
	ResolveFunc   func(ctx context.Context, req *traffic.Request) (*traffic.Response, error)
	InitLogFunc   func() error
}

// Initialize 实现 Binding
func (f *Funcs) Initialize(ctx context.Context) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(ctx)
}

// Resolve 实现 Binding
func (f *Funcs) Resolve(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	if f.ResolveFunc == nil {
		return nil, ErrNoExport
	}
	return f.ResolveFunc(ctx, req)
}

// IsManaged 实现 ManagedChecker
func (f *Funcs) IsManaged(ctx context.Context, req *traffic.Request) (bool, error) {
	return f.IsManagedFunc(ctx, req)
}

// InitLog 实现 LogInitializer
func (f *Funcs) InitLog() error {
	return f.InitLogFunc()
}

func (f *Funcs) hasManagedCheck() bool { return f.IsManagedFunc != nil }
func (f *Funcs) hasLogInit() bool      { return f.InitLogFunc != nil }
