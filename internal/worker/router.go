package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atworker/internal/resolver"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// Fetcher 普通网络请求，用于直通
type Fetcher interface {
	Fetch(ctx context.Context, req *traffic.Request) (*traffic.Response, error)
}

// FetcherFunc 函数形式的 Fetcher
type FetcherFunc func(ctx context.Context, req *traffic.Request) (*traffic.Response, error)

// Fetch 实现 Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	return f(ctx, req)
}

// Outcome 单次拦截的路由结果。
// Decision 为 failed 时 Response 为空，传输层应返回空响应
type Outcome struct {
	Decision domain.Decision
	Response *traffic.Response
	Err      error
}

// Route 对一次拦截请求做出决定：先确保初始化，再询问解析器是否接管。
// 任何失败都在此处被捕获，不会传播给传输层
func (w *Instance) Route(ctx context.Context, req *traffic.Request) Outcome {
	start := time.Now()
	out := w.route(ctx, req)

	evt := domain.Event{
		Type:       domain.EventRouted,
		Target:     domain.TargetID(req.ClientID),
		URL:        req.URL,
		Method:     req.Method,
		Decision:   out.Decision,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	w.sendEvent(evt)
	w.log.Debug("请求路由完成", "url", req.URL, "decision", out.Decision, "duration", time.Since(start))
	return out
}

func (w *Instance) route(ctx context.Context, req *traffic.Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = w.fail(req, fmt.Errorf("%w: panic: %v", ErrResolution, r))
		}
	}()

	if err := w.ensureInitialized(ctx); err != nil {
		return w.fail(req, fmt.Errorf("%w: %w", ErrInitialization, err))
	}

	// 缺少判定能力的旧绑定一律视为接管
	managed := true
	if mc, ok := resolver.ManagedCheckerOf(w.binding); ok {
		m, err := mc.IsManaged(ctx, req)
		if err != nil {
			return w.fail(req, fmt.Errorf("%w: is_managed: %w", ErrResolution, err))
		}
		managed = m
	}
	if !managed {
		return Outcome{Decision: domain.DecisionPassThrough}
	}

	rctx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	res, err := w.binding.Resolve(rctx, req)
	if err != nil {
		return w.fail(req, fmt.Errorf("%w: %w", ErrResolution, err))
	}
	if res == nil {
		return w.fail(req, fmt.Errorf("%w: empty response", ErrResolution))
	}
	return Outcome{Decision: domain.DecisionManaged, Response: res}
}

// fail 记录失败；开启回退时改为直通，否则返回空响应
func (w *Instance) fail(req *traffic.Request, err error) Outcome {
	w.log.Err(err, "拦截处理失败", "url", req.URL, "method", req.Method)
	if w.fallback && !errors.Is(err, context.Canceled) {
		return Outcome{Decision: domain.DecisionPassThrough, Err: err}
	}
	return Outcome{Decision: domain.DecisionFailed, Err: err}
}

// Serve 路由并产出最终响应：直通时经 fetch 取回原始响应，失败时返回 nil 响应
func (w *Instance) Serve(ctx context.Context, req *traffic.Request, fetch Fetcher) (*traffic.Response, error) {
	out := w.Route(ctx, req)
	switch out.Decision {
	case domain.DecisionPassThrough:
		return fetch.Fetch(ctx, req)
	case domain.DecisionManaged:
		return out.Response, nil
	default:
		return nil, nil
	}
}
