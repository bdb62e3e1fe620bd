package api

import (
	"context"
	"time"

	"atworker/internal/bootstrap"
	"atworker/internal/broadcast"
	"atworker/internal/config"
	"atworker/internal/logger"
	"atworker/internal/service"
	"atworker/internal/worker"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// Service 服务接口
type Service interface {
	// Register 注册工作者脚本，返回注册结果与就绪信号
	Register(ctx context.Context, script bootstrap.Script) (bootstrap.Registration, error)

	// Ready 作用域内首个工作者激活后关闭
	Ready() <-chan struct{}

	// Active 返回当前激活的工作者，尚无时返回 nil
	Active() *worker.Instance

	// Route 对拦截请求做出路由决定
	Route(ctx context.Context, req *traffic.Request) worker.Outcome

	// Serve 路由并产出最终响应，直通时经 fetch 取回
	Serve(ctx context.Context, req *traffic.Request, fetch worker.Fetcher) (*traffic.Response, error)

	// Channel 返回工作者广播频道
	Channel() *broadcast.Channel

	// Events 订阅工作者事件
	Events() <-chan domain.Event

	// Close 停止服务
	Close() error
}

// NewService 按配置创建并返回服务接口实现。host 为空时不接管任何客户端
func NewService(cfg *config.Config, host worker.Host, l logger.Logger) Service {
	return service.New(service.Config{
		Scope:             cfg.Worker.Scope,
		Host:              host,
		Loader:            service.ScriptLoader(cfg.Resolver, l),
		FallbackOnFailure: cfg.Worker.FallbackOnFailure,
		ResolveTimeout:    time.Duration(cfg.Worker.ResolveTimeoutMS) * time.Millisecond,
		Logger:            l,
	})
}
