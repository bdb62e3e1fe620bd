package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"atworker/internal/bootstrap"
	"atworker/internal/broadcast"
	"atworker/internal/config"
	"atworker/internal/logger"
	"atworker/internal/resolver"
	"atworker/internal/worker"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// ErrClosed 服务已关闭
var ErrClosed = errors.New("service closed")

// BindingLoader 按注册的脚本变体加载解析器绑定
type BindingLoader func(ctx context.Context, script bootstrap.Script) (resolver.Binding, error)

// Config 服务配置
type Config struct {
	Scope             string
	Host              worker.Host
	Loader            BindingLoader
	Hub               *broadcast.Hub
	FallbackOnFailure bool
	ResolveTimeout    time.Duration
	EventBuffer       int
	Logger            logger.Logger
}

// Service 单一作用域的工作者容器：负责注册、安装激活、就绪通知以及把拦截请求交给当前激活的工作者
type Service struct {
	scope    string
	host     worker.Host
	loader   BindingLoader
	channel  *broadcast.Channel
	fallback bool
	timeout  time.Duration
	events   chan domain.Event
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pending 合并同一脚本进行中的注册
	pending singleflight.Group

	mu      sync.RWMutex
	active  *worker.Instance
	workers map[string]*worker.Instance // 按脚本路径，每个变体至多一个
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
}

// New 创建服务
func New(cfg Config) *Service {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = broadcast.NewHub()
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		scope:    cfg.Scope,
		host:     cfg.Host,
		loader:   cfg.Loader,
		channel:  hub.Open(broadcast.WorkerChannel),
		fallback: cfg.FallbackOnFailure,
		timeout:  cfg.ResolveTimeout,
		events:   make(chan domain.Event, buf),
		log:      l.With("scope", cfg.Scope),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker.Instance),
		ready:    make(chan struct{}),
	}
}

// ScriptLoader 返回按变体从配置的脚本路径加载解析器的 BindingLoader
func ScriptLoader(cfg config.ResolverConfig, l logger.Logger) BindingLoader {
	return func(_ context.Context, script bootstrap.Script) (resolver.Binding, error) {
		path := cfg.ModuleScript
		if script.Variant == domain.VariantClassic {
			path = cfg.ClassicScript
		}
		if path == "" {
			return nil, fmt.Errorf("no resolver script configured for %s variant", script.Variant)
		}
		return resolver.Load(script.Variant, path, resolver.Options{InitArg: cfg.InitArg, Logger: l})
	}
}

// Channel 返回工作者广播频道
func (s *Service) Channel() *broadcast.Channel { return s.channel }

// Events 返回工作者事件流
func (s *Service) Events() <-chan domain.Event { return s.events }

// Ready 作用域内首次有工作者激活时关闭
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Active 返回当前激活的工作者，没有则为 nil
func (s *Service) Active() *worker.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Register 注册工作者脚本。同一脚本只创建一个工作者：并发注册共享同一次加载，
// 已存在的工作者直接复用（已激活的重新成为控制者）；否则加载解析器绑定并在后台安装、激活
func (s *Service) Register(ctx context.Context, script bootstrap.Script) (bootstrap.Registration, error) {
	if reg, ok, err := s.existing(script); ok || err != nil {
		return reg, err
	}
	if s.loader == nil {
		return bootstrap.Registration{}, errors.New("no binding loader configured")
	}

	v, err, _ := s.pending.Do(script.Path, func() (any, error) {
		if reg, ok, err := s.existing(script); ok || err != nil {
			return reg, err
		}
		return s.spawn(ctx, script)
	})
	if err != nil {
		return bootstrap.Registration{}, err
	}
	return v.(bootstrap.Registration), nil
}

// existing 返回该脚本已有工作者的注册结果
func (s *Service) existing(script bootstrap.Script) (bootstrap.Registration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bootstrap.Registration{}, false, ErrClosed
	}
	w, ok := s.workers[script.Path]
	if !ok {
		return bootstrap.Registration{}, false, nil
	}
	if w.State() == domain.StateActivated && s.active != w {
		s.log.Info("切换控制工作者", "script", script.Path, "worker", string(w.ID()))
		s.active = w
	}
	return bootstrap.Registration{Active: s.active != nil, Ready: s.ready}, true, nil
}

// spawn 加载解析器并启动新工作者的安装
func (s *Service) spawn(ctx context.Context, script bootstrap.Script) (bootstrap.Registration, error) {
	binding, err := s.loader(ctx, script)
	if err != nil {
		return bootstrap.Registration{}, fmt.Errorf("load resolver for %s: %w", script.Path, err)
	}

	w := worker.New(worker.Options{
		Scope:             s.scope,
		Binding:           binding,
		Host:              s.host,
		Channel:           s.channel,
		Events:            s.events,
		FallbackOnFailure: s.fallback,
		ResolveTimeout:    s.timeout,
		OnActivated:       s.promote,
		Logger:            s.log,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return bootstrap.Registration{}, ErrClosed
	}
	s.workers[script.Path] = w
	active := s.active != nil
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("工作者脚本已注册", "script", script.Path, "variant", string(script.Variant), "worker", string(w.ID()))
	go s.install(w, script)
	return bootstrap.Registration{Active: active, Ready: s.ready}, nil
}

// promote 接管完成后把工作者设为控制者，早于 ACTIVATED 广播
func (s *Service) promote(w *worker.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.active = w
}

// install 安装后立即激活（跳过等待），接管完成才成为控制者
func (s *Service) install(w *worker.Instance, script bootstrap.Script) {
	defer s.wg.Done()

	err := w.Install(s.ctx)
	if err == nil {
		err = w.Activate(s.ctx)
	}
	if err != nil {
		s.mu.Lock()
		if s.workers[script.Path] == w {
			delete(s.workers, script.Path)
		}
		s.mu.Unlock()
		return
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

// Route 把拦截请求交给激活的工作者；尚无工作者控制时直通
func (s *Service) Route(ctx context.Context, req *traffic.Request) worker.Outcome {
	w := s.Active()
	if w == nil {
		return worker.Outcome{Decision: domain.DecisionPassThrough}
	}
	return w.Route(ctx, req)
}

// Serve 同 Route，但直通时通过 fetch 取回响应
func (s *Service) Serve(ctx context.Context, req *traffic.Request, fetch worker.Fetcher) (*traffic.Response, error) {
	w := s.Active()
	if w == nil {
		return fetch.Fetch(ctx, req)
	}
	return w.Serve(ctx, req, fetch)
}

// Close 停止后台安装。事件流不关闭，消费方按自身 ctx 退出
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for path, w := range s.workers {
		w.Retire()
		delete(s.workers, path)
	}
	s.active = nil
	s.mu.Unlock()
	return nil
}
