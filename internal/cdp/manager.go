package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"atworker/internal/logger"
	"atworker/internal/worker"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// ErrNotAttached 尚未附加到页面目标
var ErrNotAttached = errors.New("not attached")

// Router 拦截请求的路由方，通常是激活的工作者所在的服务
type Router interface {
	Route(ctx context.Context, req *traffic.Request) worker.Outcome
}

// Config 管理器配置
type Config struct {
	DevToolsURL string
	// Scope 工作者控制的 URL 前缀，拦截模式为 Scope + "*"
	Scope            string
	Concurrency      int
	QueueCapacity    int
	ProcessTimeoutMS int
	Logger           logger.Logger
}

// targetSession 单个浏览器目标的连接与拦截状态
type targetSession struct {
	id     domain.TargetID
	url    string
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc

	intercepting bool
}

// Manager 通过 DevTools 协议承载工作者：附加页面、接管作用域内目标并拦截其请求
type Manager struct {
	devtoolsURL      string
	scope            string
	processTimeoutMS int
	log              logger.Logger

	routerMu sync.RWMutex
	router   Router

	executor Executor
	pool     *workPool

	targetsMu sync.Mutex
	targets   map[domain.TargetID]*targetSession
	page      *targetSession

	listTargets func(ctx context.Context) ([]*devtool.Target, error)
}

// New 创建管理器
func New(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	dt := devtool.New(cfg.DevToolsURL)
	m := &Manager{
		devtoolsURL:      cfg.DevToolsURL,
		scope:            cfg.Scope,
		processTimeoutMS: cfg.ProcessTimeoutMS,
		log:              l.With("devtools", cfg.DevToolsURL),
		executor:         cdpExecutor{},
		targets:          make(map[domain.TargetID]*targetSession),
		listTargets:      dt.List,
	}
	if cfg.Concurrency > 0 {
		m.pool = newWorkPool(cfg.Concurrency, cfg.QueueCapacity)
	}
	return m
}

// SetRouter 设置拦截请求的路由方
func (m *Manager) SetRouter(r Router) {
	m.routerMu.Lock()
	defer m.routerMu.Unlock()
	m.router = r
}

func (m *Manager) currentRouter() Router {
	m.routerMu.RLock()
	defer m.routerMu.RUnlock()
	return m.router
}

// ListTargets 列出浏览器页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	targets, err := m.listTargets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, domain.TargetInfo{ID: domain.TargetID(t.ID), Type: string(t.Type), URL: t.URL, Title: t.Title})
	}
	return out, nil
}

// AttachTarget 附加到引导页所在的页面目标；target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target domain.TargetID) error {
	targets, err := m.listTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
		if string(t.ID) == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("no target %q", target)
	}
	ts, err := m.session(ctx, sel)
	if err != nil {
		return err
	}
	m.targetsMu.Lock()
	m.page = ts
	m.targetsMu.Unlock()
	m.log.Info("已附加页面目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// session 返回目标的会话，必要时建立连接
func (m *Manager) session(ctx context.Context, t *devtool.Target) (*targetSession, error) {
	id := domain.TargetID(t.ID)
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if ts, ok := m.targets[id]; ok {
		return ts, nil
	}
	conn, err := rpcc.DialContext(ctx, t.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial target %s: %w", t.ID, err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{
		id:     id,
		url:    t.URL,
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    sctx,
		cancel: cancel,
	}
	m.targets[id] = ts
	return ts, nil
}

// InScope 判断 URL 是否位于工作者作用域内
func (m *Manager) InScope(u string) bool {
	return m.scope != "" && strings.HasPrefix(u, m.scope)
}

// SkipWaiting 实现 worker.Host。拦截总是交给当前路由方，新工作者无需等待旧客户端
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.log.Debug("跳过等待，立即进入激活")
	return ctx.Err()
}

// Claim 实现 worker.Host：对作用域内所有已打开的页面以及引导页启用请求拦截
func (m *Manager) Claim(ctx context.Context) error {
	targets, err := m.listTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	m.targetsMu.Lock()
	page := m.page
	m.targetsMu.Unlock()

	claimed := 0
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		isPage := page != nil && string(page.id) == t.ID
		if !isPage && !m.InScope(t.URL) {
			continue
		}
		ts, err := m.session(ctx, t)
		if err != nil {
			return err
		}
		if err := m.enable(ctx, ts); err != nil {
			return err
		}
		claimed++
	}
	m.log.Info("已接管作用域内客户端", "scope", m.scope, "count", claimed)
	return nil
}

// enable 在目标上开启请求阶段拦截并开始消费事件
func (m *Manager) enable(ctx context.Context, ts *targetSession) error {
	m.targetsMu.Lock()
	if ts.intercepting {
		m.targetsMu.Unlock()
		return nil
	}
	ts.intercepting = true
	m.targetsMu.Unlock()

	pattern := m.scope + "*"
	if m.scope == "" {
		pattern = "*"
	}
	args := &fetch.EnableArgs{Patterns: []fetch.RequestPattern{
		{URLPattern: &pattern, RequestStage: fetch.RequestStageRequest},
	}}
	// 先订阅再启用，避免丢失启用后立即暂停的请求
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err == nil {
		err = ts.client.Fetch.Enable(ctx, args)
		if err != nil {
			_ = rp.Close()
		}
	}
	if err != nil {
		m.targetsMu.Lock()
		ts.intercepting = false
		m.targetsMu.Unlock()
		return fmt.Errorf("enable interception on %s: %w", ts.id, err)
	}
	go m.consume(ts, rp)
	return nil
}

// Detach 关闭所有目标连接
func (m *Manager) Detach() error {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for id, ts := range m.targets {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
	m.page = nil
	if m.pool != nil {
		m.pool.stop()
		m.pool = nil
	}
	return nil
}

// closeTargetSession 关闭单个目标会话，调用方持有 targetsMu
func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if ts.conn != nil {
		if err := ts.conn.Close(); err != nil {
			m.log.Warn("关闭目标连接失败", "target", string(ts.id), "error", err)
		}
	}
}

func (m *Manager) processTimeout() time.Duration {
	if m.processTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.processTimeoutMS) * time.Millisecond
}
