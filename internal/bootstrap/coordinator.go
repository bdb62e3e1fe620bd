package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"atworker/internal/broadcast"
	"atworker/internal/logger"
)

// ErrRegistration 工作者脚本注册失败
var ErrRegistration = errors.New("worker registration failed")

// Registration 注册结果
type Registration struct {
	// Active 注册调用时作用域内已有激活的工作者
	Active bool
	// Ready 作用域内工作者就绪时关闭
	Ready <-chan struct{}
}

// Registrar 页面侧的工作者注册入口
type Registrar interface {
	Register(ctx context.Context, script Script) (Registration, error)
}

// Navigator 替换当前页面位置，不新增历史记录
type Navigator interface {
	Replace(ctx context.Context, target string) error
}

// NavigatorFunc 函数形式的 Navigator
type NavigatorFunc func(ctx context.Context, target string) error

// Replace 实现 Navigator
func (f NavigatorFunc) Replace(ctx context.Context, target string) error { return f(ctx, target) }

// State 跳转协调器状态
type State string

const (
	StateIdle            State = "idle"
	StateWaitingForReady State = "waiting_for_ready"
	StateNavigated       State = "navigated"
)

// Coordinator 计算跳转目标，等待工作者就绪后执行一次跳转
type Coordinator struct {
	redirect  RedirectConfig
	scripts   Scripts
	detector  Detector
	registrar Registrar
	navigator Navigator
	channel   *broadcast.Channel
	log       logger.Logger

	mu        sync.Mutex
	state     State
	target    string
	navigated chan struct{}
}

// CoordinatorConfig 协调器依赖
type CoordinatorConfig struct {
	Redirect  RedirectConfig
	Scripts   Scripts
	Detector  Detector
	Registrar Registrar
	Navigator Navigator
	// Channel 监听 ACTIVATED 广播的频道，可为空
	Channel *broadcast.Channel
	Logger  logger.Logger
}

// NewCoordinator 创建处于 idle 状态的协调器
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Coordinator{
		redirect:  cfg.Redirect,
		scripts:   cfg.Scripts,
		detector:  cfg.Detector,
		registrar: cfg.Registrar,
		navigator: cfg.Navigator,
		channel:   cfg.Channel,
		log:       l,
		state:     StateIdle,
		navigated: make(chan struct{}),
	}
}

// State 返回当前状态
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target 返回已计算的跳转目标
func (c *Coordinator) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Run 处理一次页面加载：计算目标、注册工作者并等待就绪后跳转。
// 注册失败时返回错误且不跳转；ctx 结束前未就绪则返回 ctx 错误
func (c *Coordinator) Run(ctx context.Context, loc *url.URL) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started (%s)", c.state)
	}
	c.target = ResolveTarget(c.redirect, loc)
	c.state = StateWaitingForReady
	c.mu.Unlock()
	c.log.Info("等待工作者就绪", "target", c.target)

	// 先订阅，避免错过注册期间发出的激活广播；注册成功前收到的广播暂不生效
	registered := make(chan bool, 1)
	if c.channel != nil {
		sub, cancel := c.channel.Subscribe(4)
		defer cancel()
		go c.watchBroadcast(ctx, sub, registered)
	}

	script := Select(c.detector, c.scripts)
	reg, err := c.registrar.Register(ctx, script)
	registered <- err == nil
	if err != nil {
		c.log.Err(err, "工作者注册失败", "script", script.Path, "variant", string(script.Variant))
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	c.log.Debug("工作者注册完成", "script", script.Path, "variant", string(script.Variant), "active", reg.Active)

	if reg.Active {
		c.Notify(ctx, "registration_active")
	}
	if reg.Ready != nil {
		go func() {
			select {
			case <-reg.Ready:
				c.Notify(ctx, "ready")
			case <-ctx.Done():
			case <-c.navigated:
			}
		}()
	}

	select {
	case <-c.navigated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) watchBroadcast(ctx context.Context, sub <-chan broadcast.Message, registered <-chan bool) {
	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			if msg.Type != broadcast.TypeActivated {
				continue
			}
			c.log.Debug("收到工作者激活广播", "channel", c.channel.Name())
			select {
			case ok := <-registered:
				if ok {
					c.Notify(ctx, "activated_broadcast")
				}
			case <-ctx.Done():
			}
			return
		case <-ctx.Done():
			return
		case <-c.navigated:
			return
		}
	}
}

// Notify 触发一次就绪条件。仅第一次触发会离开等待状态并跳转，重复触发被忽略
func (c *Coordinator) Notify(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if c.state != StateWaitingForReady {
		c.mu.Unlock()
		return false
	}
	c.state = StateNavigated
	target := c.target
	c.mu.Unlock()

	defer close(c.navigated)
	if err := c.navigator.Replace(ctx, target); err != nil {
		c.log.Err(err, "页面跳转失败", "target", target, "reason", reason)
		return true
	}
	c.log.Info("页面已跳转", "target", target, "reason", reason)
	return true
}
