package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"atworker/internal/broadcast"
	"atworker/internal/logger"
	"atworker/internal/resolver"
	"atworker/pkg/domain"
)

var (
	// ErrInitialization 解析器初始化失败
	ErrInitialization = errors.New("resolver initialization failed")
	// ErrResolution 解析器判定或解析失败
	ErrResolution = errors.New("resolver resolution failed")
	// ErrInvalidTransition 生命周期状态不允许该操作
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Host 承载工作者的平台能力
type Host interface {
	// SkipWaiting 不等待旧工作者的客户端结束，立即进入激活
	SkipWaiting(ctx context.Context) error
	// Claim 接管作用域内所有已打开的客户端
	Claim(ctx context.Context) error
}

// NopHost 不做任何事的平台实现
type NopHost struct{}

func (NopHost) SkipWaiting(context.Context) error { return nil }
func (NopHost) Claim(context.Context) error       { return nil }

// Options 创建工作者实例的参数
type Options struct {
	Scope   string
	Binding resolver.Binding
	Host    Host
	// Channel 激活后发送 ACTIVATED 的广播频道，可为空
	Channel *broadcast.Channel
	// Events 事件输出，发送不阻塞，满则丢弃
	Events chan<- domain.Event
	// FallbackOnFailure 解析失败时改为直通网络，默认返回空响应
	FallbackOnFailure bool
	// ResolveTimeout 单次 resolve 的超时，0 表示不限制
	ResolveTimeout time.Duration
	// OnActivated 接管完成、广播 ACTIVATED 之前调用，宿主在此把实例设为控制者
	OnActivated func(*Instance)
	Logger      logger.Logger
}

// Instance 绑定到一个作用域的拦截工作者。initialized 只由惰性初始化器写入
type Instance struct {
	id       domain.WorkerID
	scope    string
	binding  resolver.Binding
	host     Host
	channel  *broadcast.Channel
	events   chan<- domain.Event
	fallback bool
	timeout  time.Duration
	onActive func(*Instance)
	log      logger.Logger

	stateMu sync.RWMutex
	state   domain.LifecycleState

	initialized  atomic.Bool
	initGroup    singleflight.Group
	initAttempts atomic.Int64
}

// New 创建处于 parsed 状态的工作者实例
func New(opts Options) *Instance {
	host := opts.Host
	if host == nil {
		host = NopHost{}
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	id := domain.WorkerID(uuid.NewString())
	return &Instance{
		id:       id,
		scope:    opts.Scope,
		binding:  opts.Binding,
		host:     host,
		channel:  opts.Channel,
		events:   opts.Events,
		fallback: opts.FallbackOnFailure,
		timeout:  opts.ResolveTimeout,
		onActive: opts.OnActivated,
		log:      l.With("worker", string(id)),
		state:    domain.StateParsed,
	}
}

// ID 返回实例标识
func (w *Instance) ID() domain.WorkerID { return w.id }

// Scope 返回控制的 URL 作用域
func (w *Instance) Scope() string { return w.scope }

// State 返回当前生命周期状态
func (w *Instance) State() domain.LifecycleState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

// Initialized 解析器是否已成功初始化
func (w *Instance) Initialized() bool { return w.initialized.Load() }

// InitAttempts 已发起的初始化次数
func (w *Instance) InitAttempts() int64 { return w.initAttempts.Load() }

// sendEvent 安全发送事件到通道，自动添加时间戳
func (w *Instance) sendEvent(evt domain.Event) {
	if w.events == nil {
		return
	}
	evt.Worker = w.id
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case w.events <- evt:
	default:
	}
}
