package domain

// WorkerID 工作者实例标识
type WorkerID string

// TargetID 浏览器目标标识
type TargetID string

// Decision 单次请求的路由结论
type Decision string

const (
	DecisionManaged     Decision = "managed"
	DecisionPassThrough Decision = "pass_through"
	DecisionFailed      Decision = "failed"
)

// LifecycleState 工作者生命周期状态
type LifecycleState string

const (
	StateParsed     LifecycleState = "parsed"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	StateRedundant  LifecycleState = "redundant"
)

// EventType 工作者事件类型
type EventType string

const (
	EventInstalled   EventType = "installed"
	EventActivated   EventType = "activated"
	EventInitialized EventType = "initialized"
	EventInitFailed  EventType = "init_failed"
	EventRouted      EventType = "routed"
)

// Event 工作者对外发布的事件
type Event struct {
	Type       EventType `json:"type"`
	Worker     WorkerID  `json:"worker"`
	Target     TargetID  `json:"target,omitempty"`
	URL        string    `json:"url,omitempty"`
	Method     string    `json:"method,omitempty"`
	Decision   Decision  `json:"decision,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMS,omitempty"`
	Timestamp  int64     `json:"timestamp"`
}

// TargetInfo 浏览器目标信息
type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// ScriptVariant 工作者脚本变体
type ScriptVariant string

const (
	// VariantModule 以模块类型注册，解析器通过具名导出访问
	VariantModule ScriptVariant = "module"
	// VariantClassic 经典脚本，解析器通过 importScripts 加载并挂在全局绑定对象上
	VariantClassic ScriptVariant = "classic"
)
