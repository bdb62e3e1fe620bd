package broadcast

import (
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WorkerChannel 工作者与页面之间约定的频道名
const WorkerChannel = "sw"

// TypeActivated 工作者激活消息类型
const TypeActivated = "ACTIVATED"

// ErrClosed 频道已关闭
var ErrClosed = errors.New("broadcast channel closed")

// Message 跨上下文消息，以 JSON 形式传递，type 字段决定语义
type Message struct {
	Type string
	Raw  []byte
}

// NewMessage 构造仅含 type 字段的消息
func NewMessage(typ string) Message {
	raw, _ := sjson.SetBytes([]byte(`{}`), "type", typ)
	return Message{Type: typ, Raw: raw}
}

// Activated 返回 {type:"ACTIVATED"} 消息
func Activated() Message { return NewMessage(TypeActivated) }

// Decode 解析 JSON 消息；缺少 type 字段的消息 Type 为空
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, errors.New("invalid broadcast payload")
	}
	return Message{Type: gjson.GetBytes(raw, "type").String(), Raw: raw}, nil
}

// Hub 进程内的命名频道集合，同名 Open 返回同一频道
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub 创建频道集合
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*Channel)}
}

// Open 打开（必要时创建）命名频道
func (h *Hub) Open(name string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[name]; ok {
		return ch
	}
	ch := &Channel{name: name, subs: make(map[int]chan Message)}
	h.channels[name] = ch
	return ch
}

// Close 关闭所有频道
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, ch := range h.channels {
		ch.close()
		delete(h.channels, name)
	}
}

// Channel 命名广播频道，消息投递给发送时已存在的所有订阅者
type Channel struct {
	name string

	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int
	closed bool
}

// Name 返回频道名
func (c *Channel) Name() string { return c.name }

// Post 向所有订阅者投递消息，订阅者缓冲已满时丢弃该订阅者的这条消息
func (c *Channel) Post(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, sub := range c.subs {
		select {
		case sub <- msg:
		default:
		}
	}
	return nil
}

// Subscribe 订阅频道，返回消息通道与取消函数
func (c *Channel) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Message, buffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		close(sub)
		delete(c.subs, id)
	}
}
