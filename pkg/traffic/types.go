package traffic

import (
	"net/http"
	"net/url"
	"strings"
)

// Header 封装通用的头部操作，键统一为小写，同名头保留全部取值及顺序
type Header map[string][]string

// Get 获取指定 Header 的第一个值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if vs := h[strings.ToLower(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values 获取指定 Header 的全部值
func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值，覆盖已有取值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = []string{value}
}

// Add 追加指定 Header 的值，如多个 Set-Cookie
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	h[k] = append(h[k], value)
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 复制头部
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Request 被拦截的请求，观察后不可变
type Request struct {
	ID           string // 拦截事件唯一ID
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头
	Body         []byte // 请求体原始数据
	ResourceType string // 资源类型 (如 Document, XHR)
	ClientID     string // 发起请求的客户端（页面/目标）
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Headers    Header // 响应头
	Body       []byte // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Method:  http.MethodGet,
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// Path 返回请求 URL 的路径部分，解析失败时返回空串
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Path
}
