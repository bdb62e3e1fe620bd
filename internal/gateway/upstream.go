package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"atworker/pkg/traffic"
)

// 不转发的逐跳头
var hopHeaders = map[string]struct{}{
	"connection":        {},
	"content-length":    {},
	"host":              {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

func isHopHeader(name string) bool {
	_, ok := hopHeaders[strings.ToLower(name)]
	return ok
}

// Upstream 把直通请求原样转发给源站
type Upstream struct {
	base   *url.URL
	client *resty.Client
}

// NewUpstream 创建指向 base 的直通转发器。重定向原样返回给客户端
func NewUpstream(base string, timeout time.Duration) (*Upstream, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", base)
	}
	client := resty.New().
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Upstream{base: u, client: client}, nil
}

// Fetch 实现 worker.Fetcher
func (u *Upstream) Fetch(ctx context.Context, req *traffic.Request) (*traffic.Response, error) {
	target, err := u.target(req.URL)
	if err != nil {
		return nil, err
	}
	r := u.client.R().SetContext(ctx)
	for k, vs := range req.Headers {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	resp, err := r.Execute(req.Method, target)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, target, err)
	}

	out := &traffic.Response{StatusCode: resp.StatusCode(), Headers: make(traffic.Header), Body: resp.Body()}
	for k, vs := range resp.Header() {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			out.Headers.Add(k, v)
		}
	}
	return out, nil
}

// target 以源站地址替换请求的协议与主机，路径保持原有编码
func (u *Upstream) target(raw string) (string, error) {
	in, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	out := *u.base
	out.Path = strings.TrimSuffix(u.base.Path, "/") + in.Path
	out.RawPath = ""
	if in.RawPath != "" {
		out.RawPath = strings.TrimSuffix(u.base.EscapedPath(), "/") + in.RawPath
	}
	out.RawQuery = in.RawQuery
	return out.String(), nil
}
