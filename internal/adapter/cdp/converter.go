package cdp

import (
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"

	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// ToTrafficRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToTrafficRequest(ev *fetch.RequestPausedReply, target domain.TargetID) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	if ev.Request.Method != "" {
		req.Method = ev.Request.Method
	}
	req.ResourceType = string(ev.ResourceType)
	req.ClientID = string(target)

	// 处理 Header
	if len(ev.Request.Headers) > 0 {
		gjson.ParseBytes(ev.Request.Headers).ForEach(func(k, v gjson.Result) bool {
			req.Headers.Set(k.String(), v.String())
			return true
		})
	}

	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	return req
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}

// ToFulfillArgs 将解析器响应转换为 Fetch.fulfillRequest 参数
func ToFulfillArgs(id fetch.RequestID, res *traffic.Response) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{RequestID: id, ResponseCode: res.StatusCode}
	if len(res.Headers) > 0 {
		args.ResponseHeaders = ToHeaderEntries(res.Headers)
	}
	if len(res.Body) > 0 {
		args.Body = res.Body
	}
	return args
}
