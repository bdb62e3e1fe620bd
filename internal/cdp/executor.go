package cdp

import (
	"context"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	adapter "atworker/internal/adapter/cdp"
	"atworker/pkg/traffic"
)

// Executor 对暂停的请求执行最终动作
type Executor interface {
	// ContinueRequest 原样放行，由浏览器完成普通网络请求
	ContinueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) error
	// FulfillRequest 以解析器的响应替代网络响应
	FulfillRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, res *traffic.Response) error
	// FailRequest 不给出任何响应
	FailRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) error
}

type cdpExecutor struct{}

func (cdpExecutor) ContinueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) error {
	return ts.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID})
}

func (cdpExecutor) FulfillRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, res *traffic.Response) error {
	return ts.client.Fetch.FulfillRequest(ctx, adapter.ToFulfillArgs(ev.RequestID, res))
}

func (cdpExecutor) FailRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) error {
	return ts.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{RequestID: ev.RequestID, ErrorReason: network.ErrorReasonFailed})
}
