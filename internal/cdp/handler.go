package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	adapter "atworker/internal/adapter/cdp"
	"atworker/pkg/domain"
)

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession, rp fetch.RequestPausedClient) {
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// handle 将一次拦截交给路由方并执行其结论
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, m.processTimeout())
	defer cancel()
	start := time.Now()

	router := m.currentRouter()
	if router == nil {
		if err := m.executor.ContinueRequest(ctx, ts, ev); err != nil {
			m.log.Err(err, "放行请求失败", "target", string(ts.id), "url", ev.Request.URL)
		}
		return
	}

	req := adapter.ToTrafficRequest(ev, ts.id)
	out := router.Route(ctx, req)
	var err error
	switch out.Decision {
	case domain.DecisionManaged:
		if err = m.executor.FulfillRequest(ctx, ts, ev, out.Response); err != nil {
			m.log.Err(err, "返回解析响应失败，改为空响应", "target", string(ts.id), "url", ev.Request.URL)
			// 避免请求一直停留在暂停状态
			err = m.executor.FailRequest(ctx, ts, ev)
		}
	case domain.DecisionPassThrough:
		err = m.executor.ContinueRequest(ctx, ts, ev)
	default:
		err = m.executor.FailRequest(ctx, ts, ev)
	}
	if err != nil {
		m.log.Err(err, "执行拦截结论失败", "target", string(ts.id), "url", ev.Request.URL, "decision", out.Decision)
		return
	}
	m.log.Debug("拦截事件处理完成", "target", string(ts.id), "url", ev.Request.URL, "decision", out.Decision, "duration", time.Since(start))
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if ts.ctx.Err() != nil {
		m.log.Info("目标会话已关闭，停止事件消费", "target", string(ts.id))
		return
	}

	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()

	if cur, ok := m.targets[ts.id]; ok && cur == ts {
		m.closeTargetSession(cur)
		delete(m.targets, ts.id)
		if m.page == ts {
			m.page = nil
		}
	}
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ts.ctx, 1*time.Second)
	defer cancel()
	if err := m.executor.ContinueRequest(ctx, ts, ev); err != nil {
		m.log.Err(err, "降级放行失败", "target", string(ts.id), "requestID", string(ev.RequestID))
	}
}
