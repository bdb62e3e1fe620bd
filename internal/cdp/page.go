package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"

	"atworker/internal/broadcast"
)

// pageSession 返回已附加的页面会话
func (m *Manager) pageSession() (*targetSession, error) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if m.page == nil {
		return nil, ErrNotAttached
	}
	return m.page, nil
}

// evaluate 在目标中执行表达式并按值返回结果
func (m *Manager) evaluate(ctx context.Context, ts *targetSession, expr string) (gjson.Result, error) {
	args := runtime.NewEvaluateArgs(expr).SetReturnByValue(true).SetAwaitPromise(true)
	reply, err := ts.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("evaluate on %s: %w", ts.id, err)
	}
	if reply.ExceptionDetails != nil {
		return gjson.Result{}, fmt.Errorf("evaluate on %s: %s", ts.id, reply.ExceptionDetails.Text)
	}
	return gjson.ParseBytes(reply.Result.Value), nil
}

// Replace 实现 bootstrap.Navigator：替换页面位置，不新增历史记录
func (m *Manager) Replace(ctx context.Context, target string) error {
	ts, err := m.pageSession()
	if err != nil {
		return err
	}
	_, err = m.evaluate(ctx, ts, replaceExpression(target))
	return err
}

// Location 返回页面当前地址
func (m *Manager) Location(ctx context.Context) (*url.URL, error) {
	ts, err := m.pageSession()
	if err != nil {
		return nil, err
	}
	res, err := m.evaluate(ctx, ts, "location.href")
	if err != nil {
		return nil, err
	}
	return url.Parse(res.String())
}

// UserAgent 返回页面的 UA 字符串
func (m *Manager) UserAgent(ctx context.Context) (string, error) {
	ts, err := m.pageSession()
	if err != nil {
		return "", err
	}
	res, err := m.evaluate(ctx, ts, "navigator.userAgent")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// RelayBroadcast 把频道消息转发到所有已接管目标的同名 BroadcastChannel，直到 ctx 结束
func (m *Manager) RelayBroadcast(ctx context.Context, ch *broadcast.Channel) {
	sub, cancel := ch.Subscribe(8)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			expr := postMessageExpression(ch.Name(), msg.Raw)
			for _, ts := range m.claimedSessions() {
				if _, err := m.evaluate(ctx, ts, expr); err != nil {
					m.log.Warn("转发广播失败", "target", string(ts.id), "type", msg.Type, "error", err)
				}
			}
		}
	}
}

// claimedSessions 返回已开启拦截的会话快照
func (m *Manager) claimedSessions() []*targetSession {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		if ts.intercepting {
			out = append(out, ts)
		}
	}
	return out
}

func replaceExpression(target string) string {
	return fmt.Sprintf("window.location.replace(%s)", jsString(target))
}

func postMessageExpression(channel string, raw []byte) string {
	payload := "null"
	if gjson.ValidBytes(raw) {
		payload = string(raw)
	}
	return fmt.Sprintf("(() => { const c = new BroadcastChannel(%s); c.postMessage(%s); c.close(); })()", jsString(channel), payload)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
