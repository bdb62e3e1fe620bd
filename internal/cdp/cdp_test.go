package cdp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atworker/internal/logger"
	"atworker/internal/worker"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

type recordingExecutor struct {
	mu         sync.Mutex
	actions    []string
	bodies     [][]byte
	fulfillErr error
}

func (e *recordingExecutor) add(action string, body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	e.bodies = append(e.bodies, body)
}

func (e *recordingExecutor) ContinueRequest(_ context.Context, _ *targetSession, _ *fetch.RequestPausedReply) error {
	e.add("continue", nil)
	return nil
}

func (e *recordingExecutor) FulfillRequest(_ context.Context, _ *targetSession, _ *fetch.RequestPausedReply, res *traffic.Response) error {
	e.add("fulfill", res.Body)
	return e.fulfillErr
}

func (e *recordingExecutor) FailRequest(_ context.Context, _ *targetSession, _ *fetch.RequestPausedReply) error {
	e.add("fail", nil)
	return nil
}

func (e *recordingExecutor) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.actions...)
}

type staticRouter struct {
	out  worker.Outcome
	seen *traffic.Request
}

func (r *staticRouter) Route(_ context.Context, req *traffic.Request) worker.Outcome {
	r.seen = req
	return r.out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingExecutor, *targetSession) {
	t.Helper()
	m := New(cfg)
	exec := &recordingExecutor{}
	m.executor = exec
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := &targetSession{id: "tab-1", ctx: ctx, cancel: cancel}
	return m, exec, ts
}

func pausedEvent(u string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID: "req-1",
		Request:   network.Request{URL: u, Method: "GET"},
	}
}

func TestHandle_Decisions(t *testing.T) {
	res := traffic.NewResponse()
	res.Body = []byte("managed")

	cases := []struct {
		name string
		out  worker.Outcome
		want string
	}{
		{"managed", worker.Outcome{Decision: domain.DecisionManaged, Response: res}, "fulfill"},
		{"pass through", worker.Outcome{Decision: domain.DecisionPassThrough}, "continue"},
		{"failed", worker.Outcome{Decision: domain.DecisionFailed, Err: errors.New("boom")}, "fail"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, exec, ts := newTestManager(t, Config{Scope: "http://localhost:8080/"})
			router := &staticRouter{out: tc.out}
			m.SetRouter(router)

			m.handle(ts, pausedEvent("http://localhost:8080/at/x"))

			assert.Equal(t, []string{tc.want}, exec.snapshot())
			require.NotNil(t, router.seen)
			assert.Equal(t, "http://localhost:8080/at/x", router.seen.URL)
			assert.Equal(t, "tab-1", router.seen.ClientID)
		})
	}
}

func TestHandle_FulfillErrorFailsRequestAndLogs(t *testing.T) {
	var buf bytes.Buffer
	m, exec, ts := newTestManager(t, Config{Logger: logger.FromZerolog(zerolog.New(&buf))})
	exec.fulfillErr = errors.New("Invalid InterceptionId")
	res := traffic.NewResponse()
	m.SetRouter(&staticRouter{out: worker.Outcome{Decision: domain.DecisionManaged, Response: res}})

	m.handle(ts, pausedEvent("http://localhost:8080/at/x"))

	assert.Equal(t, []string{"fulfill", "fail"}, exec.snapshot())
	assert.Contains(t, buf.String(), "Invalid InterceptionId")
}

func TestHandle_NoRouterContinues(t *testing.T) {
	m, exec, ts := newTestManager(t, Config{})
	m.handle(ts, pausedEvent("http://localhost:8080/"))
	assert.Equal(t, []string{"continue"}, exec.snapshot())
}

func TestDispatchPaused_Pool(t *testing.T) {
	m, exec, ts := newTestManager(t, Config{Concurrency: 2, QueueCapacity: 4})
	m.SetRouter(&staticRouter{out: worker.Outcome{Decision: domain.DecisionPassThrough}})

	for i := 0; i < 3; i++ {
		m.dispatchPaused(ts, pausedEvent("http://localhost:8080/"))
	}
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 3 }, time.Second, time.Millisecond)
	require.NoError(t, m.Detach())
}

func TestWorkPool_FullQueue(t *testing.T) {
	p := newWorkPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.submit(func() { close(started); <-block }))
	<-started
	require.True(t, p.submit(func() {}))
	assert.False(t, p.submit(func() {}))
	close(block)
	p.stop()
	assert.False(t, p.submit(func() {}))
}

func TestManager_Targets(t *testing.T) {
	m := New(Config{Scope: "http://localhost:8080/"})
	m.listTargets = func(context.Context) ([]*devtool.Target, error) {
		return []*devtool.Target{
			{ID: "a", Type: devtool.Page, URL: "http://localhost:8080/at/x", Title: "A"},
			{ID: "b", Type: "service_worker", URL: "http://localhost:8080/sw.js"},
		}, nil
	}
	targets, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, domain.TargetID("a"), targets[0].ID)
	assert.Equal(t, "page", targets[0].Type)

	err = m.AttachTarget(context.Background(), "missing")
	assert.Error(t, err)

	assert.True(t, m.InScope("http://localhost:8080/at/x"))
	assert.False(t, m.InScope("http://example.com/"))
	assert.False(t, New(Config{}).InScope("http://localhost:8080/"))
}

func TestManager_NotAttached(t *testing.T) {
	m := New(Config{})
	assert.ErrorIs(t, m.Replace(context.Background(), "/at/x"), ErrNotAttached)
	_, err := m.Location(context.Background())
	assert.ErrorIs(t, err, ErrNotAttached)
	_, err = m.UserAgent(context.Background())
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestExpressions(t *testing.T) {
	assert.Equal(t, `window.location.replace("/at/a\"b")`, replaceExpression(`/at/a"b`))
	assert.Equal(t,
		`(() => { const c = new BroadcastChannel("sw"); c.postMessage({"type":"ACTIVATED"}); c.close(); })()`,
		postMessageExpression("sw", []byte(`{"type":"ACTIVATED"}`)))
	assert.Contains(t, postMessageExpression("sw", []byte("not json")), "postMessage(null)")
}
