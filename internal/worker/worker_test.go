package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atworker/internal/broadcast"
	"atworker/internal/resolver"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// stubBinding 计数的解析器桩
type stubBinding struct {
	inits    atomic.Int64
	logInits atomic.Int64
	release  chan struct{}
	initErr  func(n int64) error
}

func (s *stubBinding) funcs() *resolver.Funcs {
	return &resolver.Funcs{
		InitFunc: func(ctx context.Context) error {
			n := s.inits.Add(1)
			if s.release != nil {
				<-s.release
			}
			if s.initErr != nil {
				return s.initErr(n)
			}
			return nil
		},
		IsManagedFunc: func(_ context.Context, req *traffic.Request) (bool, error) {
			return req.Path() != "/style.css", nil
		},
		ResolveFunc: func(_ context.Context, req *traffic.Request) (*traffic.Response, error) {
			res := traffic.NewResponse()
			res.Body = []byte("resolved " + req.Path())
			return res, nil
		},
		InitLogFunc: func() error {
			s.logInits.Add(1)
			return nil
		},
	}
}

func request(url string) *traffic.Request {
	req := traffic.NewRequest()
	req.URL = url
	return req
}

func networkFetcher(body string) (Fetcher, *traffic.Response) {
	res := traffic.NewResponse()
	res.Headers.Set("Content-Type", "text/css")
	res.Body = []byte(body)
	return FetcherFunc(func(context.Context, *traffic.Request) (*traffic.Response, error) {
		return res, nil
	}), res
}

func TestRoute_ConcurrentFirstRequestsInitializeOnce(t *testing.T) {
	stub := &stubBinding{release: make(chan struct{})}
	w := New(Options{Binding: stub.funcs()})

	const n = 50
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = w.Route(context.Background(), request("http://localhost/at/page"))
		}(i)
	}

	// 在初始化完成前不应有任何请求完成路由
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.Initialized())
	close(stub.release)
	wg.Wait()

	assert.EqualValues(t, 1, stub.inits.Load())
	assert.EqualValues(t, 1, stub.logInits.Load())
	assert.True(t, w.Initialized())
	for _, out := range outcomes {
		assert.Equal(t, domain.DecisionManaged, out.Decision)
	}
}

func TestRoute_InitFailureRetries(t *testing.T) {
	stub := &stubBinding{initErr: func(n int64) error {
		if n == 1 {
			return errors.New("wasm fetch failed")
		}
		return nil
	}}
	w := New(Options{Binding: stub.funcs()})

	out := w.Route(context.Background(), request("http://localhost/at/page"))
	assert.Equal(t, domain.DecisionFailed, out.Decision)
	assert.Nil(t, out.Response)
	assert.ErrorIs(t, out.Err, ErrInitialization)
	assert.False(t, w.Initialized())
	assert.Zero(t, stub.logInits.Load())

	out = w.Route(context.Background(), request("http://localhost/at/page"))
	assert.Equal(t, domain.DecisionManaged, out.Decision)
	assert.True(t, w.Initialized())
	assert.EqualValues(t, 2, w.InitAttempts())

	w.Route(context.Background(), request("http://localhost/at/other"))
	assert.EqualValues(t, 2, stub.inits.Load())
}

func TestRoute_CancelledWaiterDoesNotAbortSharedInit(t *testing.T) {
	stub := &stubBinding{release: make(chan struct{})}
	w := New(Options{Binding: stub.funcs()})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Outcome, 1)
	go func() { first <- w.Route(ctx, request("http://localhost/at/a")) }()

	require.Eventually(t, func() bool { return stub.inits.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	out := <-first
	assert.Equal(t, domain.DecisionFailed, out.Decision)
	assert.ErrorIs(t, out.Err, context.Canceled)

	close(stub.release)
	out = w.Route(context.Background(), request("http://localhost/at/b"))
	assert.Equal(t, domain.DecisionManaged, out.Decision)
	assert.EqualValues(t, 1, stub.inits.Load())
}

func TestServe_PassThroughIsTransparent(t *testing.T) {
	stub := &stubBinding{}
	w := New(Options{Binding: stub.funcs()})
	fetch, network := networkFetcher("body { color: red }")

	res, err := w.Serve(context.Background(), request("http://localhost/style.css"), fetch)
	require.NoError(t, err)
	assert.Same(t, network, res)
	assert.Equal(t, []byte("body { color: red }"), res.Body)
}

func TestServe_ManagedReturnsResolverOutput(t *testing.T) {
	want := traffic.NewResponse()
	want.Body = []byte("<html>page</html>")
	b := &resolver.Funcs{
		IsManagedFunc: func(context.Context, *traffic.Request) (bool, error) { return true, nil },
		ResolveFunc: func(context.Context, *traffic.Request) (*traffic.Response, error) {
			return want, nil
		},
	}
	w := New(Options{Binding: b})
	fetch, _ := networkFetcher("network")

	res, err := w.Serve(context.Background(), request("http://localhost/at/p"), fetch)
	require.NoError(t, err)
	assert.Same(t, want, res)
}

func TestRoute_MissingManagedCheckAlwaysResolves(t *testing.T) {
	var resolved atomic.Int64
	b := &resolver.Funcs{
		ResolveFunc: func(context.Context, *traffic.Request) (*traffic.Response, error) {
			resolved.Add(1)
			return traffic.NewResponse(), nil
		},
	}
	w := New(Options{Binding: b})

	out := w.Route(context.Background(), request("http://localhost/style.css"))
	assert.Equal(t, domain.DecisionManaged, out.Decision)
	assert.EqualValues(t, 1, resolved.Load())
}

func TestRoute_ResolutionFailureIsIsolated(t *testing.T) {
	b := &resolver.Funcs{
		IsManagedFunc: func(context.Context, *traffic.Request) (bool, error) { return true, nil },
		ResolveFunc: func(_ context.Context, req *traffic.Request) (*traffic.Response, error) {
			switch req.Path() {
			case "/at/broken":
				return nil, errors.New("object not found")
			case "/at/panic":
				panic("unreachable executed")
			case "/at/nil":
				return nil, nil
			}
			return traffic.NewResponse(), nil
		},
	}
	w := New(Options{Binding: b})
	fetch, _ := networkFetcher("network")

	for _, p := range []string{"/at/broken", "/at/panic", "/at/nil"} {
		out := w.Route(context.Background(), request("http://localhost"+p))
		assert.Equal(t, domain.DecisionFailed, out.Decision, p)
		assert.ErrorIs(t, out.Err, ErrResolution, p)

		res, err := w.Serve(context.Background(), request("http://localhost"+p), fetch)
		assert.NoError(t, err)
		assert.Nil(t, res)
	}

	out := w.Route(context.Background(), request("http://localhost/at/fine"))
	assert.Equal(t, domain.DecisionManaged, out.Decision)
	assert.NoError(t, out.Err)
}

func TestRoute_ManagedCheckFailure(t *testing.T) {
	b := &resolver.Funcs{
		IsManagedFunc: func(context.Context, *traffic.Request) (bool, error) { return false, errors.New("bad url") },
		ResolveFunc: func(context.Context, *traffic.Request) (*traffic.Response, error) {
			return traffic.NewResponse(), nil
		},
	}
	w := New(Options{Binding: b})
	out := w.Route(context.Background(), request("http://localhost/at/x"))
	assert.Equal(t, domain.DecisionFailed, out.Decision)
	assert.ErrorIs(t, out.Err, ErrResolution)
}

func TestRoute_FallbackOnFailure(t *testing.T) {
	b := &resolver.Funcs{
		ResolveFunc: func(context.Context, *traffic.Request) (*traffic.Response, error) {
			return nil, errors.New("boom")
		},
	}
	w := New(Options{Binding: b, FallbackOnFailure: true})
	fetch, network := networkFetcher("origin")

	res, err := w.Serve(context.Background(), request("http://localhost/at/x"), fetch)
	require.NoError(t, err)
	assert.Same(t, network, res)
}

func TestRoute_ResolveTimeout(t *testing.T) {
	b := &resolver.Funcs{
		ResolveFunc: func(ctx context.Context, _ *traffic.Request) (*traffic.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	w := New(Options{Binding: b, ResolveTimeout: 10 * time.Millisecond})
	out := w.Route(context.Background(), request("http://localhost/at/x"))
	assert.Equal(t, domain.DecisionFailed, out.Decision)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestInitLogFailureDoesNotBlockRouting(t *testing.T) {
	b := &resolver.Funcs{
		ResolveFunc: func(context.Context, *traffic.Request) (*traffic.Response, error) {
			return traffic.NewResponse(), nil
		},
		InitLogFunc: func() error { panic("logger already set") },
	}
	w := New(Options{Binding: b})
	out := w.Route(context.Background(), request("http://localhost/at/x"))
	assert.Equal(t, domain.DecisionManaged, out.Decision)
	assert.True(t, w.Initialized())
}

type recordingHost struct {
	skipErr, claimErr error
	calls             []string
	mu                sync.Mutex
}

func (h *recordingHost) SkipWaiting(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "skip")
	return h.skipErr
}

func (h *recordingHost) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "claim")
	return h.claimErr
}

func TestLifecycle_InstallActivateBroadcast(t *testing.T) {
	stub := &stubBinding{}
	host := &recordingHost{}
	ch := broadcast.NewHub().Open(broadcast.WorkerChannel)
	sub, cancel := ch.Subscribe(1)
	defer cancel()
	events := make(chan domain.Event, 8)

	w := New(Options{Scope: "http://localhost/", Binding: stub.funcs(), Host: host, Channel: ch, Events: events})
	assert.Equal(t, domain.StateParsed, w.State())

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, domain.StateInstalled, w.State())
	// 安装阶段不初始化解析器
	assert.Zero(t, stub.inits.Load())

	require.NoError(t, w.Activate(context.Background()))
	assert.Equal(t, domain.StateActivated, w.State())
	assert.Equal(t, []string{"skip", "claim"}, host.calls)

	msg := <-sub
	assert.Equal(t, broadcast.TypeActivated, msg.Type)

	assert.Equal(t, domain.EventInstalled, (<-events).Type)
	evt := <-events
	assert.Equal(t, domain.EventActivated, evt.Type)
	assert.Equal(t, w.ID(), evt.Worker)
}

func TestLifecycle_Failures(t *testing.T) {
	w := New(Options{Host: &recordingHost{skipErr: errors.New("script evaluation failed")}})
	assert.Error(t, w.Install(context.Background()))
	assert.Equal(t, domain.StateRedundant, w.State())

	w = New(Options{Host: &recordingHost{claimErr: errors.New("target closed")}})
	require.NoError(t, w.Install(context.Background()))
	assert.Error(t, w.Activate(context.Background()))
	assert.Equal(t, domain.StateRedundant, w.State())

	w = New(Options{})
	assert.ErrorIs(t, w.Activate(context.Background()), ErrInvalidTransition)
	require.NoError(t, w.Install(context.Background()))
	assert.ErrorIs(t, w.Install(context.Background()), ErrInvalidTransition)

	w.Retire()
	assert.Equal(t, domain.StateRedundant, w.State())
}

func TestRoute_EmitsEvents(t *testing.T) {
	stub := &stubBinding{}
	events := make(chan domain.Event, 8)
	w := New(Options{Binding: stub.funcs(), Events: events})

	req := request("http://localhost/style.css")
	req.ClientID = "tab-1"
	w.Route(context.Background(), req)

	assert.Equal(t, domain.EventInitialized, (<-events).Type)
	evt := <-events
	assert.Equal(t, domain.EventRouted, evt.Type)
	assert.Equal(t, domain.DecisionPassThrough, evt.Decision)
	assert.Equal(t, domain.TargetID("tab-1"), evt.Target)
	assert.NotZero(t, evt.Timestamp)
}
