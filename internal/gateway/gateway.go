package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"atworker/internal/bootstrap"
	"atworker/internal/broadcast"
	"atworker/internal/logger"
	"atworker/internal/metrics"
	"atworker/internal/storage"
	"atworker/internal/worker"
	"atworker/pkg/domain"
	"atworker/pkg/traffic"
)

// Backend 网关背后的工作者服务
type Backend interface {
	bootstrap.Registrar
	Serve(ctx context.Context, req *traffic.Request, fetch worker.Fetcher) (*traffic.Response, error)
	Channel() *broadcast.Channel
	Active() *worker.Instance
}

// Options 网关依赖
type Options struct {
	Addr string
	// Bootstrap 引导页路径，为空时不提供引导
	Bootstrap      string
	ReadyTimeout   time.Duration
	Redirect       bootstrap.RedirectConfig
	Scripts        bootstrap.Scripts
	ClassicMarkers []string

	Service  Backend
	Upstream worker.Fetcher
	Metrics  *metrics.Collector
	Journal  *storage.Journal
	Logger   logger.Logger
}

// Gateway 以 HTTP 方式承载工作者：作用域内的请求交给工作者，直通请求转发到源站
type Gateway struct {
	opts   Options
	log    logger.Logger
	engine *gin.Engine
}

// New 创建网关
func New(opts Options) *Gateway {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	g := &Gateway{opts: opts, log: l}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", g.health)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	if opts.Journal != nil {
		r.GET("/_atworker/events", g.events)
	}
	if opts.Bootstrap != "" {
		r.GET(opts.Bootstrap, g.bootstrap)
	}
	r.NoRoute(g.intercept)
	g.engine = r
	return g
}

// Handler 返回 HTTP 处理器
func (g *Gateway) Handler() http.Handler { return g.engine }

// Run 监听并服务，ctx 结束时优雅关闭
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.engine}
	errCh := make(chan error, 1)
	go func() {
		g.log.Info("网关开始监听", "addr", g.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) health(c *gin.Context) {
	body := gin.H{"status": "ok", "active": false}
	if w := g.opts.Service.Active(); w != nil {
		body["active"] = true
		body["worker"] = w.ID()
		body["state"] = w.State()
		body["initialized"] = w.Initialized()
	}
	c.JSON(http.StatusOK, body)
}

func (g *Gateway) events(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recs, err := g.opts.Journal.Recent(c.Request.Context(), domain.EventType(c.Query("type")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

// bootstrap 引导页：按 UA 选择脚本变体注册工作者，就绪后以 302 跳转到计算出的目标
func (g *Gateway) bootstrap(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.opts.ReadyTimeout)
	defer cancel()

	coord := bootstrap.NewCoordinator(bootstrap.CoordinatorConfig{
		Redirect:  g.opts.Redirect,
		Scripts:   g.opts.Scripts,
		Detector:  bootstrap.UserAgentDetector{UserAgent: c.Request.UserAgent(), Markers: g.opts.ClassicMarkers},
		Registrar: g.opts.Service,
		Navigator: bootstrap.NavigatorFunc(func(context.Context, string) error { return nil }),
		Channel:   g.opts.Service.Channel(),
		Logger:    g.log,
	})
	err := coord.Run(ctx, c.Request.URL)
	switch {
	case errors.Is(err, bootstrap.ErrRegistration):
		c.Status(http.StatusInternalServerError)
		return
	case err != nil:
		g.log.Warn("等待工作者就绪超时", "error", err)
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, coord.Target())
}

// intercept 作用域内的普通请求：交给工作者，失败时返回空响应
func (g *Gateway) intercept(c *gin.Context) {
	req, err := toTrafficRequest(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	res, err := g.opts.Service.Serve(c.Request.Context(), req, g.fetcher())
	if err != nil {
		g.log.Err(err, "直通请求失败", "url", req.URL)
		c.Status(http.StatusBadGateway)
		return
	}
	if res == nil {
		c.Status(http.StatusBadGateway)
		return
	}
	writeResponse(c, res)
}

func (g *Gateway) fetcher() worker.Fetcher {
	if g.opts.Upstream != nil {
		return g.opts.Upstream
	}
	return worker.FetcherFunc(func(context.Context, *traffic.Request) (*traffic.Response, error) {
		return &traffic.Response{StatusCode: http.StatusNotFound, Headers: make(traffic.Header)}, nil
	})
}

func toTrafficRequest(c *gin.Context) (*traffic.Request, error) {
	req := traffic.NewRequest()
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	req.ID = c.GetHeader("X-Request-Id")
	req.URL = scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
	req.Method = c.Request.Method
	req.ClientID = c.ClientIP()
	for k, vs := range c.Request.Header {
		for _, v := range vs {
			req.Headers.Add(k, v)
		}
	}
	if c.Request.Body != nil {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			req.Body = body
		}
	}
	return req, nil
}

func writeResponse(c *gin.Context, res *traffic.Response) {
	for k, vs := range res.Headers {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	if len(res.Body) > 0 {
		_, _ = c.Writer.Write(res.Body)
	}
}
