package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atworker/pkg/domain"
)

// Collector 工作者事件指标
type Collector struct {
	registry *prometheus.Registry

	Routed        *prometheus.CounterVec
	RouteDuration *prometheus.HistogramVec
	InitTotal     *prometheus.CounterVec
	Lifecycle     *prometheus.CounterVec
}

// New 创建使用独立注册表的指标集合
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		Routed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atworker_requests_routed_total",
				Help: "Total number of intercepted requests by decision",
			},
			[]string{"decision"},
		),
		RouteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atworker_route_duration_seconds",
				Help:    "Time spent deciding and resolving an intercepted request",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"decision"},
		),
		InitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atworker_resolver_init_total",
				Help: "Resolver initialization attempts by result",
			},
			[]string{"result"},
		),
		Lifecycle: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atworker_lifecycle_events_total",
				Help: "Worker lifecycle transitions",
			},
			[]string{"event"},
		),
	}
}

// Observe 按事件类型更新指标
func (c *Collector) Observe(evt domain.Event) {
	switch evt.Type {
	case domain.EventRouted:
		c.Routed.WithLabelValues(string(evt.Decision)).Inc()
		c.RouteDuration.WithLabelValues(string(evt.Decision)).Observe(float64(evt.DurationMS) / 1000)
	case domain.EventInitialized:
		c.InitTotal.WithLabelValues("ok").Inc()
	case domain.EventInitFailed:
		c.InitTotal.WithLabelValues("error").Inc()
	case domain.EventInstalled, domain.EventActivated:
		c.Lifecycle.WithLabelValues(string(evt.Type)).Inc()
	}
}

// Handler 暴露指标的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
