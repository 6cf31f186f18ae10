// Package metrics 汇总代理的 Prometheus 指标。
// 所有方法对 nil *Collector 都是空操作，关闭指标时直接传 nil 即可。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jean_claude"

// Collector 持有全部指标及其注册表。
type Collector struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	rateLimitRejections prometheus.Counter
	upstreamResponses   *prometheus.CounterVec
	sseFrames           *prometheus.CounterVec
}

// NewCollector 创建并注册指标。registry 为 nil 时新建一个独立的注册表。
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route and status code.",
		}, []string{"route", "status"}),
		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Chat requests rejected by the sliding-window limiter.",
		}),
		upstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Responses received from the upstream chat API, by status code.",
		}, []string{"status"}),
		sseFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_frames_total",
			Help:      "Upstream SSE frames seen by the re-streamer, by outcome.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		c.httpRequests,
		c.rateLimitRejections,
		c.upstreamResponses,
		c.sseFrames,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest 记录一次 HTTP 请求。
func (c *Collector) RecordRequest(route string, status int) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// RecordRateLimited 记录一次限流拒绝。
func (c *Collector) RecordRateLimited() {
	if c == nil {
		return
	}
	c.rateLimitRejections.Inc()
}

// RecordUpstream 记录上游响应状态码。
func (c *Collector) RecordUpstream(status int) {
	if c == nil {
		return
	}
	c.upstreamResponses.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordStream 记录一次转发流的帧统计。
func (c *Collector) RecordStream(forwarded, dropped, malformed int, done bool) {
	if c == nil {
		return
	}
	c.sseFrames.WithLabelValues("forwarded").Add(float64(forwarded))
	c.sseFrames.WithLabelValues("dropped").Add(float64(dropped))
	c.sseFrames.WithLabelValues("malformed").Add(float64(malformed))
	if done {
		c.sseFrames.WithLabelValues("done").Inc()
	}
}

// Handler 返回 /metrics 的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
