package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 密钥指标
	KeysGenerated   prometheus.Counter
	Validations     *prometheus.CounterVec // result: valid 或失败原因码
	Activations     prometheus.Counter     // 新产生的硬件绑定
	AdminOperations *prometheus.CounterVec // op: ban, unban, delete, reset_hwid ...
	KeysByStatus    *prometheus.GaugeVec

	// 使用记录
	UsageDropped prometheus.Counter
	UsagePruned  prometheus.Counter

	// 系统指标
	SystemUptime prometheus.Gauge
	MemoryUsage  prometheus.Gauge
	WSClients    prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到独立的注册表，测试中可以重复创建
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyauth_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "endpoint"},
		),

		KeysGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyauth_keys_generated_total",
				Help: "Total number of license keys generated",
			},
		),

		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyauth_validations_total",
				Help: "License validations by result",
			},
			[]string{"result"},
		),

		Activations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyauth_activations_total",
				Help: "New hardware bindings created by validation",
			},
		),

		AdminOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyauth_admin_operations_total",
				Help: "Administrative key operations",
			},
			[]string{"op"},
		),

		KeysByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keyauth_keys",
				Help: "Number of license keys by status",
			},
			[]string{"status"},
		),

		UsageDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyauth_usage_dropped_total",
				Help: "Usage log entries dropped because the queue was full",
			},
		),

		UsagePruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyauth_usage_pruned_total",
				Help: "Usage log entries removed by retention",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyauth_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyauth_memory_usage_bytes",
				Help: "Heap memory in use in bytes",
			},
		),

		WSClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyauth_ws_clients",
				Help: "Connected admin websocket clients",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyauth_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyauth_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyauth_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	if responseSize >= 0 {
		m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
	}
}

// RecordKeyGenerated 记录密钥生成
func (m *Metrics) RecordKeyGenerated() {
	m.KeysGenerated.Inc()
}

// RecordValidation 记录验证结果；bound 表示本次产生了新绑定
func (m *Metrics) RecordValidation(result string, bound bool) {
	m.Validations.WithLabelValues(result).Inc()
	if bound {
		m.Activations.Inc()
	}
}

// RecordAdminOperation 记录管理操作
func (m *Metrics) RecordAdminOperation(op string) {
	m.AdminOperations.WithLabelValues(op).Inc()
}

// UpdateKeyStatistics 更新密钥状态分布
func (m *Metrics) UpdateKeyStatistics(active, banned, expired int) {
	m.KeysByStatus.WithLabelValues("active").Set(float64(active))
	m.KeysByStatus.WithLabelValues("banned").Set(float64(banned))
	m.KeysByStatus.WithLabelValues("expired").Set(float64(expired))
}

// RecordUsageDropped 记录被丢弃的使用记录
func (m *Metrics) RecordUsageDropped() {
	m.UsageDropped.Inc()
}

// RecordUsagePruned 记录被清理的使用记录数
func (m *Metrics) RecordUsagePruned(n int) {
	m.UsagePruned.Add(float64(n))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateWSClients 更新 websocket 连接数
func (m *Metrics) UpdateWSClients(n int) {
	m.WSClients.Set(float64(n))
}

// UpdateSystemStats 更新运行时间与内存
func (m *Metrics) UpdateSystemStats(uptime time.Duration) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.SystemUptime.Set(uptime.Seconds())
	m.MemoryUsage.Set(float64(ms.HeapInuse))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
