// Package observability Prometheus 指标导出
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有服务端指标
type Metrics struct {
	// 任务领取指标
	ClaimsTotal    prometheus.Counter
	TasksClaimed   prometheus.Counter
	ClaimLatency   prometheus.Histogram
	TasksUnclaimed prometheus.Gauge

	// 结果回传指标
	ReturnsAccepted *prometheus.CounterVec
	ReturnsRejected *prometheus.CounterVec
	ReturnLatency   prometheus.Histogram

	// 记录状态指标
	RecordsWaiting prometheus.Gauge
	RecordsRunning prometheus.Gauge

	// Manager 指标
	ManagersActive prometheus.Gauge

	// 服务编排指标
	ServiceIterations *prometheus.CounterVec
	ServicesActive    prometheus.Gauge
}

// NewMetrics 创建服务端指标实例
func NewMetrics(namespace, instance string) *Metrics {
	labels := prometheus.Labels{"instance": instance}

	return &Metrics{
		ClaimsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "claims_total",
				Help:        "Total task claim requests",
				ConstLabels: labels,
			},
		),
		TasksClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "tasks_claimed_total",
				Help:        "Total tasks handed out to managers",
				ConstLabels: labels,
			},
		),
		ClaimLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "claim_latency_seconds",
				Help:        "Task claim latency in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
				ConstLabels: labels,
			},
		),
		TasksUnclaimed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "tasks_unclaimed",
				Help:        "Number of tasks waiting to be claimed",
				ConstLabels: labels,
			},
		),
		ReturnsAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "returns_accepted_total",
				Help:        "Total accepted result returns by final status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		ReturnsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "returns_rejected_total",
				Help:        "Total rejected result returns by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		ReturnLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "return_latency_seconds",
				Help:        "Result return processing latency in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
				ConstLabels: labels,
			},
		),
		RecordsWaiting: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "records_waiting",
				Help:        "Number of records in waiting state",
				ConstLabels: labels,
			},
		),
		RecordsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "records_running",
				Help:        "Number of records in running state",
				ConstLabels: labels,
			},
		),
		ManagersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "managers_active",
				Help:        "Number of active compute managers",
				ConstLabels: labels,
			},
		),
		ServiceIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "service_iterations_total",
				Help:        "Total service orchestration iterations by record type",
				ConstLabels: labels,
			},
			[]string{"record_type"},
		),
		ServicesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "services_active",
				Help:        "Number of active services",
				ConstLabels: labels,
			},
		),
	}
}

// RecordClaim 记录一次任务领取
func (m *Metrics) RecordClaim(claimed int, latency time.Duration) {
	m.ClaimsTotal.Inc()
	m.TasksClaimed.Add(float64(claimed))
	m.ClaimLatency.Observe(latency.Seconds())
}

// RecordReturn 记录一次结果回传
func (m *Metrics) RecordReturn(status string, latency time.Duration) {
	m.ReturnsAccepted.WithLabelValues(status).Inc()
	m.ReturnLatency.Observe(latency.Seconds())
}

// RecordReject 记录一次回传拒收
func (m *Metrics) RecordReject(reason string) {
	m.ReturnsRejected.WithLabelValues(reason).Inc()
}

// RecordServiceIteration 记录一次服务迭代
func (m *Metrics) RecordServiceIteration(recordType string) {
	m.ServiceIterations.WithLabelValues(recordType).Inc()
}

// SetQueueGauges 设置队列水位
func (m *Metrics) SetQueueGauges(unclaimed, waiting, running int) {
	m.TasksUnclaimed.Set(float64(unclaimed))
	m.RecordsWaiting.Set(float64(waiting))
	m.RecordsRunning.Set(float64(running))
}

// SetManagersActive 设置活跃 Manager 数
func (m *Metrics) SetManagersActive(count int) {
	m.ManagersActive.Set(float64(count))
}

// SetServicesActive 设置活跃服务数
func (m *Metrics) SetServicesActive(count int) {
	m.ServicesActive.Set(float64(count))
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
