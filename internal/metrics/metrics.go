// Package metrics 网关的 Prometheus 指标
// 所有记录方法对 nil 接收者安全,未启用指标时直接传 nil
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ccs_gateway"

// Metrics 网关指标集合
type Metrics struct {
	sent             *prometheus.CounterVec   // 下行发送,按 result
	retries          prometheus.Counter       // 延迟重发次数
	purged           *prometheus.CounterVec   // 丢弃的消息,按 reason
	inboundFrames    *prometheus.CounterVec   // 上行帧,按 type
	nacks            *prometheus.CounterVec   // nack,按 error
	channelConnected *prometheus.GaugeVec     // 连接状态,按 role
	drainings        *prometheus.CounterVec   // draining 结果
	directoryCalls   *prometheus.CounterVec   // 目录服务调用,按 operation/result
	httpRequests     *prometheus.CounterVec   // HTTP 请求
	httpLatency      *prometheus.HistogramVec // HTTP 延迟
}

// New 创建并注册指标
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sent_total",
			Help:      "Downstream messages written to the CCS channel",
		}, []string{"result"}),

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Delayed resend attempts scheduled",
		}),

		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "purged_total",
			Help:      "Messages removed from the queue without a plain ack",
		}, []string{"reason"}),

		inboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Inbound frames by message type",
		}, []string{"type"}),

		nacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "nacks_total",
			Help:      "Nacks by error code",
		}, []string{"error"}),

		channelConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connected",
			Help:      "1 when the channel of the given role is connected",
		}, []string{"role"}),

		drainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "drainings_total",
			Help:      "Draining directives by outcome",
		}, []string{"result"}),

		directoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "calls_total",
			Help:      "Device group directory calls by operation and result",
		}, []string{"operation", "result"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),

		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	collectors := []prometheus.Collector{
		m.sent, m.retries, m.purged, m.inboundFrames, m.nacks,
		m.channelConnected, m.drainings, m.directoryCalls,
		m.httpRequests, m.httpLatency,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ==================== 投递 ====================

func (m *Metrics) RecordSent(err error) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) RecordPurged(reason string) {
	if m == nil {
		return
	}
	m.purged.WithLabelValues(reason).Inc()
}

// ==================== 分发 ====================

func (m *Metrics) RecordFrame(messageType string) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = "data"
	}
	m.inboundFrames.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordNack(code string) {
	if m == nil {
		return
	}
	m.nacks.WithLabelValues(code).Inc()
}

// ==================== 连接 ====================

func (m *Metrics) SetConnected(role string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.channelConnected.WithLabelValues(role).Set(value)
}

func (m *Metrics) RecordDraining(succeeded bool) {
	if m == nil {
		return
	}
	result := "degraded"
	if succeeded {
		result = "migrated"
	}
	m.drainings.WithLabelValues(result).Inc()
}

// ==================== 目录服务 ====================

func (m *Metrics) RecordDirectoryCall(operation string, err error) {
	if m == nil {
		return
	}
	m.directoryCalls.WithLabelValues(operation, resultLabel(err)).Inc()
}

// ==================== HTTP ====================

// GinMiddleware 记录请求次数与延迟,path 使用路由模板控制基数
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
