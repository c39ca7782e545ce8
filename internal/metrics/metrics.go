// Package metrics 提供聊天核心的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "circlechat"

// Metrics 汇总全部指标。nil *Metrics 可以使用，不记录任何数据。
type Metrics struct {
	registry *prometheus.Registry

	LiveAttempts          *prometheus.CounterVec
	LiveConnects          *prometheus.CounterVec
	LiveDisconnects       *prometheus.CounterVec
	LiveDiscoveryFailures *prometheus.CounterVec
	LiveDroppedFrames     *prometheus.CounterVec
	LiveState             *prometheus.GaugeVec

	Sends        prometheus.Counter
	SendFailures prometheus.Counter
	Retries      prometheus.Counter
	Deletes      prometheus.Counter
	MarkReads    prometheus.Counter

	QueueDepth        *prometheus.GaugeVec
	OpenConversations prometheus.Gauge
}

// New 创建独立的注册表，包含 Go 运行时、进程指标及聊天指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		LiveAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "connect_attempts_total",
			Help: "Live channel connection attempts.",
		}, []string{"conversation"}),
		LiveConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "connects_total",
			Help: "Live channel connections that reached the ready state.",
		}, []string{"conversation"}),
		LiveDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "disconnects_total",
			Help: "Live channel connections lost after being ready.",
		}, []string{"conversation"}),
		LiveDiscoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "discovery_failures_total",
			Help: "Live endpoint lookups that failed.",
		}, []string{"conversation"}),
		LiveDroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "dropped_frames_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}, []string{"conversation"}),
		LiveState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "live", Name: "state",
			Help: "Live channel state: 0 disconnected, 1 connecting, 2 connected.",
		}, []string{"conversation"}),
		Sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "send", Name: "messages_total",
			Help: "Messages handed to the send pipeline.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "send", Name: "failures_total",
			Help: "Sends that ended in the failed state.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "send", Name: "retries_total",
			Help: "Explicit retries of failed messages.",
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "send", Name: "deletes_total",
			Help: "Message deletions requested.",
		}),
		MarkReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "mark_read_total",
			Help: "Mark-read calls issued to the server.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mutation", Name: "queue_depth",
			Help: "Operations waiting in a conversation's mutation queue.",
		}, []string{"conversation"}),
		OpenConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conversation", Name: "open",
			Help: "Conversations currently open.",
		}),
	}

	reg.MustRegister(
		m.LiveAttempts, m.LiveConnects, m.LiveDisconnects, m.LiveDiscoveryFailures,
		m.LiveDroppedFrames, m.LiveState,
		m.Sends, m.SendFailures, m.Retries, m.Deletes, m.MarkReads,
		m.QueueDepth, m.OpenConversations,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 以 Prometheus 文本格式输出指标。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Live 返回单个会话的实时通道指标记录器。
func (m *Metrics) Live(conversationID string) *Live {
	if m == nil {
		return nil
	}
	return &Live{m: m, conversation: conversationID}
}

// Live 记录单个会话的通道事件。nil *Live 可以使用。
type Live struct {
	m            *Metrics
	conversation string
}

func (l *Live) Attempt() {
	if l != nil {
		l.m.LiveAttempts.WithLabelValues(l.conversation).Inc()
	}
}

func (l *Live) Connected() {
	if l != nil {
		l.m.LiveConnects.WithLabelValues(l.conversation).Inc()
	}
}

func (l *Live) Disconnected() {
	if l != nil {
		l.m.LiveDisconnects.WithLabelValues(l.conversation).Inc()
	}
}

func (l *Live) DiscoveryFailed() {
	if l != nil {
		l.m.LiveDiscoveryFailures.WithLabelValues(l.conversation).Inc()
	}
}

func (l *Live) DroppedFrame() {
	if l != nil {
		l.m.LiveDroppedFrames.WithLabelValues(l.conversation).Inc()
	}
}

func (l *Live) State(v int) {
	if l != nil {
		l.m.LiveState.WithLabelValues(l.conversation).Set(float64(v))
	}
}

// Forget 在会话关闭后删除该会话的指标序列。
func (l *Live) Forget() {
	if l == nil {
		return
	}
	for _, vec := range []*prometheus.CounterVec{
		l.m.LiveAttempts, l.m.LiveConnects, l.m.LiveDisconnects,
		l.m.LiveDiscoveryFailures, l.m.LiveDroppedFrames,
	} {
		vec.DeleteLabelValues(l.conversation)
	}
	l.m.LiveState.DeleteLabelValues(l.conversation)
	l.m.QueueDepth.DeleteLabelValues(l.conversation)
}

// QueueGauge 返回会话变更队列的深度指标。
func (m *Metrics) QueueGauge(conversationID string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.QueueDepth.WithLabelValues(conversationID)
}

func (m *Metrics) IncSends() {
	if m != nil {
		m.Sends.Inc()
	}
}

func (m *Metrics) IncSendFailures() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) IncRetries() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) IncDeletes() {
	if m != nil {
		m.Deletes.Inc()
	}
}

func (m *Metrics) IncMarkReads() {
	if m != nil {
		m.MarkReads.Inc()
	}
}

func (m *Metrics) SetOpenConversations(n int) {
	if m != nil {
		m.OpenConversations.Set(float64(n))
	}
}
