package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meet_ws_participants",
		Help: "Current number of websocket channels joined to a room",
	})
	SignalMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_signal_messages_total",
		Help: "Total number of signaling messages relayed, by kind",
	}, []string{"kind"})
	SignalDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_signal_dropped_total",
		Help: "Total number of peer-targeted signaling messages dropped because the target had no live channel",
	})
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_chat_messages_total",
		Help: "Total number of chat messages fanned out",
	})
	RoomsEndedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meet_rooms_ended_total",
		Help: "Total number of rooms terminated",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, SignalMessagesTotal, SignalDroppedTotal, ChatMessagesTotal, RoomsEndedTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
