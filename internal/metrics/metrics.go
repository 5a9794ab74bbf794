package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Responder metrics
	ResponderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_responder_requests_total",
			Help: "Total requests sent to the responder",
		},
		[]string{"op", "result"}, // op: "send" | "solution"
	)

	ResponderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdesk_responder_request_duration_seconds",
			Help:    "Responder round-trip duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatdesk_active_sessions",
			Help: "Sessions currently held in memory",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdesk_sessions_evicted_total",
			Help: "Sessions ended after exceeding the idle timeout",
		},
	)

	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_send_outcomes_total",
			Help: "Outcomes of sendMessage operations",
		},
		[]string{"status"},
	)

	SolutionsMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatdesk_solutions_marked_total",
			Help: "Messages marked as solution",
		},
	)
)

// statusCoder 匹配带 HTTP 状态码的错误，避免依赖 responder 包。
type statusCoder interface {
	error
	HTTPStatus() int
}

// ObserveResponder records one responder call.
func ObserveResponder(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
		var sc statusCoder
		if errors.As(err, &sc) {
			result = "status_error"
		}
	}
	ResponderRequestsTotal.WithLabelValues(op, result).Inc()
	ResponderRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
