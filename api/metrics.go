package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// Metrics exports authority activity to Prometheus. It satisfies authority.Observer.
type Metrics struct {
	applied     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	evictions   prometheus.Counter
	subscribers prometheus.Gauge
}

// NewMetrics registers the board collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "board",
			Name:      "operations_applied_total",
			Help:      "Operations applied by the authority.",
		}, []string{"op"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "board",
			Name:      "operations_dropped_total",
			Help:      "Operations ignored because a precondition failed.",
		}, []string{"op"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "board",
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "board",
			Name:      "subscribers",
			Help:      "Currently attached subscribers.",
		}),
	}
}

func (m *Metrics) OperationApplied(op string) { m.applied.WithLabelValues(op).Inc() }
func (m *Metrics) OperationDropped(op string) { m.dropped.WithLabelValues(op).Inc() }
func (m *Metrics) SubscriberEvicted()         { m.evictions.Inc() }
func (m *Metrics) SubscribersChanged(n int)   { m.subscribers.Set(float64(n)) }

// requestMetrics logs one line per HTTP request with per-stage timings.
type requestMetrics struct {
	logger         *log.Logger
	route          string
	start          time.Time
	authDuration   time.Duration
	boardDuration  time.Duration
	encodeDuration time.Duration
	opType         string
	applied        bool
	errorStage     string
}

func newRequestMetrics(logger *log.Logger, route string) *requestMetrics {
	return &requestMetrics{logger: logger, route: route, start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(d time.Duration)   { m.authDuration = d }
func (m *requestMetrics) ObserveBoard(d time.Duration)  { m.boardDuration = d }
func (m *requestMetrics) ObserveEncode(d time.Duration) { m.encodeDuration = d }

func (m *requestMetrics) SetOp(typ string, applied bool) {
	m.opType = typ
	m.applied = applied
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.boardDuration > 0 {
		fields["board_ms"] = durationToMillis(m.boardDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.opType != "" {
		fields["op"] = m.opType
		fields["applied"] = m.applied
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Debug("board.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
