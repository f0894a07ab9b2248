package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_api_requests_total", Help: "API requests"},
		[]string{"route", "status"},
	)
	Dials = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_dials_total", Help: "Dial attempts started"},
		[]string{"line"},
	)
	DialErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_dial_errors_total", Help: "Dial requests rejected by the provider"},
		[]string{"line"},
	)
	Outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_call_outcomes_total", Help: "Terminal call outcomes"},
		[]string{"status"},
	)
	CallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
		},
	)
	LineActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "broadcast_line_active_calls", Help: "Calls in progress per line"},
		[]string{"line"},
	)
	Campaigns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_campaign_transitions_total", Help: "Campaign status transitions"},
		[]string{"status"},
	)
	Throttled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_dispatch_throttled_total", Help: "Dispatch passes stopped early"},
		[]string{"reason"},
	)
	SignalEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_signal_events_total", Help: "Signaling events consumed"},
		[]string{"kind", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Dials, DialErrors, Outcomes, CallDuration, LineActive, Campaigns, Throttled, SignalEvents)
}
