package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EvaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "evaluations_total", Help: "Account evaluations performed"},
	)
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "actions_total", Help: "Enforcement actions decided, by account and kind"},
		[]string{"account", "action"},
	)
	ViolationsCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "violations_current", Help: "Whether the account violated policy on its last evaluation"},
		[]string{"account"},
	)
	AccountsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "accounts_skipped_total", Help: "Evaluations skipped because the account is locked out"},
	)
	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_requests_total", Help: "Gateway HTTP requests, by endpoint and outcome"},
		[]string{"endpoint", "outcome"},
	)
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ratelimit_waits_total", Help: "Times a caller had to wait on a rate bucket"},
		[]string{"bucket"},
	)
)

func init() {
	prometheus.MustRegister(
		EvaluationsTotal, ActionsTotal, ViolationsCurrent,
		AccountsSkipped, GatewayRequests, RateLimitWaits,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
