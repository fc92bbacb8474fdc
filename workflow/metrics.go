package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "process_router"

// 路由方式
const (
	RouteModeNormal  = "normal"
	RouteModeReroute = "reroute"
)

// 路由结果
const (
	RouteOutcomeOK      = "ok"
	RouteOutcomeFailed  = "failed"
	RouteOutcomeTimeout = "timeout"
)

// RouterMetrics 路由相关的 prometheus 指标, nil 可以直接调用, 什么都不做
//
//   - routes_total{mode, outcome}: 路由调用次数
//   - reroute_duration_seconds{outcome}: 转向从改图到还原的耗时
//   - restores_total: 拓扑还原次数, 和转向次数应该一致
type RouterMetrics struct {
	routes          *prometheus.CounterVec
	rerouteDuration *prometheus.HistogramVec
	restores        prometheus.Counter
}

// NewRouterMetrics registry 为 nil 时使用 prometheus.DefaultRegisterer
func NewRouterMetrics(registry prometheus.Registerer) *RouterMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &RouterMetrics{
		routes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "routes_total",
			Help:      "Task route calls by mode and outcome",
		}, []string{"mode", "outcome"}),
		rerouteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reroute_duration_seconds",
			Help:      "Time from graph edit to topology restore for a reroute",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		restores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restores_total",
			Help:      "Topology restores performed after a reroute",
		}),
	}
}

func (m *RouterMetrics) ObserveRoute(mode string, outcome string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(mode, outcome).Inc()
}

func (m *RouterMetrics) ObserveReroute(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.rerouteDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *RouterMetrics) IncRestore() {
	if m == nil {
		return
	}
	m.restores.Inc()
}

func routeOutcome(err error) string {
	if err == nil {
		return RouteOutcomeOK
	}
	if IsTimeoutError(err) {
		return RouteOutcomeTimeout
	}
	return RouteOutcomeFailed
}
