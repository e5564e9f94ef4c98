// Package metrics はゲートキーパーのPrometheusメトリクスを提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はゲートキーパーのメトリクス。
type Metrics struct {
	// Resolutions はセッション解決の結果別件数。
	Resolutions *prometheus.CounterVec
	// Verdicts はルート分類・判定別の件数。
	Verdicts *prometheus.CounterVec
	// ResolveDuration はセッション解決にかかった時間。
	ResolveDuration prometheus.Histogram
}

// New はメトリクスを生成し、reg に登録する。reg がnilの場合は登録しない。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pactgate_session_resolutions_total",
			Help: "Total number of session resolutions by outcome",
		}, []string{"outcome"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pactgate_verdicts_total",
			Help: "Total number of routing verdicts by route category and verdict",
		}, []string{"category", "verdict"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pactgate_session_resolve_duration_seconds",
			Help:    "Time spent resolving the caller's session against the identity provider",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Resolutions, m.Verdicts, m.ResolveDuration)
	}
	return m
}

// ObserveResolution はセッション解決の結果と所要時間を記録する。
// outcome は "authenticated"、"open_mode"、または失敗種別のラベル。
func (m *Metrics) ObserveResolution(outcome string, d time.Duration) {
	m.Resolutions.WithLabelValues(outcome).Inc()
	m.ResolveDuration.Observe(d.Seconds())
}

// ObserveVerdict は判定を記録する。
func (m *Metrics) ObserveVerdict(category, verdict string) {
	m.Verdicts.WithLabelValues(category, verdict).Inc()
}
