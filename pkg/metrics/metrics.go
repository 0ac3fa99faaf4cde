// Package metrics はリアルタイム通知基盤のPrometheusコレクターを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ハンドシェイク拒否理由のラベル値。
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonExpiredToken = "expired_token"
	ReasonInvalidRole  = "invalid_role"
)

// Metrics はサービスが公開するコレクターの集合。
type Metrics struct {
	// HandshakeRejected は拒否されたハンドシェイク数（reason別）。
	HandshakeRejected *prometheus.CounterVec
	// SendFailures は配信失敗により切断された接続数。
	SendFailures prometheus.Counter
	// Delivered はライブ配信に成功したエンベロープ数（type別）。
	Delivered *prometheus.CounterVec
	// ActiveConnections は登録中の接続数（role別）。
	ActiveConnections *prometheus.GaugeVec
	// PersistFailures は通知レコードの永続化失敗数（category別）。
	PersistFailures *prometheus.CounterVec
	// PersistDuration は通知レコードの永続化にかかった時間。
	PersistDuration prometheus.Histogram
}

// New はregに登録されたコレクターを生成する。
// regにnilを渡すとどこにも登録しない（テスト用）。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HandshakeRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_handshake_rejected_total",
				Help: "Total number of rejected live-channel handshakes",
			},
			[]string{"reason"},
		),
		SendFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "realtime_send_failures_total",
				Help: "Total number of connections pruned after a failed send",
			},
		),
		Delivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_envelopes_delivered_total",
				Help: "Total number of envelopes delivered to live connections",
			},
			[]string{"type"},
		),
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_active_connections",
				Help: "Number of registered live connections per role",
			},
			[]string{"role"},
		),
		PersistFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_persist_failures_total",
				Help: "Total number of notification records that failed to persist",
			},
			[]string{"category"},
		),
		PersistDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "notification_persist_duration_seconds",
				Help:    "Duration of notification record persistence in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
