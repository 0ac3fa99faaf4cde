package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("レジストリにコレクターが登録されること", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		m := New(reg)

		m.HandshakeRejected.WithLabelValues(ReasonExpiredToken).Inc()
		m.SendFailures.Inc()
		m.PersistFailures.WithLabelValues("system").Add(2)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeRejected.WithLabelValues(ReasonExpiredToken)))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.PersistFailures.WithLabelValues("system")))

		families, err := reg.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, f := range families {
			names[f.GetName()] = true
		}
		assert.True(t, names["realtime_handshake_rejected_total"])
		assert.True(t, names["realtime_send_failures_total"])
		assert.True(t, names["notification_persist_failures_total"])
	})

	t.Run("nilレジストリでも利用できること", func(t *testing.T) {
		t.Parallel()

		m := New(nil)
		m.SendFailures.Inc()
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures))
	})
}
