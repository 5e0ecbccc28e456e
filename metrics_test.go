package chatsync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findMetric returns the sample of family name whose first label has value label
// (or the only sample when label is empty).
func findMetric(t *testing.T, reg *prometheus.Registry, name, label string) (counter, gauge float64, samples uint64, found bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			return m.GetCounter().GetValue(), m.GetGauge().GetValue(), m.GetHistogram().GetSampleCount(), true
		}
	}
	return 0, 0, 0, false
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	v, _, _, _ := findMetric(t, reg, name, label)
	return v
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReceived("message_received")
		m.DuplicateSuppressed("group_deleted")
		m.IntentEmitted("join_room")
		m.IntentDropped("join_room")
		m.Reconnect()
		m.SetUnread(3)
		m.ObserveBootstrap(time.Second, "ok")
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventReceived("message_received")
	m.EventReceived("message_received")
	m.IntentDropped("send_message")
	m.Reconnect()
	m.SetUnread(7)

	assert.Equal(t, 2.0, counterValue(t, reg, "chatsync_events_received_total", "message_received"))
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_intents_dropped_total", "send_message"))
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_reconnect_attempts_total", ""))
	_, gauge, _, ok := findMetric(t, reg, "chatsync_unread_total", "")
	require.True(t, ok)
	assert.Equal(t, 7.0, gauge)
}

func TestEngineReportsUnreadAndBootstrap(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, fixtureBackend(), WithMetrics(NewMetrics(reg)))

	_, gauge, _, ok := findMetric(t, reg, "chatsync_unread_total", "")
	require.True(t, ok)
	assert.Equal(t, 4.0, gauge)

	_, _, samples, ok := findMetric(t, reg, "chatsync_bootstrap_duration_seconds", "ok")
	require.True(t, ok)
	assert.Equal(t, uint64(1), samples)

	h.open(t, "c2")
	_, gauge, _, _ = findMetric(t, reg, "chatsync_unread_total", "")
	assert.Equal(t, 1.0, gauge)
}

func TestSocketServiceCountsDroppedIntents(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testRealtimeConfig()
	cfg.Metrics = NewMetrics(reg)
	s := NewSocketService("http://127.0.0.1:1", cfg)

	s.MarkMessagesAsRead("c1", "u1")
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_intents_dropped_total", "mark_messages_as_read"))
}
