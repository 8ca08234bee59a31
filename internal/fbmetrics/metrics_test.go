package fbmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.PostsCreated.Inc()
	metrics.PostsRemoved.WithLabelValues(ReasonExpired).Add(2)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.PostsCreated))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.PostsRemoved.WithLabelValues(ReasonExpired)))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.PostsRemoved.WithLabelValues(ReasonCascade)))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	// Registering twice against the same registry is a programming error.
	require.Panics(t, func() { NewMetrics(registry) })
}
