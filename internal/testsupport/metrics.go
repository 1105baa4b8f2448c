package testsupport

import (
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GetMetricValue returns the value of the paygate series metricName{labels}
// from the default registry. Counters and gauges report their value,
// histograms their sample count. Missing series read as 0.
func GetMetricValue(t *testing.T, metricName string, labels map[string]string) float64 {
	t.Helper()

	family := gatherFamily(t, metricName)
	if family == nil {
		return 0
	}
	for _, m := range family.GetMetric() {
		if hasLabels(m, labels) {
			return sampleValue(m)
		}
	}
	return 0
}

func gatherFamily(t *testing.T, metricName string) *dto.MetricFamily {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "failed to gather metrics")

	// Gather returns families sorted by name.
	idx, found := slices.BinarySearchFunc(families, metricName, func(f *dto.MetricFamily, name string) int {
		switch {
		case f.GetName() < name:
			return -1
		case f.GetName() > name:
			return 1
		}
		return 0
	})
	if !found {
		return nil
	}
	return families[idx]
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, pair := range m.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// AssertMetricDelta asserts that metricName{labels} grew by exactly
// expectedDelta while fn ran.
func AssertMetricDelta(t *testing.T, metricName string, labels map[string]string, expectedDelta float64, fn func()) {
	t.Helper()

	AssertMetricDeltas(t, metricName, map[string]map[string]string{"": labels}, map[string]float64{"": expectedDelta}, fn)
}

// AssertMetricDeltas checks several series of one metric around a single
// run of fn. series names each label set; want maps the same names to
// their expected delta. It catches a change counted under two series or
// counted twice.
func AssertMetricDeltas(t *testing.T, metricName string, series map[string]map[string]string, want map[string]float64, fn func()) {
	t.Helper()

	before := make(map[string]float64, len(series))
	for name, labels := range series {
		before[name] = GetMetricValue(t, metricName, labels)
	}
	fn()
	for _, name := range slices.Sorted(maps.Keys(series)) {
		delta := GetMetricValue(t, metricName, series[name]) - before[name]
		assert.Equal(t, want[name], delta, "metric %s%v delta mismatch", metricName, series[name])
	}
}

// AssertMetricDeltaAsync asserts that metricName{labels} eventually grows by
// expectedDelta after fn, for background effects such as asynchronous
// assignment confirmation.
func AssertMetricDeltaAsync(t *testing.T, metricName string, labels map[string]string, expectedDelta float64, fn func()) {
	t.Helper()

	initial := GetMetricValue(t, metricName, labels)
	fn()

	require.Eventually(t, func() bool {
		return GetMetricValue(t, metricName, labels) == initial+expectedDelta
	}, 2*time.Second, 50*time.Millisecond, "metric %s%v did not reach delta %+.0f", metricName, labels, expectedDelta)
}

// AssertHistogramRecorded asserts that a histogram holds at least one sample.
func AssertHistogramRecorded(t *testing.T, metricName string, labels map[string]string) {
	t.Helper()

	count := GetMetricValue(t, metricName, labels)
	assert.Greater(t, count, 0.0, "histogram %s%v has no samples", metricName, labels)
}
