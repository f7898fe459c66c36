package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg)

	ChecksProcessed.WithLabelValues("ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(ChecksProcessed.WithLabelValues("ok")), 1.0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["checkextract_checks_processed_total"])
}
