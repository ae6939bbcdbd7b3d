package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetCursor(t *testing.T) {
	c := int64(4821)
	SetCursor(&c)
	assert.InDelta(t, 4821, testutil.ToFloat64(Cursor), 0)

	SetCursor(nil)
	assert.InDelta(t, 0, testutil.ToFloat64(Cursor), 0)
}

func TestSetAllFetched(t *testing.T) {
	SetAllFetched(true)
	assert.InDelta(t, 1, testutil.ToFloat64(AllFetched), 0)
	SetAllFetched(false)
	assert.InDelta(t, 0, testutil.ToFloat64(AllFetched), 0)
}

func TestObserveResolve(t *testing.T) {
	before := testutil.ToFloat64(ResolverSessions.WithLabelValues(OutcomeTimeout))

	ObserveResolve(OutcomeTimeout, 15*time.Second)

	assert.InDelta(t, before+1, testutil.ToFloat64(ResolverSessions.WithLabelValues(OutcomeTimeout)), 0)
}

func TestSetTelegramStatus(t *testing.T) {
	all := []string{"READY", "UNAUTHORIZED"}

	SetTelegramStatus("UNAUTHORIZED", all...)
	SetTelegramStatus("READY", all...)

	assert.InDelta(t, 1, testutil.ToFloat64(TelegramStatus.WithLabelValues("READY")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(TelegramStatus.WithLabelValues("UNAUTHORIZED")), 0)
}

func TestRegisterPool(t *testing.T) {
	RegisterPool(func() (int32, int32, int32) { return 3, 1, 4 })

	expected := `
# HELP db_pool_total_conns Open connections
# TYPE db_pool_total_conns gauge
db_pool_total_conns 4
`
	err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected), "db_pool_total_conns")
	assert.NoError(t, err)
}
