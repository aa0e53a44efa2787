package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/eventbus"
)

type lifecycle struct {
	name string
	dur  time.Duration
	code string
}

func (l lifecycle) CommandName() string    { return l.name }
func (l lifecycle) Elapsed() time.Duration { return l.dur }
func (l lifecycle) ErrorCode() string      { return l.code }

func TestAnalyticsCountsLifecycleEvents(t *testing.T) {
	metrics := NewMetrics()
	analytics := NewAnalytics(metrics, nil)
	bus := eventbus.New(eventbus.Config{Mode: eventbus.ModeSync})
	_, err := analytics.Attach(bus)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = bus.Publish(ctx, eventbus.NewEvent("command.executed", lifecycle{name: "IncrementCounter", dur: time.Millisecond}))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, eventbus.NewEvent("command.failed", lifecycle{name: "IncrementCounter", code: "VALIDATION_FAILED"}))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, eventbus.NewEvent("user.registered", lifecycle{name: "ignored"}))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsTotal.WithLabelValues("IncrementCounter", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsTotal.WithLabelValues("IncrementCounter", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandErrors.WithLabelValues("IncrementCounter", "VALIDATION_FAILED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("command.executed", "delivered"))+
		testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("command.failed", "delivered")))
}

func TestAnalyticsRecordsHandlerFailures(t *testing.T) {
	metrics := NewMetrics()
	bus := eventbus.New(eventbus.Config{Mode: eventbus.ModeSync})
	_, err := NewAnalytics(metrics, nil).Attach(bus)
	require.NoError(t, err)
	_, err = bus.SubscribeFunc("email.requested", func(context.Context, eventbus.Event) error {
		return errors.New("smtp down")
	}, eventbus.WithName("mailer"))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), eventbus.NewEvent("email.requested", nil))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.handlerFailures.WithLabelValues("email.requested", "mailer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveriesTotal.WithLabelValues("email.requested", "failed")))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordConfigReload("success")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `dispatch_config_reloads_total{status="success"} 1`))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues(http.MethodGet, "metrics", "200")))
}
