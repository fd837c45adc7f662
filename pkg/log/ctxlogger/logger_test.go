package ctxlogger

import (
	"context"
	"testing"

	"github.com/smallbiznis/pixwatch/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationAndCharge(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetServiceName("pixwatch")

	ctx := correlation.ContextWithCorrelationID(context.Background(), "01HX")
	ctx = ContextWithChargeID(ctx, "pay_1")
	WithContext(ctx, zap.New(core)).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "01HX", fields["correlation_id"])
		assert.Equal(t, "pay_1", fields["charge_id"])
		assert.Equal(t, "pixwatch", fields["service"])
		assert.NotContains(t, fields, "trace_id")
	}
}
