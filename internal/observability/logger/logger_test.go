package logger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestGinMiddlewareSetsCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := observe(t, zapcore.InfoLevel)

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{}))
	engine.GET("/api/payments/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/payments/pay_1", nil)
	req.Header.Set(HeaderCorrelationID, "cid-123")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, "cid-123", rec.Header().Get(HeaderCorrelationID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "cid-123", ctx["correlation_id"])
	assert.Equal(t, "pay_1", ctx["charge_id"])
	assert.Equal(t, "/api/payments/:id", ctx["route"])
}

func TestGinMiddlewareGeneratesCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observe(t, zapcore.InfoLevel)

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{}))
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

func TestGormLoggerIgnoresRecordNotFound(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)
	l := NewGormLogger(DefaultGormLoggerConfig())

	sql := func() (string, int64) { return "SELECT * FROM bookings", 0 }
	l.Trace(context.Background(), time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	l.Trace(context.Background(), time.Now(), sql, errors.New("boom"))
	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "SELECT", entries[0].ContextMap()["operation"])
}

func TestGormLoggerSilent(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)
	l := NewGormLogger(DefaultGormLoggerConfig()).LogMode(gormlogger.Silent)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "UPDATE x", 1 }, errors.New("boom"))
	assert.Equal(t, 0, logs.Len())
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL(`INSERT INTO "legal_cases"`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
