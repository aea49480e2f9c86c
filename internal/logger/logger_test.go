package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, observed := observer.New(zapcore.InfoLevel)
	original := L()
	Set(zap.New(core))
	t.Cleanup(func() { Set(original) })
	return observed
}

func TestInit(t *testing.T) {
	original := L()
	defer Set(original)

	t.Run("Production", func(t *testing.T) {
		Init("production")
		assert.NotNil(t, L())
	})

	t.Run("Development", func(t *testing.T) {
		Init("development")
		assert.NotNil(t, L())
	})
}

func TestLLazyInit(t *testing.T) {
	original := L()
	defer Set(original)

	Set(nil)
	t.Setenv("APP_ENV", "test")
	assert.NotNil(t, L())
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFrom(ctx))
	assert.Equal(t, "", RequestIDFrom(context.Background()))
}

func TestFromCtxAddsRequestID(t *testing.T) {
	observed := observe(t)

	FromCtx(WithRequestID(context.Background(), "req-abc")).Info("hello")

	logs := observed.TakeAll()
	require.Len(t, logs, 1)
	assert.Equal(t, "req-abc", logs[0].ContextMap()["request_id"])
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	t.Run("Generates", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})

	t.Run("Propagates", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "existing-id")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, "existing-id", seen)
		assert.Equal(t, "existing-id", w.Header().Get("X-Request-ID"))
	})
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	observed := observe(t)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	logs := observed.TakeAll()
	require.Len(t, logs, 1)
	assert.Equal(t, "incoming request", logs[0].Message)
	assert.Equal(t, "/test", logs[0].ContextMap()["path"])
	assert.Equal(t, int64(http.StatusTeapot), logs[0].ContextMap()["status"])
}
