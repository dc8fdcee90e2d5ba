package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/gpr/internal/logging"
	"github.com/copyleftdev/gpr/internal/optimization"
)

func TestWrapChain(t *testing.T) {
	base := optimization.WrapError(optimization.ErrNotPrepared, "call Prepare first")
	err := Wrap(base, "predict").WithOperation("handlePredict").WithComponent("server")

	assert.True(t, Is(err, optimization.ErrNotPrepared))
	assert.False(t, Is(err, optimization.ErrNotFitted))
	assert.Equal(t, base, Unwrap(err))

	var oe *optimization.Error
	require.True(t, As(err, &oe))
	assert.Equal(t, "call Prepare first", oe.Message)

	assert.Contains(t, err.Error(), "predict: operation=handlePredict, component=server")
	assert.NotEmpty(t, err.StackTrace())
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"nil", nil, http.StatusOK, "internal"},
		{"dimension", optimization.WrapError(optimization.ErrDimensionMismatch, "x"), http.StatusBadRequest, "dimension_mismatch"},
		{"not fitted", fmt.Errorf("wrapped: %w", optimization.ErrNotFitted), http.StatusConflict, "not_fitted"},
		{"not prepared", optimization.ErrNotPrepared, http.StatusConflict, "not_prepared"},
		{"instability", optimization.ErrNumericalInstability, http.StatusUnprocessableEntity, "numerical_instability"},
		{"optimization", optimization.ErrOptimizationFailed, http.StatusUnprocessableEntity, "optimization_failed"},
		{"explicit status", New("no such model").WithStatus(http.StatusNotFound), http.StatusNotFound, "not_found"},
		{"plain", stderrors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.code, Code(tt.err))
			}
		})
	}
}

func TestWriteHTTPHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteHTTP(rec, req, Errorf("secret %d", 42))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotContains(t, body.Error, "secret")
	assert.Equal(t, "internal", body.Code)
}

func TestWriteHTTPNamesFailingComponent(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	err := optimization.WrapError(optimization.ErrNotPrepared, "predict").
		WithComponent("gaussian_process").WithOperation("PredictVariance")
	WriteHTTP(rec, req, Wrap(err, "handlePredict"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_prepared", body.Code)
	assert.Equal(t, "gaussian_process", body.Component)
	assert.Equal(t, "PredictVariance", body.Operation)

	rec = httptest.NewRecorder()
	WriteHTTP(rec, req, New("no such model").WithStatus(http.StatusNotFound))
	var plain Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plain))
	assert.Equal(t, "not_found", plain.Code)
	assert.Empty(t, plain.Component)
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.ErrorLevel, &buf)

	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kernel exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/models", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "kernel exploded")
	assert.Contains(t, rec.Body.String(), `"code":"internal"`)
}
