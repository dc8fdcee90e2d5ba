package errors

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/gpr/internal/logging"
	"github.com/copyleftdev/gpr/internal/optimization"
)

// Response is the JSON body written for failed requests.
type Response struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// WriteHTTP writes err as a JSON Response with the status from HTTPStatus.
// Model failures name the engine component and operation that raised them.
// Internal errors are logged and their details withheld.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	body := Response{Error: err.Error(), Code: Code(err)}
	if oe, ok := optimization.IsOptimizationError(err); ok {
		body.Component, body.Operation = oe.Component, oe.Op
	}
	if status >= http.StatusInternalServerError {
		fields := map[string]interface{}{"error": err.Error(), "status": status}
		if body.Component != "" {
			fields["component"], fields["operation"] = body.Component, body.Operation
		}
		var e *Error
		if As(err, &e) && len(e.Stack) > 0 {
			fields["stack"] = e.Stack
		}
		logging.FromContext(r.Context()).Error("Request failed", fields)
		body = Response{Error: http.StatusText(status), Code: body.Code}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("Recovered from panic", map[string]interface{}{
					"error":  rec,
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
					"query":  r.URL.RawQuery,
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(Response{
					Error: http.StatusText(http.StatusInternalServerError),
					Code:  "internal",
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
