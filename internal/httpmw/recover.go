package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/siwes-logbook/internal/log"
)

// Recover turns a handler panic into a 500 and a logged error. onPanic, when
// set, is called once per recovered panic (metrics hook).
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				if onPanic != nil {
					onPanic()
				}
				ctx := r.Context()
				logger.Error(ctx, fmt.Errorf("panic: %v", p), "httpserver panic recovered",
					"request_id", RequestIDFromContext(ctx),
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
