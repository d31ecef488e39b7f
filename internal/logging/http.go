package logging

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// requestFields collects values learned while a handler runs so the
// completion line can carry them.
type requestFields struct {
	mu     sync.Mutex
	fields map[string]string
}

type fieldsKey struct{}

// Annotate attaches key=value to the request's completion line and returns a
// context whose logger carries it too. Outside HTTPMiddleware only the
// context logger is extended.
func Annotate(ctx context.Context, key, value string) context.Context {
	if rf, ok := ctx.Value(fieldsKey{}).(*requestFields); ok {
		rf.mu.Lock()
		rf.fields[key] = value
		rf.mu.Unlock()
	}
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		ctx = WithLogger(ctx, l.With().Str(key, value).Logger())
	}
	return ctx
}

// HTTPMiddleware logs every request and stores a request-scoped logger in
// the request context. It is compatible with mux.Router.Use; the matched
// route template is logged as "route".
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}

			lc := logger.With().
				Str(FieldRequestID, reqID).
				Str(FieldMethod, r.Method).
				Str(FieldPath, r.URL.Path).
				Str(FieldClientIP, clientIP(r))
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					lc = lc.Str(FieldRoute, tpl)
				}
			}
			child := lc.Logger()

			rf := &requestFields{fields: map[string]string{}}
			ctx := context.WithValue(WithLogger(r.Context(), child), fieldsKey{}, rf)

			w.Header().Set(headerRequestID, reqID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			ev := child.Info()
			rf.mu.Lock()
			for k, v := range rf.fields {
				ev = ev.Str(k, v)
			}
			rf.mu.Unlock()
			ev = ev.Int(FieldStatus, rec.status).Int64(FieldLatency, time.Since(start).Milliseconds())
			if rec.hijacked {
				ev.Msg("websocket session ended")
				return
			}
			ev.Msg("request completed")
		})
	}
}

// statusRecorder captures the status code. It must stay hijackable for
// websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not implement http.Hijacker")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.hijacked = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
