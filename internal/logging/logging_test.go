package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestHTTPMiddleware_LogsAndPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var ctxLogged bool
	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context(), zerolog.Nop())
		l.Info().Msg("inside")
		ctxLogged = true
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.True(t, ctxLogged)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var inside, done map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &inside))
	require.NoError(t, json.Unmarshal(lines[1], &done))

	assert.Equal(t, "req-1", inside[FieldRequestID])
	assert.Equal(t, "10.0.0.1", done[FieldClientIP])
	assert.Equal(t, float64(http.StatusTeapot), done[FieldStatus])
	assert.Equal(t, "/messages", done[FieldPath])
}

func TestHTTPMiddleware_GeneratesRequestID(t *testing.T) {
	h := HTTPMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, l := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if json.Unmarshal(l, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestHTTPMiddleware_LogsRouteTemplate(t *testing.T) {
	var buf bytes.Buffer
	r := mux.NewRouter()
	r.Use(HTTPMiddleware(zerolog.New(&buf)))
	r.HandleFunc("/messages/{id}", func(w http.ResponseWriter, r *http.Request) {}).Methods(http.MethodGet)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/messages/42", nil))

	var done map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &done))
	assert.Equal(t, "/messages/{id}", done[FieldRoute])
	assert.Equal(t, "/messages/42", done[FieldPath])
}

func TestAnnotate_ReachesHandlerLoggerAndCompletionLine(t *testing.T) {
	var buf bytes.Buffer
	h := HTTPMiddleware(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := Annotate(r.Context(), FieldConnID, "conn-1")
		l := Ctx(ctx, zerolog.Nop())
		l.Info().Msg("inside")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		assert.Equal(t, "conn-1", m[FieldConnID])
	}
}

func TestAnnotate_WithoutMiddlewareIsHarmless(t *testing.T) {
	ctx := Annotate(httptest.NewRequest(http.MethodGet, "/", nil).Context(), FieldConnID, "c")
	assert.NotNil(t, ctx)
}

// ハイジャックされた接続は専用のメッセージで終了を記録する
func TestHTTPMiddleware_HijackedRequestLogsSessionEnd(t *testing.T) {
	buf := &syncBuffer{}
	h := HTTPMiddleware(zerolog.New(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), FieldConnID, "conn-9")
		conn, rw, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		rw.Flush()
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool { return len(buf.lines()) == 1 }, time.Second, 10*time.Millisecond)
	done := buf.lines()[0]
	assert.Equal(t, "websocket session ended", done["message"])
	assert.Equal(t, float64(http.StatusSwitchingProtocols), done[FieldStatus])
	assert.Equal(t, "conn-9", done[FieldConnID])
}
