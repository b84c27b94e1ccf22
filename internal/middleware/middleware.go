// Package middleware implements the Correlation Middleware (C7):
// per-request population of the context store (C1), latency and
// payload-size measurement, and correlation-header propagation
// (spec.md §4.8).
//
// The wrapped-handler shape, header inspection, and
// net.SplitHostPort client-IP extraction are grounded directly on
// internal/server/ratelimit.go's rateLimitMiddleware. The
// status/byte-capturing response writer is new: the teacher's
// Connect-based server never needed one, since Connect handles its
// own framing.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/fapilog/internal/enrich/usercontext"
	"github.com/kluzzebass/fapilog/internal/eventctx"
)

// Config configures the middleware.
type Config struct {
	// TraceHeaderName is the inbound/outbound correlation header,
	// default "X-Request-Id".
	TraceHeaderName string
}

// Publisher is whatever the facade (C8) hands the middleware so it can
// emit the per-request structured record described in spec.md §4.8's
// exception clause ("still emit a structured record with
// status_code=500"). The Event Pipeline (C3) satisfies this via its
// Process method.
type Publisher interface {
	Process(ctx context.Context, level, message string, fields map[string]any)
}

// New returns HTTP middleware implementing spec.md §4.8's nine-step
// algorithm.
func New(cfg Config, publish Publisher) func(http.Handler) http.Handler {
	headerName := cfg.TraceHeaderName
	if headerName == "" {
		headerName = "X-Request-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. adopt or generate trace_id.
			traceID := strings.TrimSpace(r.Header.Get(headerName))
			if traceID == "" {
				traceID = newHexID()
			}
			// 2. fresh span_id.
			spanID := newHexID()

			// 3. req_bytes from Content-Length, body untouched.
			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}

			clientIP := clientIPOf(r)
			userAgent := r.Header.Get("User-Agent")

			// 4. bind into the context store.
			ctx := eventctx.Bind(r.Context(), eventctx.Entries{
				TraceID:   eventctx.Str(traceID),
				SpanID:    eventctx.Str(spanID),
				Method:    eventctx.Str(r.Method),
				Path:      eventctx.Str(r.URL.Path),
				ClientIP:  eventctx.Str(clientIP),
				UserAgent: eventctx.Str(userAgent),
				ReqBytes:  eventctx.Int64(reqBytes),
			})
			if auth := r.Header.Get("Authorization"); auth != "" {
				ctx = usercontext.WithBearerToken(ctx, auth)
			}
			req := r.WithContext(ctx)

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

			// 5. start timestamp, monotonic (time.Now carries a monotonic
			// reading until compared/serialized).
			start := time.Now()

			defer func() {
				if p := recover(); p != nil {
					// Exception path: still emit a structured record with
					// status_code=500 and the bound context, then clear and
					// re-panic so the host's own recovery takes over.
					finishCtx := bindOutcome(ctx, start, http.StatusInternalServerError, 0)
					if publish != nil {
						publish.Process(finishCtx, "error", "unhandled panic in request handler", map[string]any{"panic": p})
					}
					eventctx.Clear(finishCtx)
					panic(p)
				}
			}()

			// 6. downstream handler. The trace header is set first, since
			// headers set after the handler has written are not sent.
			w.Header().Set("X-Trace-Id", traceID)
			next.ServeHTTP(rec, req)

			// 7–8. latency/status/res_bytes, response headers.
			latencyMs := roundTo2(time.Since(start).Seconds() * 1000)
			finishCtx := bindOutcome(ctx, start, rec.status, rec.bytes)
			w.Header().Set("X-Response-Time-Ms", formatLatency(latencyMs))

			// 9. clear context on the normal exit path too.
			eventctx.Clear(finishCtx)
		})
	}
}

func bindOutcome(ctx context.Context, start time.Time, status int, resBytes int) context.Context {
	latencyMs := roundTo2(time.Since(start).Seconds() * 1000)
	return eventctx.Bind(ctx, eventctx.Entries{
		LatencyMs:  eventctx.Float(latencyMs),
		StatusCode: eventctx.Int(status),
		ResBytes:   eventctx.Int64(int64(resBytes)),
	})
}

// responseRecorder wraps http.ResponseWriter to capture the status
// code and byte count spec.md §4.8 step 7 needs. Streaming responses
// whose handler never calls Write still report whatever was actually
// written, per the spec's "streaming responses report 0" allowance for
// handlers that bypass this writer entirely (e.g. via Hijack).
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func clientIPOf(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || ip == "" {
		return r.RemoteAddr
	}
	return ip
}

func newHexID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func formatLatency(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
