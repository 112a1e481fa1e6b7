// Package telemetry records low-overhead request traces: every slow
// request gets a log line, and a small sample of requests gets full span
// timings. It complements the prometheus counters, which aggregate but
// cannot show where one slow request spent its time.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"merakstore/pkg/logger"
)

type ctxKeyType struct{}

var (
	requestCtr    uint64
	sampleEvery   int64 = 1000 // 1 in N requests gets a full trace
	slowThreshold       = 200 * time.Millisecond
)

// SetSampleEvery sets full-trace sampling to 1 in n requests; n <= 0
// disables full tracing (slow requests are still logged).
func SetSampleEvery(n int64) { atomic.StoreInt64(&sampleEvery, n) }

// SetSlowThreshold sets the duration above which non-sampled requests get
// a log line.
func SetSlowThreshold(d time.Duration) { slowThreshold = d }

type span struct {
	op       string
	startMs  int64
	duration int64
}

type trace struct {
	mu    sync.Mutex
	start time.Time
	spans []span
}

// Middleware wraps the handler and records request timing plus sampled
// span traces.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var tr *trace
		if shouldSample(r) {
			tr = &trace{start: start}
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyType{}, tr))
		}

		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		dur := time.Since(start)

		if tr != nil {
			tr.mu.Lock()
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", srw.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			}
			for _, sp := range tr.spans {
				fields = append(fields, zap.Int64("span_"+sp.op+"_ms", sp.duration))
			}
			tr.mu.Unlock()
			logger.Info("request_trace", fields...)
			return
		}
		if dur > slowThreshold {
			logger.Warn("slow_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", srw.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		}
	})
}

// StartSpan returns an end function recording the named section's
// duration. When the request is not sampled the returned function is a
// no-op, so instrumentation points stay cheap.
func StartSpan(ctx context.Context, name string) func() {
	tr, ok := ctx.Value(ctxKeyType{}).(*trace)
	if !ok {
		return func() {}
	}
	startRel := time.Since(tr.start).Milliseconds()
	tr.mu.Lock()
	tr.spans = append(tr.spans, span{op: name, startMs: startRel})
	idx := len(tr.spans) - 1
	tr.mu.Unlock()
	return func() {
		endRel := time.Since(tr.start).Milliseconds()
		tr.mu.Lock()
		if idx < len(tr.spans) {
			tr.spans[idx].duration = endRel - tr.spans[idx].startMs
		}
		tr.mu.Unlock()
	}
}

// shouldSample forces a full trace via `X-Debug-Telemetry: 1`, otherwise
// samples 1 in sampleEvery requests.
func shouldSample(r *http.Request) bool {
	if r.Header.Get("X-Debug-Telemetry") == "1" {
		return true
	}
	n := atomic.LoadInt64(&sampleEvery)
	if n <= 0 {
		return false
	}
	return int64(atomic.AddUint64(&requestCtr, 1))%n == 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
