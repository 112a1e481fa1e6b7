package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"merakstore/pkg/api/handlers"
	"merakstore/pkg/auth"
	"merakstore/pkg/logger"
	"merakstore/pkg/search"
	"merakstore/pkg/store"
	"merakstore/pkg/telemetry"
)

// Options wires the HTTP surface. Search may be nil when no vector store
// is configured; the endpoint then answers 503.
type Options struct {
	Store  store.Store
	Search search.Searcher
	Sec    auth.SecConfig
}

// NewHandler builds the full router: health and metrics outside auth
// concerns, everything under /v1 behind the authentication gateway.
func NewHandler(opts Options) http.Handler {
	r := mux.NewRouter()
	r.Use(requestID)
	r.Use(telemetry.Middleware)
	r.Use(auth.AuthenticateRequestMiddleware(opts.Sec))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterThreads(v1, opts.Store)
	handlers.RegisterSearch(v1, opts.Search)
	return r
}

// requestID tags every request so log lines from one call can be joined.
// An inbound X-Request-ID is trusted; otherwise one is minted.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		logger.Debug("request_id_assigned", zap.String("request_id", id), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
