package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck 返回非 nil 时 /healthz 响应 503
type HealthCheck func(ctx context.Context) error

// Router /metrics 与 /healthz
func (m *Manager) Router(check HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := promhttp.Handler()
	if m != nil {
		handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", handler)
	return r
}
