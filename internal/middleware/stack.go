package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-custody-service/config"
)

// NewStack は鍵管理APIの前段に置く共通ミドルウェアを組み立てる。
func NewStack(next http.Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(AccessLog)
	r.Use(RequestContext)

	r.Mount("/", next)

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
