package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/xproxy-gateway/xproxy/config"
	"github.com/xproxy-gateway/xproxy/handler"
	gwmw "github.com/xproxy-gateway/xproxy/middleware"
	"github.com/xproxy-gateway/xproxy/observability"
)

// Handlers bundles every handler the router mounts, so New's signature
// stays stable as the handler set grows.
type Handlers struct {
	Admission *handler.AdmissionHandler
	Proxy     *handler.ProxyHandler
	Usage     *handler.UsageHandler
	Budget    *handler.BudgetHandler
}

// New returns a configured chi Router with the full middleware chain and
// every API route mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, h Handlers, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", healthResponse("ok"))
	r.Get("/ready", healthResponse("ready"))
	r.Get("/health", healthResponse("healthy"))

	if metrics != nil {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	r.Post("/auth/check", h.Admission.Check)

	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/chat/completions", h.Proxy.ChatCompletions)
		r.Post("/messages", h.Proxy.Messages)
		r.Post("/responses", h.Proxy.Responses)
		r.Get("/models", h.Proxy.Models)
	})

	r.Route("/usage", func(r chi.Router) {
		r.Use(rateLimiter.Handler)
		r.Post("/record", h.Usage.Record)
	})

	r.Get("/budget/blocked", h.Budget.Blocked)

	return r
}

func healthResponse(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"` + status + `","service":"xproxy-gateway"}`))
	}
}

// mwMaxBodySize returns middleware that rejects a request whose declared
// Content-Length exceeds maxBytes before the handler ever reads the body.
// Handlers still bound their own io.ReadAll with the same limit, since
// Content-Length is absent or unreliable for chunked/streamed bodies.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
