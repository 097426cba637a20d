// Package httpapi is the operator HTTP surface over the broadcast service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Broadcasts is the orchestrator surface the handlers call.
type Broadcasts interface {
	Create(ctx context.Context, actor broadcast.Actor, meta broadcast.RequestMeta, in broadcast.CreateInput, pin string) (*broadcast.Broadcast, error)
	Send(ctx context.Context, actor broadcast.Actor, meta broadcast.RequestMeta, id int64) (broadcast.DispatchSummary, error)
	Cancel(ctx context.Context, actor broadcast.Actor, meta broadcast.RequestMeta, id int64, reason string) error
	SendTest(ctx context.Context, actor broadcast.Actor, meta broadcast.RequestMeta, id int64, recipients []string) (broadcast.TestResult, error)
	DeliveryStatus(ctx context.Context, id int64) (broadcast.DeliveryStatus, error)
	RecordReceipt(ctx context.Context, id int64, m delivery.Medium, n int64) error
	AuditTrail(ctx context.Context, id int64) ([]broadcast.AuditEntry, error)
	Get(ctx context.Context, id int64) (*broadcast.Broadcast, error)
	List(ctx context.Context, f broadcast.ListFilter) ([]broadcast.Broadcast, error)
}

type Deps struct {
	Broadcasts Broadcasts
	Channels   []*delivery.Channel
	// Health answers per-gateway lookups; nil reports every gateway unknown.
	Health    delivery.HealthSource
	JWTSecret []byte
	Log       logx.Logger
}

type handler struct {
	svc      Broadcasts
	channels []*delivery.Channel
	health   delivery.HealthSource
	log      logx.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{svc: d.Broadcasts, channels: d.Channels, health: d.Health, log: log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(d.JWTSecret))
		r.Get("/channels/health", h.channelHealth)
		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/", h.list)
			r.Post("/", h.create)
			r.Get("/categories", h.categories)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.show)
				r.Post("/send", h.send)
				r.Post("/cancel", h.cancel)
				r.Post("/test", h.sendTest)
				r.Get("/status", h.status)
				r.Get("/audit", h.audit)
				r.Post("/receipts", h.receipts)
			})
		})
	})
	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
