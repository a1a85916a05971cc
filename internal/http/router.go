package http

import (
	"net/http"

	"clinicmsg/internal/auth"
	"clinicmsg/internal/clinic"
	"clinicmsg/internal/config"
	"clinicmsg/internal/delivery"
	"clinicmsg/internal/http/handler"
	mw "clinicmsg/internal/http/middleware"
	"clinicmsg/internal/inbound"
	"clinicmsg/internal/jobs"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Services struct {
	Jobs       *jobs.Repo
	Deliveries *delivery.Repo
	Lifecycle  *clinic.Lifecycle
	Inbound    *inbound.Service
}

func NewRouter(cfg config.Config, svc Services, jwtSvc *auth.JWT, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(log))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	wh := &handler.WebhookHandler{
		Inbound:     svc.Inbound,
		Deliveries:  svc.Deliveries,
		AppSecret:   cfg.WhatsAppAppSecret,
		VerifyToken: cfg.WhatsAppVerifyToken,
		Log:         log.With().Str("component", "webhook").Logger(),
	}
	r.Get("/webhooks/whatsapp", wh.Verify)
	r.Post("/webhooks/whatsapp", wh.Receive)

	me := &handler.MeHandler{}
	r.With(auth.RequireAuth(jwtSvc)).Get("/me", me.Me)

	ev := &handler.EventsHandler{
		Lifecycle: svc.Lifecycle,
		Log:       log.With().Str("component", "events").Logger(),
	}
	r.Route("/events", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Post("/appointments/{id}/{event}", ev.Appointment)
		r.Post("/consultations/{id}/{event}", ev.Consultation)
	})

	jh := &handler.JobsHandler{Jobs: svc.Jobs, Deliveries: svc.Deliveries}
	r.Route("/jobs", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Get("/", jh.List)
		r.Get("/{id}", jh.Get)
		r.Post("/{id}/retry", jh.Retry)
		r.Get("/{id}/deliveries", jh.History)
	})

	return r
}
