package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"omniplex.app/billing/internal/config"
	"omniplex.app/billing/internal/ratelimit"
	"omniplex.app/billing/payments"
	"omniplex.app/billing/storage"
)

type Server struct {
	Router  chi.Router
	Storage storage.Storage
	Gateway payments.Gateway
	Config  *config.Config
	Version string

	checkoutSessions atomic.Int64
	webhookEvents    atomic.Int64
	webhookRejected  atomic.Int64
}

func NewHttpServer(cfg *config.Config, db storage.Storage, gateway payments.Gateway) *Server {
	s := &Server{
		Storage: db,
		Gateway: gateway,
		Config:  cfg,
		Version: "dev",
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.AppOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	limiter := ratelimit.New(30, time.Minute)

	r.Get("/health", s.Health)
	r.Route("/api", func(r chi.Router) {
		r.With(ratelimit.Middleware(limiter)).Post("/checkout", s.CreateCheckout)
		r.Get("/checkout/config", s.CheckoutConfig)
		r.Post("/checkout/webhook", s.Webhook)
		r.Get("/entitlement", s.Entitlement)
	})

	s.Router = r
	return s
}

type HealthResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	Timestamp        time.Time `json:"timestamp"`
	CheckoutSessions int64     `json:"checkoutSessions"`
	WebhookEvents    int64     `json:"webhookEvents"`
	WebhookRejected  int64     `json:"webhookRejected"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "healthy",
		Version:          s.Version,
		Timestamp:        time.Now().UTC(),
		CheckoutSessions: s.checkoutSessions.Load(),
		WebhookEvents:    s.webhookEvents.Load(),
		WebhookRejected:  s.webhookRejected.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
