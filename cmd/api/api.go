package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/auth"
	"github.com/merdocx/veilbot-sub003/internal/domain/storage"
	"github.com/merdocx/veilbot-sub003/internal/issuance"
	"github.com/merdocx/veilbot-sub003/internal/notify"
	"github.com/merdocx/veilbot-sub003/internal/ratelimiter"
	"github.com/merdocx/veilbot-sub003/internal/reconcile"
	"github.com/merdocx/veilbot-sub003/internal/webhooks"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type application struct {
	config        config
	store         *storage.Container
	logger        *zap.SugaredLogger
	pipeline      *webhooks.Pipeline
	reconciler    *reconcile.Engine
	bridge        issuance.Bridge
	notifier      notify.Notifier
	authenticator auth.Authenticator
	rateLimiter   ratelimiter.Limiter
}

type config struct {
	addr        string
	env         string
	db          dbConfig
	auth        authConfig
	webhook     webhookConfig
	reconcile   reconcileConfig
	bridge      bridgeConfig
	mail        mailConfig
	rateLimiter ratelimiter.Config
}

type authConfig struct {
	basic         basicConfig
	secret        string
	sessionExp    time.Duration
	adminUser     string
	adminPassHash string
	iss           string
}

type basicConfig struct {
	user string
	pass string
}

type webhookConfig struct {
	verifySignatures bool
	yookassaSecret   string
	cryptobotToken   string
	referralBonus    time.Duration
}

type reconcileConfig struct {
	grace    time.Duration
	interval time.Duration
}

type bridgeConfig struct {
	baseURL string
	token   string
	timeout time.Duration
}

type mailConfig struct {
	host          string
	port          int
	username      string
	password      string
	fromEmail     string
	operatorEmail string
}

type dbConfig struct {
	addr        string
	maxConns    int32
	maxIdleTime string
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Providers retry on their own schedule; 60s is the only deadline inbound
	// processing gets.
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.With(app.BasicAuthMiddleware()).Get("/health", app.healthCheckHandler)
		r.With(app.BasicAuthMiddleware()).Get("/debug/vars", expvar.Handler().ServeHTTP)
		r.With(app.BasicAuthMiddleware()).Method(http.MethodGet, "/metrics", promhttp.Handler())

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(app.RateLimiterMiddleware)
			r.Post("/{provider}", app.webhookHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/session", app.createAdminSessionHandler)

			r.Group(func(r chi.Router) {
				r.Use(app.AdminSessionMiddleware)

				r.Delete("/session", app.deleteAdminSessionHandler)

				r.Get("/payments", app.adminListPaymentsHandler)
				r.Get("/payments/{paymentID}", app.adminGetPaymentHandler)
				r.Get("/audit-logs", app.adminListAuditLogsHandler)

				r.Post("/reconcile", app.adminReconcileHandler)
				r.Post("/payments/{paymentID}/recheck", app.adminRecheckPaymentHandler)
				r.Post("/payments/{paymentID}/refund", app.adminRefundPaymentHandler)
				r.Post("/payments/{paymentID}/retry", app.adminRetryPaymentHandler)
				r.Post("/payments/{paymentID}/issue", app.adminIssuePaymentHandler)
				r.Post("/payments/{paymentID}/revoke", app.adminRevokePaymentHandler)
				r.Post("/audit-logs/{logID}/replay", app.adminReplayHandler)
			})
		})
	})
	return r
}

func (app *application) run(mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.addr,
		Handler:      mux,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Minute,
	}

	// Implementing graceful shutdown
	shutdown := make(chan error)

	go func() {
		quit := make(chan os.Signal, 1)

		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.logger.Infow("signal caught", "signal", s.String())

		shutdown <- srv.Shutdown(ctx)
	}()

	app.logger.Infow("server has started", "addr", app.config.addr, "env", app.config.env)

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	err = <-shutdown
	if err != nil {
		return err
	}

	app.logger.Infow("server has stopped", "addr", app.config.addr, "env", app.config.env)

	return nil
}

func (app *application) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{
		"status":  "ok",
		"env":     app.config.env,
		"version": version,
	}
	if err := app.jsonResponse(w, http.StatusOK, data); err != nil {
		app.internalServerError(w, r, err)
	}
}
