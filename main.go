package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/tokenkeeper/internal/backend"
	cfg "github.com/example/tokenkeeper/internal/config"
	"github.com/example/tokenkeeper/internal/credential"
	"github.com/example/tokenkeeper/internal/lifecycle"
	"github.com/example/tokenkeeper/internal/logging"
	"github.com/example/tokenkeeper/internal/metrics"
	"github.com/example/tokenkeeper/internal/store"
	"github.com/example/tokenkeeper/migrations"
)

type App struct {
	cfg         *cfg.Config
	backend     *backend.Backend
	users       store.Users
	engine      *lifecycle.Engine
	verifier    *credential.Verifier
	cookies     cookieJar
	log         *zap.Logger
	redact      *logging.Redactor
	metrics     *metrics.Recorder
	rateLimiter *RateLimiter
	proxies     []*net.IPNet
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// the status line is already out; a failed body write has no recovery
	_ = json.NewEncoder(w).Encode(v)
}

// newApp wires the engine and the HTTP dependencies around b.
func newApp(c *cfg.Config, b *backend.Backend, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	rec := metrics.New(reg)
	engine, err := backend.NewEngine(c, b, logger, rec)
	if err != nil {
		return nil, err
	}
	verifier, err := backend.NewVerifier()
	if err != nil {
		return nil, err
	}
	proxies, err := c.TrustedProxyNets()
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:         c,
		backend:     b,
		users:       b.Users,
		engine:      engine,
		verifier:    verifier,
		cookies:     newCookieJar(c),
		log:         logger,
		redact:      logging.NewRedactor(),
		metrics:     rec,
		rateLimiter: NewRateLimiter(c.RateLimitPerMinute),
		proxies:     proxies,
	}, nil
}

// Handler returns the routed service wrapped in the global middleware chain.
func (a *App) Handler(gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Use(CaptureRoute)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.backend.Ping(ctx); err != nil {
			a.logger(r).Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", a.HandleRegister).Methods("POST")
	auth.HandleFunc("/login", a.HandleLogin).Methods("POST")
	auth.HandleFunc("/refresh", a.HandleRefresh).Methods("POST")
	auth.HandleFunc("/logout", a.HandleLogout).Methods("POST")
	auth.HandleFunc("/revoke", a.HandleRevokeToken).Methods("POST")
	auth.HandleFunc("/validate", a.HandleTokenValidate).Methods("GET")

	users := r.PathPrefix("/users").Subrouter()
	users.Use(a.RequireUser)
	users.HandleFunc("/me", a.HandleMe).Methods("GET")
	users.HandleFunc("/me", a.HandleDeleteMe).Methods("DELETE")
	users.HandleFunc("/me/password", a.HandleChangePassword).Methods("PATCH")
	users.HandleFunc("/me/logout-all", a.HandleLogoutAll).Methods("POST")

	var h http.Handler = r
	h = a.RateLimit(h)
	h = CORS(a.cfg.CORSAllowOrigins)(h)
	h = TrustedHosts(a.cfg.AllowedHosts)(h)
	h = a.RequestLog(h)
	h = SecurityHeaders(h)
	return h
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(logging.Options{
		Level:       c.LogLevel,
		Development: !c.IsProduction(),
		File:        c.LogFile,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if c.DBAdapter == "postgres" && c.MigrateOnStart {
		logger.Info("applying database migrations")
		if err := migrations.Apply(c.PostgresDSN, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, c, logger)
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}
	defer b.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app, err := newApp(c, b, logger, reg)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}

	go lifecycle.NewSweeper(app.engine, c.PurgeInterval, logger).Run(ctx)
	go app.rateLimiter.Run(ctx, limiterIdle)

	srv := &http.Server{
		Handler:           app.Handler(reg),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", c.Port), zap.String("db_adapter", c.DBAdapter),
			zap.String("revocation_backend", c.RevocationBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		return
	}
	logger.Info("server exited properly")
}
