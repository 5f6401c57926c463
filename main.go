package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/example/safebazaar/internal/assess"
	cfg "github.com/example/safebazaar/internal/config"
	"github.com/example/safebazaar/internal/mpesa"
)

type App struct {
	DB       DB
	Tokens   *TokenService
	Quota    *QuotaGate
	Scanner  *Scanner
	Accounts *Accounts
	Subs     *Subscriptions
	Admin    *Admin
	Status   *StatusResolver
	Hub      *Hub
	Images   *ImageStore
	Origins  []string

	rateLimiter *RateLimiter
	cache       StatusCache
	logLevel    string
}

// Deps are the outside collaborators an App is built around. Gateway and
// Objects may be nil, which disables payments and image uploads.
type Deps struct {
	DB       DB
	Assessor Assessor
	Gateway  PaymentGateway
	Cache    StatusCache
	Objects  ObjectStore
}

func NewApp(c *cfg.Config, d Deps) *App {
	hub := NewHub()
	cache := d.Cache
	if cache == nil {
		cache = NewMemoryStatusCache(c.StatusCacheTTL, 0)
	}
	status := NewStatusResolver(d.DB, cache)
	tokens := NewTokenService(c.AccessTokenSecret, c.RefreshTokenSecret)
	quota := NewQuotaGate(d.DB, c.Timezone)

	a := &App{
		DB:          d.DB,
		Tokens:      tokens,
		Quota:       quota,
		Scanner:     NewScanner(d.DB, quota, d.Assessor, c.ExternalTimeout, c.BulkRatePerSec, hub),
		Accounts:    NewAccounts(d.DB, tokens, c.FreeScanLimit),
		Subs:        NewSubscriptions(d.DB, d.Gateway, status, hub, c.FreeScanLimit, c.ExternalTimeout),
		Admin:       NewAdmin(d.DB, status, hub, c.FreeScanLimit),
		Status:      status,
		Hub:         hub,
		Origins:     c.AllowedOrigins,
		rateLimiter: NewRateLimiter(c.RateLimitPerMin),
		cache:       cache,
		logLevel:    c.LogLevel,
	}
	if d.Objects != nil {
		a.Images = NewImageStore(d.Objects, c.ExternalTimeout)
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// readiness reports the in-process counters alongside the ready flag. Cache
// stats are only available for the in-memory status cache.
func (a *App) readiness() map[string]interface{} {
	out := map[string]interface{}{
		"ready":          true,
		"events_dropped": a.Hub.Dropped(),
	}
	if sc, ok := a.cache.(interface{ Stats() CacheStats }); ok {
		out["status_cache"] = sc.Stats()
	}
	return out
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, a.readiness())
	}).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.RateLimit)

	// Public endpoints
	v1.HandleFunc("/auth/signup", a.HandleSignup).Methods("POST")
	v1.HandleFunc("/auth/signin", a.HandleSignin).Methods("POST")
	v1.HandleFunc("/auth/refresh", a.HandleRefresh).Methods("POST")
	v1.HandleFunc("/auth/validate", a.HandleTokenValidate).Methods("GET")
	v1.HandleFunc("/payments/mpesa/callback", a.HandleMpesaCallback).Methods("POST")
	v1.HandleFunc("/realtime", a.HandleRealtime).Methods("GET")

	// Endpoints that personalise their answer for signed-in callers
	optional := v1.NewRoute().Subrouter()
	optional.Use(a.OptionalAuth)
	optional.HandleFunc("/subscription/plans", a.HandlePlans).Methods("GET")

	// Authenticated endpoints
	authed := v1.NewRoute().Subrouter()
	authed.Use(a.RequireAuth)
	authed.HandleFunc("/auth/me", a.HandleMe).Methods("GET")
	authed.HandleFunc("/referrals", a.HandleReferrals).Methods("GET")

	authed.HandleFunc("/scan/quota", a.HandleQuota).Methods("GET")
	authed.HandleFunc("/scan/perform", a.HandleScan).Methods("POST")
	authed.HandleFunc("/scan/bulk", a.HandleBulkScan).Methods("POST")
	authed.HandleFunc("/scan/bulk/import", a.HandleBulkImport).Methods("POST")
	authed.HandleFunc("/scan/image", a.HandleImageUpload).Methods("POST")
	authed.HandleFunc("/scan/history", a.HandleScanHistory).Methods("GET")
	authed.HandleFunc("/scan/{id}", a.HandleGetScan).Methods("GET")

	authed.HandleFunc("/subscription", a.HandleSubscription).Methods("GET")
	authed.HandleFunc("/subscription/capabilities", a.HandleCapabilities).Methods("GET")
	authed.HandleFunc("/subscription/upgrade", a.HandleUpgrade).Methods("POST")
	authed.HandleFunc("/subscription/payments/{checkoutId}", a.HandlePaymentStatus).Methods("GET")
	authed.HandleFunc("/subscription/cancel", a.HandleCancel).Methods("POST")

	// Admin endpoints
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(a.RequireAuth)
	admin.Use(a.RequireAdmin)
	admin.HandleFunc("/users", a.HandleListUsers).Methods("GET")
	admin.HandleFunc("/users/{id:[0-9]+}/ban", a.HandleBanUser).Methods("POST")
	admin.HandleFunc("/users/{id:[0-9]+}/unban", a.HandleUnbanUser).Methods("POST")
	admin.HandleFunc("/users/{id:[0-9]+}/tier", a.HandleSetTier).Methods("POST")
	admin.HandleFunc("/users/{id:[0-9]+}/role", a.HandleSetRole).Methods("POST")
	admin.HandleFunc("/actions", a.HandleListActions).Methods("GET")
	admin.HandleFunc("/scans", a.HandleAdminScans).Methods("GET")

	return cors.New(cors.Options{
		AllowedOrigins:   a.Origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           3600,
	}).Handler(r)
}

func openDB(c *cfg.Config) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Println("Applying database migrations...")
		if err := ApplyMigrations(c.MigrationsDir, c.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to PostgreSQL database")
		return p, nil
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env, falling back to environment variables")
	}
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := openDB(c)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	httpClient := &http.Client{Timeout: c.ExternalTimeout}
	deps := Deps{
		DB:       db,
		Assessor: assess.NewClient(c.AIGatewayURL, c.AIAPIKey, c.AIModel, httpClient),
	}
	if c.MpesaEnabled() {
		deps.Gateway = mpesa.NewClient(mpesa.Config{
			BaseURL:        c.MpesaBaseURL,
			ConsumerKey:    c.MpesaConsumerKey,
			ConsumerSecret: c.MpesaConsumerSecret,
			ShortCode:      c.MpesaShortCode,
			Passkey:        c.MpesaPasskey,
			CallbackURL:    c.MpesaCallbackURL,
		}, httpClient)
	} else {
		log.Println("M-Pesa credentials missing, subscription upgrades disabled")
	}
	if c.RedisURL != "" {
		rdb, err := OpenRedis(ctx, c.RedisURL)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory status cache: %v", err)
		} else {
			defer rdb.Close()
			deps.Cache = NewRedisStatusCache(rdb, c.StatusCacheTTL)
		}
	}
	if c.S3Bucket != "" {
		store, err := NewS3Store(ctx, S3Config{
			Region:          c.S3Region,
			Bucket:          c.S3Bucket,
			AccessKeyID:     c.S3AccessKey,
			SecretAccessKey: c.S3SecretKey,
			Endpoint:        c.S3Endpoint,
		})
		if err != nil {
			log.Fatalf("s3: %v", err)
		}
		deps.Objects = store
	}

	app := NewApp(c, deps)
	go app.Subs.RunSweeper(ctx, c.SubscriptionScan)
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				app.rateLimiter.prune(30 * time.Minute)
			}
		}
	}()

	// no WriteTimeout: bulk scans and the websocket outlive any fixed bound
	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Starting Safe Bazaar API on %s (db: %s)", c.Port, c.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown failed: %+v", err)
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	log.Println("Server exited properly")
}
