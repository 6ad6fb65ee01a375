package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/auth"
	"github.com/merdocx/veilbot-sub003/internal/db"
	"github.com/merdocx/veilbot-sub003/internal/domain/storage"
	"github.com/merdocx/veilbot-sub003/internal/issuance"
	"github.com/merdocx/veilbot-sub003/internal/mailer"
	"github.com/merdocx/veilbot-sub003/internal/notify"
	"github.com/merdocx/veilbot-sub003/internal/ratelimiter"
	"github.com/merdocx/veilbot-sub003/internal/reconcile"
	"github.com/merdocx/veilbot-sub003/internal/webhooks"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "1.0.0"

// NewLogger creates a new zap logger with color.
func NewLogger() (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	level := zapcore.InfoLevel
	core := zapcore.NewCore(consoleEncoder, zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout)), level)

	return zap.New(core).Sugar(), nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		fmt.Printf("Invalid %s, defaulting to %s\n", key, fallback)
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		fmt.Printf("Invalid %s, defaulting to %v\n", key, fallback)
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	val, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		fmt.Printf("Invalid %s, defaulting to %d\n", key, fallback)
		return fallback
	}
	return n
}

// LoadRateLimiterConfig retrieves rate limiter settings from environment variables
func LoadRateLimiterConfig() ratelimiter.Config {
	return ratelimiter.Config{
		RequestsPerTimeFrame: envInt("RATELIMITER_REQUESTS_COUNT", 200),
		TimeFrame:            5 * time.Second,
		Enabled:              envBool("RATE_LIMITER_ENABLED", false),
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config{
		addr: os.Getenv("ADDR"),
		env:  os.Getenv("ENV"),
		db: dbConfig{
			addr:        os.Getenv("DB_ADDR"),
			maxConns:    int32(envInt("DB_MAX_CONNS", 30)),
			maxIdleTime: os.Getenv("DB_MAX_IDLE_TIME"),
		},
		auth: authConfig{
			basic: basicConfig{
				user: os.Getenv("AUTH_BASIC_USER"),
				pass: os.Getenv("AUTH_BASIC_PASS"),
			},
			secret:        os.Getenv("ADMIN_SESSION_SECRET"),
			sessionExp:    envDuration("ADMIN_SESSION_EXP", 12*time.Hour),
			adminUser:     os.Getenv("ADMIN_USER"),
			adminPassHash: os.Getenv("ADMIN_PASS_HASH"),
			iss:           "veilbot",
		},
		webhook: webhookConfig{
			verifySignatures: envBool("WEBHOOK_VERIFY_SIGNATURES", true),
			yookassaSecret:   os.Getenv("YOOKASSA_WEBHOOK_SECRET"),
			cryptobotToken:   os.Getenv("CRYPTOBOT_API_TOKEN"),
			referralBonus:    envDuration("REFERRAL_BONUS_DURATION", 7*24*time.Hour),
		},
		reconcile: reconcileConfig{
			grace:    envDuration("RECONCILE_GRACE", 15*time.Minute),
			interval: envDuration("RECONCILE_INTERVAL", 30*time.Minute),
		},
		bridge: bridgeConfig{
			baseURL: os.Getenv("ISSUANCE_BRIDGE_URL"),
			token:   os.Getenv("ISSUANCE_BRIDGE_TOKEN"),
			timeout: envDuration("ISSUANCE_BRIDGE_TIMEOUT", 10*time.Second),
		},
		mail: mailConfig{
			host:          os.Getenv("SMTP_HOST"),
			port:          envInt("SMTP_PORT", 587),
			username:      os.Getenv("SMTP_USERNAME"),
			password:      os.Getenv("SMTP_PASSWORD"),
			fromEmail:     os.Getenv("SMTP_FROM_EMAIL"),
			operatorEmail: os.Getenv("OPERATOR_EMAIL"),
		},
		rateLimiter: LoadRateLimiterConfig(),
	}

	// Logger
	logger, err := NewLogger()
	if err != nil {
		fmt.Println("Error creating logger:", err)
		return
	}
	defer logger.Sync()

	// Database
	pool, err := db.New(cfg.db.addr, cfg.db.maxConns, cfg.db.maxIdleTime)
	if err != nil {
		logger.Fatal(err)
	}
	defer pool.Close()
	logger.Info("database connection pool established")

	store := storage.NewContainer(pool)

	// The audit table is created on first use if absent.
	schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.AuditLogs.EnsureSchema(schemaCtx); err != nil {
		cancel()
		logger.Fatal(err)
	}
	cancel()

	// Operator notification channel; optional.
	var notifier notify.Notifier = notify.Noop{}
	if cfg.mail.host != "" && cfg.mail.operatorEmail != "" {
		notifier = mailer.New(cfg.mail.host, cfg.mail.port, cfg.mail.username, cfg.mail.password, cfg.mail.fromEmail, cfg.mail.operatorEmail)
	}

	// Issuance bridge
	bridge := issuance.NewClient(cfg.bridge.baseURL, cfg.bridge.token, cfg.bridge.timeout)

	// Provider handlers behind the registry; both funnel into one settler.
	settler := webhooks.NewSettler(store.Payments, bridge, logger)
	registry := webhooks.NewRegistry(
		webhooks.NewYooKassaHandler(store.Payments, settler, cfg.webhook.yookassaSecret, logger),
		webhooks.NewCryptoBotHandler(store.Payments, store.Tariffs, settler, store, cfg.webhook.cryptobotToken, cfg.webhook.referralBonus, logger),
	)
	pipeline := webhooks.NewPipeline(store.AuditLogs, registry, cfg.webhook.verifySignatures, logger)

	reconciler := reconcile.NewEngine(store.Payments, store.AuditLogs, bridge, settler, notifier, cfg.reconcile.grace, logger)

	// Rate limiter
	rateLimiter := ratelimiter.NewFixedWindowLimiter(
		cfg.rateLimiter.RequestsPerTimeFrame,
		cfg.rateLimiter.TimeFrame,
	)

	// Authenticator
	jwtAuthenticator := auth.NewJWTAuthenticator(cfg.auth.secret, cfg.auth.iss, cfg.auth.iss, cfg.auth.sessionExp)

	app := &application{
		config:        cfg,
		logger:        logger,
		store:         store,
		pipeline:      pipeline,
		reconciler:    reconciler,
		bridge:        bridge,
		notifier:      notifier,
		authenticator: jwtAuthenticator,
		rateLimiter:   rateLimiter,
	}

	// Metrics collected at /v1/debug/vars
	expvar.NewString("version").Set(version)
	expvar.Publish("database", expvar.Func(func() any {
		s := pool.Stat()
		return map[string]any{
			"total_conns":    s.TotalConns(),
			"idle_conns":     s.IdleConns(),
			"acquired_conns": s.AcquiredConns(),
		}
	}))
	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	app.runReconciliationEvery(cfg.reconcile.interval)

	mux := app.mount()

	logger.Fatal(app.run(mux))
}
