package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"mailtriage/internal/classifier"
	"mailtriage/internal/config"
	"mailtriage/internal/handler"
	"mailtriage/internal/history"
	"mailtriage/internal/labels"
	"mailtriage/internal/mail"
	"mailtriage/internal/middleware"
	"mailtriage/internal/progress"
	"mailtriage/internal/service"
	"mailtriage/pkg/auth"
	"mailtriage/pkg/gmail"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/retry"
)

const (
	version     = "1.0.0"
	stateCookie = "oauth_state"
)

type app struct {
	router   *gin.Engine
	pipeline *service.Pipeline
	metrics  *middleware.Metrics
	breaker  *gobreaker.CircuitBreaker
	redis    *redis.Client
	db       *sqlx.DB
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	log := logger.ServiceLogger("bootstrap")
	a := &app{metrics: middleware.NewMetrics()}

	var progressStore progress.Store = progress.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := progress.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		progressStore = progress.NewRedisStore(client, cfg.ProgressTTL)
		log.Info("Using Redis progress store")
	}

	var historyStore history.Store = history.NewMemoryStore(cfg.HistoryRetention)
	if cfg.DatabaseURL != "" {
		db, err := history.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.db = db
		sqlStore := history.NewSQLStore(db)
		if err := sqlStore.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure history schema: %w", err)
		}
		historyStore = sqlStore
		log.Info("Using SQL history store", zap.String("driver", history.DriverFor(cfg.DatabaseURL)))
	}

	policy := retry.DefaultPolicy()
	reconciler := labels.NewReconciler(policy)
	historyService := history.NewService(historyStore, reconciler, cfg.HistoryRetention)

	cls := classifier.New(classifier.Config{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
		BaseURL:      cfg.OpenAIBaseURL,
		Timeout:      cfg.ClassifierTimeout,
		MaxBodyChars: cfg.ClassifierMaxChars,
	})
	if cfg.OpenAIAPIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; every message will get the fallback classification")
	}

	a.pipeline = service.NewPipeline(cls, reconciler, progressStore, historyService, service.Options{
		MaxEmails:        cfg.MaxEmails,
		DefaultMaxEmails: cfg.DefaultMaxEmails,
		DefaultBatchSize: cfg.DefaultBatchSize,
		FetchPolicy:      policy,
		Observer:         a.metrics,
	})

	a.breaker = gmail.NewBreaker("gmail-api")
	providers := gmailProviders(cfg, a.breaker)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.SecurityHeadersMiddleware())
	r.Use(middleware.Recovery())
	r.Use(middleware.ErrorHandlingMiddleware())
	r.Use(middleware.RequestLogger(cfg.LogBodies))
	r.Use(a.metrics.Middleware())
	r.Use(middleware.CORSMiddleware(cfg.CORSOrigin))

	handler.Handlers{
		Classify:   handler.NewClassifyHandler(a.pipeline, providers, cfg.RequestTimeout),
		Progress:   handler.NewProgressHandler(progressStore),
		Operations: handler.NewOperationsHandler(historyService, providers),
	}.Register(r.Group("/api/v1"))

	if err := registerAuthRoutes(r, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	a.registerHealthRoutes(r)

	go a.metrics.Report(ctx, cfg.MetricsInterval)

	a.router = r
	return a, nil
}

// gmailProviders builds a Gmail gateway per access token. The breaker and
// limiter are shared so every request backs off together.
func gmailProviders(cfg *config.AppConfig, breaker *gobreaker.CircuitBreaker) handler.ProviderFactory {
	var limiter *rate.Limiter
	if cfg.GmailRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GmailRateLimit), cfg.GmailBurst)
	}
	opts := gmail.Options{Timeout: cfg.GmailCallTimeout, Breaker: breaker, Limiter: limiter}

	return func(ctx context.Context, accessToken string) (mail.Provider, error) {
		httpClient := auth.TokenClient(context.Background(), accessToken)
		return gmail.NewService(ctx, opts, option.WithHTTPClient(httpClient))
	}
}

func registerAuthRoutes(r *gin.Engine, cfg *config.AppConfig) error {
	if !cfg.OAuthConfigured() {
		logger.ServiceLogger("bootstrap").Warn("Google OAuth is not configured; /auth routes will report an error")
		notConfigured := func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": auth.ErrNotConfigured.Error()})
		}
		r.GET("/auth/login", notConfigured)
		r.GET("/auth/callback", notConfigured)
		return nil
	}

	conf, err := auth.NewGoogleOAuth2Config(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	if err != nil {
		return err
	}
	users := &auth.UserInfoClient{}

	r.GET("/auth/login", func(c *gin.Context) {
		state := uuid.NewString()
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(stateCookie, state, 600, "/auth", "", c.Request.TLS != nil, true)
		c.Redirect(http.StatusTemporaryRedirect, conf.AuthCodeURL(state, oauth2.AccessTypeOffline))
	})

	r.GET("/auth/callback", func(c *gin.Context) {
		reqLogger := logger.HandlerLogger("auth")

		expected, err := c.Cookie(stateCookie)
		if err != nil || expected == "" || expected != c.Query("state") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid oauth state"})
			return
		}
		c.SetCookie(stateCookie, "", -1, "/auth", "", c.Request.TLS != nil, true)

		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "missing code",
				"help":  "This endpoint should be called by Google OAuth after user authorization. Please start the flow at /auth/login",
			})
			return
		}

		resp, err := auth.ExchangeCodeWithUserInfo(c.Request.Context(), conf, users, code)
		if err != nil {
			reqLogger.Warn("Token exchange failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		reqLogger.Info("User authenticated", zap.String("user_id", resp.UserInfo.ID))
		c.JSON(http.StatusOK, resp)
	})
	return nil
}

func (a *app) registerHealthRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version,
			"service":   "mailtriage",
		})
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		ready := true
		if a.redis != nil {
			checks["redis"] = "ok"
			if err := a.redis.Ping(ctx).Err(); err != nil {
				checks["redis"] = err.Error()
				ready = false
			}
		}
		if a.db != nil {
			checks["database"] = "ok"
			if err := a.db.PingContext(ctx); err != nil {
				checks["database"] = err.Error()
				ready = false
			}
		}

		status := http.StatusOK
		state := "ready"
		if !ready {
			status, state = http.StatusServiceUnavailable, "not_ready"
		}
		c.JSON(status, gin.H{"status": state, "checks": checks})
	})

	r.GET("/metrics", func(c *gin.Context) {
		snap := a.metrics.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"metrics":       snap,
			"active_runs":   a.pipeline.ActiveRuns(),
			"gmail_circuit": a.breaker.State().String(),
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	})
}
