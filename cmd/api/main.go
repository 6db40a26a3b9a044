// cmd/api/main.go
// Main entry point for the matching service
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxg56/matcha/internal/cache"
	"github.com/maxg56/matcha/internal/common/database"
	"github.com/maxg56/matcha/internal/common/logging"
	"github.com/maxg56/matcha/internal/config"
	"github.com/maxg56/matcha/internal/matching"
)

var startTime = time.Now()

func main() {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load configuration
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if envErr != nil {
		logging.Warn().Err(envErr).Msg("no .env file found, using environment variables")
	}

	// 3. Validate configuration
	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("configuration validation failed")
	}
	logging.Info().Str("environment", cfg.Environment).Str("store", cfg.StoreDriver).Str("cache", cfg.CacheDriver).Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Storage
	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialise storage")
	}
	defer closeStore()

	// 5. Cache
	c, health, closeCache := openCache(ctx, cfg)
	defer closeCache()

	// 6. Matching engine
	service := matching.NewService(repo, c, engineConfig(cfg))
	handler := matching.NewHandler(service)

	scheduler := matching.NewScheduler(matching.NewMetricsService(repo), time.Minute)
	scheduler.Start(ctx)
	logging.Info().Msg("matching engine initialised")

	// 7. Routes
	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck(health)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	admin := matching.NewAdminMiddleware(cfg.AdminToken)
	if admin == nil {
		logging.Info().Msg("ADMIN_TOKEN not set, admin routes disabled")
	}
	matching.RegisterRoutes(router, handler, admin)

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(corsMiddleware)

	// 8. Create and start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server forced to shutdown")
		return
	}
	logging.Info().Msg("server exited gracefully")
}

func engineConfig(cfg *config.Config) matching.Config {
	return matching.Config{
		LearningRate:         cfg.LearningRate,
		RandomnessFactor:     cfg.RandomnessFactor,
		MaxAgeDifference:     cfg.MaxAgeDifference,
		DefaultMaxDistanceKm: cfg.DefaultMaxDistanceKm,
		MaxDistanceKm:        cfg.MaxDistanceKm,
		DefaultLimit:         cfg.DefaultMatchLimit,
		MaxLimit:             cfg.MaxMatchLimit,
		CandidatePoolSize:    cfg.CandidatePoolSize,
		CacheTTL:             cfg.CacheTTL,
		MatchesCacheTTL:      cfg.MatchesCacheTTL,
		IncludeLocation:      cfg.IncludeLocation,
		RandomSeed:           cfg.RandomSeed,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (matching.Repository, func(), error) {
	if cfg.StoreDriver == "memory" {
		logging.Warn().Msg("using in-memory store, data is lost on restart")
		return matching.NewMemoryRepository(), func() {}, nil
	}

	db, err := database.NewPostgresDBFromURL(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logging.Info().Msg("connected to PostgreSQL")

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.Info().Msg("database migrations completed")

	return matching.NewPostgresRepository(db), func() { db.Close() }, nil
}

// cacheHealth reports extra cache details for /health.
type cacheHealth func() map[string]string

// openCache never fails: an unreachable Redis degrades to no caching.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, cacheHealth, func()) {
	switch cfg.CacheDriver {
	case "redis":
		client, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logging.Warn().Err(err).Msg("redis unavailable, continuing without cache")
			return cache.Nop{}, staticHealth("none"), func() {}
		}
		r := cache.NewRedis(client, cache.DefaultBreakerConfig())
		logging.Info().Msg("connected to Redis")
		health := func() map[string]string {
			return map[string]string{"driver": r.Name(), "breaker": r.BreakerState()}
		}
		return r, health, func() { client.Close() }
	case "memory":
		m := cache.NewMemory(time.Minute)
		return m, staticHealth(m.Name()), func() { m.Close() }
	default:
		return cache.Nop{}, staticHealth("none"), func() {}
	}
}

func staticHealth(driver string) cacheHealth {
	return func() map[string]string { return map[string]string{"driver": driver} }
}

// healthCheck returns server health status
func healthCheck(health cacheHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"uptime":    time.Since(startTime).String(),
			"cache":     health(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(response)
	}
}

// Middleware functions

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware logs all requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request handled")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Request-ID, X-Admin-Token")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// runMigrations creates the tables the matching engine reads and writes.
// The users table is owned by the profile service; it is created here only so
// a fresh database can boot.
func runMigrations(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(100) UNIQUE NOT NULL,
			first_name VARCHAR(100) NOT NULL DEFAULT '',
			age INTEGER,
			height INTEGER,
			fame INTEGER DEFAULT 0,
			bio TEXT,
			current_city VARCHAR(255),
			gender VARCHAR(20) NOT NULL DEFAULT '',
			sex_pref VARCHAR(20) DEFAULT 'both',
			alcohol_consumption VARCHAR(20),
			smoking VARCHAR(20),
			cannabis VARCHAR(20),
			drugs VARCHAR(20),
			pets VARCHAR(20),
			social_activity_level VARCHAR(20),
			sport_activity VARCHAR(20),
			education_level VARCHAR(20),
			religion VARCHAR(30),
			political_view VARCHAR(20),
			hair_color VARCHAR(20),
			skin_color VARCHAR(20),
			eye_color VARCHAR(20),
			relationship_type VARCHAR(20),
			children_status VARCHAR(20),
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_interactions (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			target_user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			interaction_type VARCHAR(20) NOT NULL CHECK (interaction_type IN ('like', 'pass', 'block')),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, target_user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS matches (
			id SERIAL PRIMARY KEY,
			user1_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			user2_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			match_type VARCHAR(20) DEFAULT 'mutual_like',
			compatibility_score DOUBLE PRECISION,
			is_active BOOLEAN DEFAULT TRUE,
			unmatched_by INTEGER REFERENCES users(id),
			unmatched_at TIMESTAMP,
			matched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user1_id, user2_id),
			CHECK (user1_id < user2_id)
		)`,

		`CREATE TABLE IF NOT EXISTS user_preferences (
			id SERIAL PRIMARY KEY,
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			preference_vector DOUBLE PRECISION[] NOT NULL,
			age_weight DOUBLE PRECISION DEFAULT 0.2,
			distance_weight DOUBLE PRECISION DEFAULT 0.3,
			interests_weight DOUBLE PRECISION DEFAULT 0.25,
			habits_weight DOUBLE PRECISION DEFAULT 0.15,
			relationship_weight DOUBLE PRECISION DEFAULT 0.1,
			total_likes INTEGER DEFAULT 0,
			total_passes INTEGER DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_interactions_user ON user_interactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_interactions_target ON user_interactions(target_user_id, interaction_type)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_user1 ON matches(user1_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_matches_user2 ON matches(user2_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_users_age ON users(age)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
