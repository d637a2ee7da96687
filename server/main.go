package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/usagepulse/usagepulse/internal/model"
	"github.com/usagepulse/usagepulse/server/internal/auth"
	"github.com/usagepulse/usagepulse/server/internal/database"
	"github.com/usagepulse/usagepulse/server/internal/handlers"
	"github.com/usagepulse/usagepulse/server/internal/middleware"
)

// serverConfig is the optional YAML config file; environment variables
// override individual fields.
type serverConfig struct {
	Port     string `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

func loadConfig() serverConfig {
	cfg := serverConfig{Port: "8080", DBPath: "./usagepulse.db", LogLevel: "info"}

	if path := os.Getenv("USAGEPULSE_SERVER_CONFIG"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, &cfg)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func main() {
	var (
		createUser string
		password   string
	)
	flag.StringVar(&createUser, "create-user", "", "provision a user account and print its API key")
	flag.StringVar(&password, "password", "", "dashboard password for -create-user")
	flag.Parse()

	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	if createUser != "" {
		if err := provisionUser(db, createUser, password); err != nil {
			log.Error("failed to create user", "error", err)
			os.Exit(1)
		}
		return
	}

	h := handlers.New(db, log)
	authMiddleware := auth.NewMiddleware(db)

	// Batch endpoints amplify into many row writes, so their limit is
	// strictly tighter: 5 requests per minute per IP versus 60 for the
	// single-record and read endpoints.
	batchLimiter := middleware.NewIPRateLimiter(rate.Every(12*time.Second), 5)
	singleLimiter := middleware.NewIPRateLimiter(rate.Every(time.Second), 10)

	protectBatch := func(next http.HandlerFunc) http.Handler {
		return batchLimiter.Limit(authMiddleware.RequireAPIKey(next))
	}
	protect := func(next http.HandlerFunc) http.Handler {
		return singleLimiter.Limit(authMiddleware.RequireAPIKey(next))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/usage", protect(h.Single))
	mux.Handle("POST /api/usage/daily/batch", protectBatch(h.Batch(model.UploadTypeDaily)))
	mux.Handle("POST /api/usage/sessions/batch", protectBatch(h.Batch(model.UploadTypeSession)))
	mux.Handle("POST /api/usage/blocks/batch", protectBatch(h.Batch(model.UploadTypeBlock)))
	mux.Handle("GET /api/usage/daily", protect(h.ListDaily))
	mux.Handle("GET /api/usage/sessions", protect(h.ListSessions))
	mux.Handle("GET /api/usage/blocks", protect(h.ListBlocks))

	handler := middleware.SecurityHeaders(mux)

	addr := ":" + cfg.Port
	log.Info("starting usagepulse-server", "addr", addr, "db", cfg.DBPath)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// provisionUser creates an account and prints its API key once; only the
// key's hash is stored.
func provisionUser(db *database.DB, username, password string) error {
	if password == "" {
		return fmt.Errorf("-password is required with -create-user")
	}

	existing, err := db.GetUserByUsername(username)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("username %q already exists", username)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	userID, err := auth.GenerateID()
	if err != nil {
		return err
	}
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	if err := db.CreateUser(&database.User{
		ID:           userID,
		Username:     username,
		PasswordHash: passwordHash,
		APIKeyHash:   auth.HashAPIKey(apiKey),
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	fmt.Printf("User created.\n")
	fmt.Printf("User ID: %s\n", userID)
	fmt.Printf("API key: %s\n", apiKey)
	fmt.Printf("Store the API key now; it cannot be recovered later.\n")
	return nil
}
