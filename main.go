package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/propsavant/demalytics/internal/app"
	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/logging"
	"github.com/propsavant/demalytics/internal/middleware"
	"github.com/propsavant/demalytics/internal/studies"
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	response := "Server is up!"
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, response)
}

func main() {
	_ = godotenv.Load(".env.local")
	cfg := config.LoadFromEnv()

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()
	s, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	svc, err := app.Build(ctx, cfg, s, log)
	if err != nil {
		log.Fatal("startup", zap.Error(err))
	}

	h := &studies.Handler{
		Store:                  s,
		Pipeline:               svc.Pipeline,
		DefaultCustomer:        svc.Catalog.DefaultCustomerID(),
		DefaultCharacteristics: svc.Catalog.Defaults.Characteristics,
		PublicMapKey:           cfg.PublicMapKey,
		AdminKeyHash:           cfg.AdminKeyHash,
		Log:                    log,
	}
	// Assigned only when set so the interfaces stay nil otherwise.
	if svc.Publisher != nil {
		h.Exporter = svc.Publisher
	}
	if svc.Stager != nil {
		h.Stager = svc.Stager
	}
	if cfg.AdminKeyHash == "" {
		log.Warn("ADMIN_KEY_HASH is not set; admin routes will refuse every request")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Get("/", RootHandler)
	r.Mount("/api", h.SetupRoutes())

	log.Info("server listening", zap.String("port", cfg.Port))
	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, r); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
