package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/utakatalp/league-outlook/internal/api"
	"github.com/utakatalp/league-outlook/internal/config"
	"github.com/utakatalp/league-outlook/internal/engine"
	"github.com/utakatalp/league-outlook/internal/logger"
	"github.com/utakatalp/league-outlook/internal/model"
	"github.com/utakatalp/league-outlook/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg.LogLevel, cfg.IsDevelopment())

	st, err := store.NewStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	predictor, err := model.Load(cfg.ModelPath)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	meta := predictor.Metadata()
	log.WithField("model", meta.Name+"@"+meta.Version).Info("Model loaded")

	eng := engine.New(st, st, predictor, engine.Options{
		Rating:      cfg.Rating(),
		Simulation:  cfg.Simulation(),
		FillMissing: cfg.FillMissingFixtures,
		MaxReplicas: cfg.MaxReplicas,
		Leagues:     cfg.Leagues,
	}, logger.WithComponent("engine"))
	if err := eng.Refresh(context.Background()); err != nil {
		log.Fatalf("Failed to load match history: %v", err)
	}

	handler := api.NewAPIHandler(eng, st, api.Defaults{Replicas: cfg.SimReplicas, Seed: cfg.SimSeed}, logger.WithComponent("api"))

	if cfg.RefreshSchedule != "" {
		sched, err := engine.NewScheduler(eng, cfg.RefreshSchedule, cfg.SimReplicas, cfg.SimSeed, logger.WithComponent("scheduler"))
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		if err := sched.Start(); err != nil {
			log.Errorf("Failed to start scheduler: %v", err)
		}
		defer sched.Stop()
		handler.SetJobs(sched)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.Router(cfg.APIRateLimit, cfg.APIBurst),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // simulations run inside the request
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
}
