package main

import (
	"context"
	"log"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"phonica_back/catalog"
	"phonica_back/lifecycle"
	"phonica_back/native"
	"phonica_back/pipeline"
	"phonica_back/resolver"
	"phonica_back/scheduler"
	"phonica_back/storage"
	"phonica_back/synth"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	store, err := catalog.OpenStoreFromEnv()
	if err != nil {
		log.Fatalf("open audio catalog: %v", err)
	}

	files, err := storage.NewAudioStorageFromEnv()
	if err != nil {
		log.Fatalf("init audio storage: %v", err)
	}

	chain, err := synth.NewChainFromEnv()
	if err != nil {
		log.Fatalf("init provider chain: %v", err)
	}
	log.Printf("provider chain: %v", chain.Providers())

	pipelineCfg := pipeline.ConfigFromEnv()
	generator := pipeline.NewGenerator(store, chain, files, pipelineCfg)

	jobs := scheduler.NewScheduler(generator, store, scheduler.ConfigFromEnv())
	jobs.Start()
	defer jobs.Stop()

	sweeper := lifecycle.NewManager(store, files, lifecycle.ConfigFromEnv())
	jobs.StartMaintenance(func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})

	audioResolver := resolver.NewResolver(store, generator, pipelineCfg.DefaultVoice)
	audioResolver.SetSubmitter(jobs)

	r := gin.Default()
	r.Use(cors.Default())

	if _, err := resolver.RegisterRoutes(r, audioResolver); err != nil {
		log.Fatalf("register resolver routes: %v", err)
	}
	if _, err := scheduler.RegisterRoutes(r, jobs); err != nil {
		log.Fatalf("register scheduler routes: %v", err)
	}
	if _, err := native.RegisterRoutes(r, store, files); err != nil {
		log.Fatalf("register native import routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
