package main

import (
	"log"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/vidsum/vidsum-api/internal/app"
	"github.com/vidsum/vidsum-api/internal/config"
)

func main() {
	envFiles := []string{".env.local", ".env.development", ".env"}
	config.LoadEnvFiles(envFiles)

	cfg, err := config.LoadFromFile("config.yaml")
	if err != nil {
		fiberlog.Fatalf("Failed to load config: %v", err)
	}

	server := app.New(cfg)

	log.Println("Starting vidsum-api server...")
	if err := server.Run(); err != nil {
		fiberlog.Fatalf("Server failed: %v", err)
	}
}
