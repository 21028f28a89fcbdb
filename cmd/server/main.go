package main

import (
	"log"

	"telegate/internal/config"
	"telegate/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	if err := s.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
