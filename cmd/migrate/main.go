package main

import (
	"log"
	"os"

	"github.com/safar/go-shop-payments/internal/config"
	"github.com/safar/go-shop-payments/migrations"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	switch direction {
	case "up":
		err = migrations.Up(cfg.Database.URL)
	case "down":
		err = migrations.Down(cfg.Database.URL)
	}
	if err != nil {
		log.Fatalf("Migrate %s: %v", direction, err)
	}

	log.Printf("Successfully ran migrations %s", direction)
}
