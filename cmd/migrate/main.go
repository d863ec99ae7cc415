package main

import (
	"log"

	"github.com/punchamoorthee/atmcashin/internal/config"
	"github.com/punchamoorthee/atmcashin/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	log.Println("--- Migrating Database ---")
	if err := store.Migrate(cfg.DBSource); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Schema is up to date.")
}
