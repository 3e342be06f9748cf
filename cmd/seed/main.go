package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"dataviz-pipeline/internal/config"
	"dataviz-pipeline/internal/domain/model"
	pg "dataviz-pipeline/internal/infra/db/postgres"
)

// Seeds model pricing rows so the budget guard can price calls.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 4)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	pricingRepo := pg.NewModelPricingRepo(pool)

	// If pricing already exists, do nothing.
	existing, err := pricingRepo.ListActive(ctx, nil)
	if err != nil {
		log.Fatalf("list pricing: %v", err)
	}
	if len(existing) > 0 {
		fmt.Printf("%d pricing rows already present. No changes.\n", len(existing))
		for _, p := range existing {
			fmt.Printf("  - %s (in=%d out=%d micro-USD per 1M tokens)\n", p.ModelName, p.InputPriceMicrosPerM, p.OutputPriceMicrosPerM)
		}
		return
	}

	// Prices are micro-USD per million tokens.
	seed := []struct {
		Name string
		In   int64
		Out  int64
	}{
		{"gemini-2.0-flash", 100_000, 400_000},
		{"gpt-4o-mini", 150_000, 600_000},
		{"gpt-4o", 2_500_000, 10_000_000},
	}

	for _, s := range seed {
		p := model.NewModelPricing(s.Name, s.In, s.Out, true)
		if err := pricingRepo.Create(ctx, nil, p); err != nil {
			log.Fatalf("create pricing %q: %v", s.Name, err)
		}
		fmt.Printf("seeded: %s (in=%d out=%d)\n", s.Name, s.In, s.Out)
	}

	fmt.Println("Seeding complete.")
}
