package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/propsavant/demalytics/internal/app"
	"github.com/propsavant/demalytics/internal/catalog"
	"github.com/propsavant/demalytics/internal/config"
	"github.com/propsavant/demalytics/internal/store"
	"github.com/propsavant/demalytics/internal/store/memory"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "validate the catalog and seed an in-memory store only")
	flag.Parse()

	_ = godotenv.Load(".env.local")
	ctx := context.Background()

	cat, err := catalog.Load()
	if err != nil {
		log.Fatalf("❌ Catalog is invalid: %v", err)
	}

	var s store.CatalogWriter
	if *dryRun {
		fmt.Println("Mode: DRY RUN (no database writes)")
		s = memory.New()
	} else {
		cfg := config.LoadFromEnv()
		if err := cfg.Validate(); err != nil {
			log.Fatalf("❌ %v", err)
		}
		pg, err := app.OpenStore(ctx, cfg)
		if err != nil {
			log.Fatalf("❌ Database: %v", err)
		}
		s = pg
	}

	if err := cat.Seed(ctx, s); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}
	fmt.Printf("✓ Seeded %d customers, %d characteristics, %d perimeter sets, %d demand models, %d supply models\n",
		len(cat.Customers), len(cat.Characteristics), len(cat.PerimeterSets), len(cat.DemandModels), len(cat.SupplyModels))
}
