// Command seed-db loads a catalog JSON file, a handful of discount
// codes, and an admin API key into the database. Intended for local
// development and demo environments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/auth"
	"github.com/xenking/orderflow/internal/domain/catalog"
	"github.com/xenking/orderflow/internal/domain/pricing"
	"github.com/xenking/orderflow/internal/postgres"
)

type catalogJSON struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or ORDERS_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERS_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("ORDERS_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or ORDERS_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERS_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	if err := seedDiscounts(ctx, pool); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}
	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	return nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var items []catalogJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("upserting catalog items", slog.Int("count", len(items)))

	catalogRepo := postgres.NewCatalogRepository(pool)
	stockRepo := postgres.NewStockRepository(pool)
	for _, it := range items {
		if err := catalogRepo.Upsert(ctx, catalog.Item{
			SKU:    it.SKU,
			Name:   it.Name,
			Price:  it.Price.Round(2),
			Active: true,
		}); err != nil {
			return errors.Wrapf(err, "upsert catalog item %s", it.SKU)
		}
		if err := stockRepo.Upsert(ctx, it.SKU, it.Stock); err != nil {
			return errors.Wrapf(err, "upsert stock for %s", it.SKU)
		}
		slog.Info("upserted item", slog.String("sku", it.SKU), slog.Int("stock", it.Stock))
	}
	return nil
}

func seedDiscounts(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding discount codes")

	rules := []pricing.Rule{
		{
			Code:        "WELCOME10",
			Type:        pricing.DiscountPercentage,
			Value:       decimal.NewFromInt(10),
			Description: "Welcome: 10% off entire order",
		},
		{
			Code:        "FIVEOFF",
			Type:        pricing.DiscountFixed,
			Value:       decimal.NewFromInt(5),
			Description: "$5 off your order",
		},
		{
			Code:        "BUNDLEUP",
			Type:        pricing.DiscountFreeLowest,
			Value:       decimal.Zero,
			MinItems:    3,
			Description: "Lowest item free (3+ items)",
		},
	}

	repo := postgres.NewDiscountRepository(pool)
	for i := range rules {
		if err := repo.UpsertRule(ctx, &rules[i]); err != nil {
			return errors.Wrapf(err, "upsert discount code %s", rules[i].Code)
		}
	}
	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding admin api key")

	repo := postgres.NewAPIKeyRepository(pool)
	return repo.InsertKey(ctx, &auth.APIKeyInfo{
		ID:      uuid.New().String(),
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "seed-admin",
		Scopes:  []string{auth.ScopeAdmin},
	})
}
