// Command stock-ingest bulk-loads catalog items and stock levels from
// gzipped CSV exports (sku,name,price,stock). Files are parsed
// concurrently; rows for the same SKU in later files win.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orderflow/internal/domain/catalog"
	"github.com/xenking/orderflow/internal/postgres"
)

const progressEvery = 100_000

type stockRow struct {
	item  catalog.Item
	stock int
}

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	files := flag.Args()
	if len(files) == 0 {
		slog.Error("usage: stock-ingest [flags] file.csv.gz ...")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, files); err != nil {
		slog.Error("stock ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("stock ingest completed successfully")
}

func run(ctx context.Context, databaseURL string, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("parsing stock files", slog.Int("files", len(files)))

	rows, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse stock files")
	}
	slog.Info("rows parsed", slog.Int("skus", len(rows)))
	if len(rows) == 0 {
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	catalogRepo := postgres.NewCatalogRepository(pool)
	stockRepo := postgres.NewStockRepository(pool)

	written := 0
	for _, row := range rows {
		if err := catalogRepo.Upsert(ctx, row.item); err != nil {
			return errors.Wrapf(err, "upsert catalog item %s", row.item.SKU)
		}
		if err := stockRepo.Upsert(ctx, row.item.SKU, row.stock); err != nil {
			return errors.Wrapf(err, "upsert stock for %s", row.item.SKU)
		}
		written++
		if written%100 == 0 || written == len(rows) {
			slog.Info("write progress", slog.Int("written", written), slog.Int("total", len(rows)))
		}
	}
	return nil
}

// parseFiles streams every file concurrently and merges the results.
// Later files in the argument list override earlier ones per SKU.
func parseFiles(ctx context.Context, files []string) (map[string]stockRow, error) {
	perFile := make([]map[string]stockRow, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(parseFile(ctx, i, f, perFile))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]stockRow)
	for _, rows := range perFile {
		for sku, row := range rows {
			merged[sku] = row
		}
	}
	return merged, nil
}

func parseFile(ctx context.Context, idx int, path string, out []map[string]stockRow) func() error {
	return func() error {
		rows := make(map[string]stockRow)
		var count uint64

		if err := streamGzFile(ctx, path, func(line string) error {
			row, ok, err := parseLine(line)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			rows[row.item.SKU] = row
			count++
			if count%progressEvery == 0 {
				slog.Info("parse progress", slog.Int("file", idx+1), slog.Uint64("rows", count))
			}
			return nil
		}); err != nil {
			return errors.Wrapf(err, "parse file %d", idx+1)
		}

		slog.Info("parse complete", slog.Int("file", idx+1), slog.Uint64("rows", count))
		out[idx] = rows
		return nil
	}
}

// parseLine parses one "sku,name,price,stock" row. Blank lines and the
// header row are skipped.
func parseLine(line string) (stockRow, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "sku,") {
		return stockRow{}, false, nil
	}
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return stockRow{}, false, errors.Errorf("malformed row %q", line)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
	if err != nil {
		return stockRow{}, false, errors.Wrapf(err, "parse price in row %q", line)
	}
	stock, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil || stock < 0 {
		return stockRow{}, false, errors.Errorf("invalid stock in row %q", line)
	}

	return stockRow{
		item: catalog.Item{
			SKU:    strings.TrimSpace(fields[0]),
			Name:   strings.TrimSpace(fields[1]),
			Price:  price.Round(2),
			Active: true,
		},
		stock: stock,
	}, true, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
