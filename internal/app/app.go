package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/audit"
	"github.com/xenking/orderflow/internal/domain/checkout"
	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/payment"
	"github.com/xenking/orderflow/internal/domain/pricing"
	"github.com/xenking/orderflow/internal/gateway"
	"github.com/xenking/orderflow/internal/handler"
	"github.com/xenking/orderflow/internal/ledger"
	"github.com/xenking/orderflow/internal/postgres"
	"github.com/xenking/orderflow/pkg/health"
	"github.com/xenking/orderflow/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return errors.Wrap(err, "parse tax rate")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	catalogRepo := postgres.NewCatalogRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	auditRepo := postgres.NewAuditRepository(pool)
	stockRepo := postgres.NewStockRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Reservation ledger, loaded from durable stock levels.
	stockLedger := ledger.New(postgres.NewReservationStore(pool), lg.Named("ledger"))
	levels, err := stockRepo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load stock levels")
	}
	for _, lv := range levels {
		stockLedger.Load(lv.SKU, lv.Total, lv.Committed)
	}
	go stockLedger.RunSweeper(ctx, cfg.Reservations.SweepInterval)

	// Domain services.
	auditLog := audit.NewLog(auditRepo, audit.NewChannelDispatcher(1024, lg.Named("audit")), lg.Named("audit"))
	calculator := pricing.NewCalculator(catalogRepo, discountRepo, pricing.CalculatorConfig{
		TaxRate:       taxRate,
		ShippingRates: pricing.DefaultShippingRates(),
	})
	machine := order.NewMachine(orderRepo, stockLedger, auditLog, lg.Named("orders"))

	gateways := []payment.Gateway{
		gateway.NewCardProcessor(gateway.CardConfig{
			Endpoint:      cfg.Gateways.Card.BaseURL,
			WebhookSecret: []byte(cfg.Gateways.Card.WebhookSecret),
			Timeout:       cfg.Gateways.Card.Timeout,
		}),
		gateway.NewWallet(gateway.WalletConfig{
			RedirectBase:  cfg.Gateways.Wallet.RedirectBase,
			Endpoint:      cfg.Gateways.Wallet.BaseURL,
			WebhookSecret: []byte(cfg.Gateways.Wallet.WebhookSecret),
		}),
		gateway.NewBankTransfer(gateway.BankConfig{
			WebhookSecret: []byte(cfg.Gateways.Bank.WebhookSecret),
		}),
	}
	orchestrator := payment.NewOrchestrator(paymentRepo, gateways, machine, auditLog, lg.Named("payments"))
	machine.BindRefunder(orchestrator)

	coordinator := checkout.NewCoordinator(calculator, stockLedger, machine, orchestrator, cfg.Reservations.TTL, lg.Named("checkout"))

	// HTTP surface.
	h := handler.New(coordinator, machine, orchestrator, auditLog, apikeyRepo, []byte(cfg.APIKeyPepper), lg.Named("http"))

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.PrincipalHeader, handler.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("orderflow-api", m.TracerProvider()),
			httpmiddleware.LogRequests(),
			httpmiddleware.RouteAttribute(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
