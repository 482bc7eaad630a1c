package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"merchantd/config"
	"merchantd/exchange"
	"merchantd/instance"
	"merchantd/longpoll"
	"merchantd/observability/logging"
	telemetry "merchantd/observability/otel"
	"merchantd/order"
	"merchantd/pay"
	"merchantd/refund"
	"merchantd/server"
	"merchantd/storage"
	"merchantd/tip"
)

func main() {
	var (
		cfgPath string
		listen  string
	)
	flag.StringVar(&cfgPath, "config", "merchant.toml", "path to merchantd configuration file")
	flag.StringVar(&listen, "listen", "", "override the configured listen address")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MERCHANT_ENV"))
	logger := logging.Setup("merchantd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "merchantd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("merchantd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("merchantd: load config: %v", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	dsn, err := storage.FileDSN(cfg.Database)
	if err != nil {
		log.Fatalf("merchantd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("merchantd: open storage: %v", err)
	}
	defer store.Close()
	if err := store.Preflight(context.Background()); err != nil {
		log.Fatalf("merchantd: database preflight: %v", err)
	}

	instances, err := instance.Build(cfg, logger)
	if err != nil {
		log.Fatalf("merchantd: build instances: %v", err)
	}

	trusted := make([]exchange.TrustedExchange, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		trusted = append(trusted, exchange.TrustedExchange{
			BaseURL:   ex.BaseURL,
			MasterPub: ex.MasterKey,
		})
	}
	exchanges, err := exchange.NewRegistry(trusted, nil, logger)
	if err != nil {
		log.Fatalf("merchantd: exchange registry: %v", err)
	}
	defer exchanges.Shutdown()

	waits := longpoll.NewRegistry()

	orders, err := order.New(store, order.Defaults{
		Currency:            cfg.Currency,
		PayDeadline:         cfg.DefaultPayDeadline.Duration,
		RefundDelay:         cfg.WireTransferDelay.Duration,
		MaxFee:              cfg.DefaultMaxDepositFee.Amount,
		MaxWireFee:          cfg.DefaultMaxWireFee.Amount,
		WireFeeAmortization: cfg.DefaultWireFeeAmortization,
	}, order.WithLogger(logger))
	if err != nil {
		log.Fatalf("merchantd: order engine: %v", err)
	}
	payments, err := pay.New(store, exchanges, waits, pay.WithLogger(logger))
	if err != nil {
		log.Fatalf("merchantd: pay engine: %v", err)
	}
	tips, err := tip.New(store, exchanges,
		tip.WithLogger(logger), tip.WithExpiry(cfg.TipExpiration.Duration))
	if err != nil {
		log.Fatalf("merchantd: tip engine: %v", err)
	}
	refunds, err := refund.New(store, waits, refund.WithLogger(logger))
	if err != nil {
		log.Fatalf("merchantd: refund engine: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.Listen,
		Currency:      cfg.Currency,
		BearerToken:   cfg.Admin.BearerToken,
		RateLimit: server.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, instances, store, server.Engines{
		Orders:   orders,
		Payments: payments,
		Tips:     tips,
		Refunds:  refunds,
	}, logger)
	if err != nil {
		log.Fatalf("merchantd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Release parked poll-payment requests on shutdown so the listener
	// can drain instead of waiting out their timeouts.
	go func() {
		<-rootCtx.Done()
		waits.Shutdown()
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("merchantd: http server error: %v", err)
		os.Exit(1)
	}
}
