package main

import (
	"database/sql"
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	server "space_broker/internal/adapters/http_server"
	"space_broker/internal/adapters/observability"
	"space_broker/internal/adapters/otp"
	"space_broker/internal/adapters/payments"
	redisad "space_broker/internal/adapters/redis"
	"space_broker/internal/app"
	"space_broker/internal/shared"
	mysqlrepo "space_broker/internal/storage/mysql"
)

func main() {
	_ = godotenv.Load()
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	observability.Serve()

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	// deps
	store := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	provider, err := payments.New(cfg.PaymentsBase, cfg.PaymentsKey, cfg.PaymentsRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("payments client init failed")
	}
	codes := otp.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.OtpTTL)

	booking := app.NewBookingService(store, provider, cache)
	contracts := app.NewContractService(store, provider, codes, cache)
	appointments := app.NewAppointmentService(store, cache)
	q := app.NewQueryService(store, cache, cfg.CacheTTL)

	// http
	srv := server.New()
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Booking:      booking,
		Contracts:    contracts,
		Appointments: appointments,
		Q:            q,
	})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux()}

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
}
