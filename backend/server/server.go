package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ddworken/lookupguard/backend/server/internal/server"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/geo"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	StatsdSocket = "unix:///var/run/datadog/dsd.socket"
	listenAddr   = ":8080"
)

var ReleaseVersion string = "UNKNOWN"

func isTestEnvironment() bool {
	return os.Getenv("LOOKUPGUARD_TEST") != ""
}

func isProductionEnvironment() bool {
	return os.Getenv("LOOKUPGUARD_ENV") == "prod"
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOOKUPGUARD_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func OpenDB(log *logrus.Logger) (*database.DB, error) {
	config := &gorm.Config{
		Logger: logger.New(
			log.WithField("fromSQL", true),
			logger.Config{
				SlowThreshold:             100 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}

	var db *database.DB
	var err error
	if dsn := os.Getenv("LOOKUPGUARD_POSTGRES_DB"); dsn != "" && !isTestEnvironment() {
		db, err = database.OpenPostgres(dsn, config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DB: %w", err)
		}
	} else {
		dsn := os.Getenv("LOOKUPGUARD_SQLITE_DB")
		if dsn == "" || isTestEnvironment() {
			dsn = "file::memory:?_journal_mode=WAL&cache=shared"
		}
		db, err = database.OpenSQLite(dsn, config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the DB: %w", err)
		}
		underlyingDb, err := db.DB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access underlying DB: %w", err)
		}
		underlyingDb.SetMaxOpenConns(1)
	}
	db.SetLogger(log.WithField("component", "database"))

	if err := db.AddDatabaseTables(); err != nil {
		return nil, fmt.Errorf("failed to create underlying DB tables: %w", err)
	}
	if err := db.CreateIndices(); err != nil {
		return nil, fmt.Errorf("failed to create indices: %w", err)
	}
	return db, nil
}

func stealthDelay() (interdiction.Delay, error) {
	delay := interdiction.DefaultDelay
	if v := os.Getenv("LOOKUPGUARD_STEALTH_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return delay, fmt.Errorf("invalid LOOKUPGUARD_STEALTH_DELAY=%#v: %w", v, err)
		}
		delay.Base = d
	}
	if v := os.Getenv("LOOKUPGUARD_STEALTH_JITTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return delay, fmt.Errorf("invalid LOOKUPGUARD_STEALTH_JITTER=%#v: %w", v, err)
		}
		delay.Jitter = d
	}
	return delay, nil
}

func getEnvOr(k, fallback string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return fallback
}

func envList(k string) []string {
	items := lo.Map(strings.Split(os.Getenv(k), ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	})
	return lo.Compact(items)
}

// runBackgroundJobs reports the store's size to statsd until ctx is cancelled.
func runBackgroundJobs(ctx context.Context, db *database.DB, stats *statsd.Client, log logrus.FieldLogger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		collected, err := db.CollectStats(ctx, time.Now().UTC().Format("2006-01-02"))
		if err != nil {
			log.WithError(err).Warn("failed to collect stats")
		} else if stats != nil {
			stats.Gauge("lookupguard.users.total", float64(collected.TotalUsers), nil, 1)
			stats.Gauge("lookupguard.users.active_today", float64(collected.ActiveToday), nil, 1)
			stats.Gauge("lookupguard.history.entries", float64(collected.HistoryEntries), nil, 1)
			stats.Gauge("lookupguard.blacklist.entries", float64(collected.BlacklistEntries), nil, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Printf("failed to load .env: %v\n", err)
	}
	log := newLogger()
	if ReleaseVersion == "UNKNOWN" && isProductionEnvironment() {
		panic("server.go was built without a ReleaseVersion!")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := OpenDB(log)
	if err != nil {
		panic(fmt.Errorf("OpenDB: %w", err))
	}
	defer db.Close()

	bus := propagator.NewBus(log)
	defer bus.Close()
	if db.IsPostgres() {
		db.SetChangeSink(propagator.NewPostgresNotifier(db.DB))
		if err := propagator.ListenPostgres(ctx, os.Getenv("LOOKUPGUARD_POSTGRES_DB"), bus, log); err != nil {
			panic(fmt.Errorf("failed to listen for changes: %w", err))
		}
	} else {
		db.SetChangeSink(bus)
	}

	var stats *statsd.Client
	if isProductionEnvironment() || os.Getenv("DD_AGENT_HOST") != "" {
		addr := StatsdSocket
		if host := os.Getenv("DD_AGENT_HOST"); host != "" {
			addr = host + ":8125"
		}
		stats, err = statsd.New(addr)
		if err != nil {
			log.WithError(err).Warn("failed to start statsd client, continuing without metrics")
			stats = nil
		} else {
			defer stats.Close()
		}
	}

	locator, err := geo.OpenOrNop(os.Getenv("LOOKUPGUARD_GEOIP_DB"))
	if err != nil {
		panic(fmt.Errorf("failed to open the GeoIP database: %w", err))
	}
	delay, err := stealthDelay()
	if err != nil {
		panic(err)
	}

	phoneAPI := os.Getenv("LOOKUPGUARD_PHONE_API")
	if phoneAPI == "" {
		panic("LOOKUPGUARD_PHONE_API must be set")
	}
	s := server.NewServer(
		db,
		server.WithStatsd(stats),
		server.WithLogger(log),
		server.WithSubscriber(bus),
		server.WithGeo(locator),
		server.WithProviders(
			providers.NewPhoneClient(phoneAPI, nil),
			providers.NewVehicleClient(
				getEnvOr("LOOKUPGUARD_VEHICLE_API", providers.DefaultVehicleEndpoint),
				os.Getenv("LOOKUPGUARD_VEHICLE_PROXY"),
				nil,
			),
		),
		server.WithStealthDelay(delay),
		server.WithAdminToken(os.Getenv("LOOKUPGUARD_ADMIN_TOKEN")),
		server.WithAllowedOrigins(envList("LOOKUPGUARD_ALLOWED_ORIGINS")...),
		server.WithTrustedProxies(envList("LOOKUPGUARD_TRUSTED_PROXIES")...),
		server.WithReleaseVersion(ReleaseVersion),
		server.IsProductionEnvironment(isProductionEnvironment()),
		server.IsTestEnvironment(isTestEnvironment()),
	)

	go runBackgroundJobs(ctx, db, stats, log.WithField("component", "cron"))

	if err := s.Run(ctx, getEnvOr("LOOKUPGUARD_LISTEN_ADDR", listenAddr)); err != nil {
		panic(err)
	}
}
