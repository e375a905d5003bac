package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/geo"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/sirupsen/logrus"
)

// Config holds the minimal configuration needed to create a backend.
// This avoids circular imports with the hctx package.
type Config struct {
	// BackendType is either "http" (default) or "local"
	BackendType string

	// Version is the client version for HTTP headers
	Version string

	// HTTP configuration
	ServerURL  string
	AdminToken string

	// Local configuration (only used when BackendType is "local")
	DatabaseDSN  string
	DiscoveryURL string
	PhoneAPI     string
	VehicleAPI   string
	VehicleProxy string
	StealthDelay string
	// GeoIPDB is a MaxMind country database used to annotate admin user listings
	GeoIPDB string
	// OpenStore opens DatabaseDSN. Required for the local backend.
	OpenStore func(dsn string) (*database.DB, error)
	Logger    logrus.FieldLogger
}

// NewBackendFromConfig creates the appropriate backend based on configuration.
// If BackendType is empty or "http", creates an HTTPBackend.
// If BackendType is "local", opens the store and creates a LocalBackend.
func NewBackendFromConfig(ctx context.Context, cfg Config) (Backend, error) {
	switch BackendType(cfg.BackendType) {
	case BackendTypeLocal:
		return newLocalBackendFromConfig(cfg)

	case BackendTypeHTTP, "":
		return NewHTTPBackend(
			WithServerURL(cfg.ServerURL),
			WithVersion(cfg.Version),
			WithAdminToken(cfg.AdminToken),
		), nil

	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.BackendType)
	}
}

func newLocalBackendFromConfig(cfg Config) (*LocalBackend, error) {
	if cfg.OpenStore == nil {
		return nil, fmt.Errorf("the local backend requires a store")
	}
	if cfg.PhoneAPI == "" {
		return nil, fmt.Errorf("the local backend requires phone_api to be configured")
	}
	delay := interdiction.DefaultDelay
	if cfg.StealthDelay != "" {
		d, err := time.ParseDuration(cfg.StealthDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid stealth_delay=%#v: %w", cfg.StealthDelay, err)
		}
		delay = interdiction.Delay{Base: d}
	}
	discoveryURL := cfg.DiscoveryURL
	if discoveryURL == "" {
		discoveryURL = identity.DefaultDiscoveryURL
	}
	vehicleAPI := cfg.VehicleAPI
	if vehicleAPI == "" {
		vehicleAPI = providers.DefaultVehicleEndpoint
	}

	locator, err := geo.OpenOrNop(cfg.GeoIPDB)
	if err != nil {
		return nil, err
	}
	db, err := cfg.OpenStore(cfg.DatabaseDSN)
	if err != nil {
		if c, ok := locator.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	opts := []LocalBackendOption{WithStealthDelay(delay), WithLocator(locator)}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	if db.IsPostgres() {
		opts = append(opts, WithPostgresListener(cfg.DatabaseDSN))
	}
	return NewLocalBackend(
		db,
		identity.NewDiscoveryClient(discoveryURL, nil),
		providers.NewPhoneClient(cfg.PhoneAPI, nil),
		providers.NewVehicleClient(vehicleAPI, cfg.VehicleProxy, nil),
		opts...,
	), nil
}
