package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/geo"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

type Server struct {
	db         *database.DB
	statsd     *statsd.Client
	log        *logrus.Logger
	subscriber propagator.Subscriber
	locator    geo.Locator

	phone   orchestrator.PhoneProvider
	vehicle orchestrator.VehicleProvider
	delay   interdiction.Delay
	clock   func() time.Time

	resolver *identity.Resolver
	ledger   *ledger.Ledger
	filter   *interdiction.Filter
	orch     *orchestrator.Orchestrator

	adminToken              string
	allowedOrigins          []string
	trustedProxies          []*net.IPNet
	isProductionEnvironment bool
	isTestEnvironment       bool
	releaseVersion          string
}

type Option func(*Server)

func WithStatsd(statsd *statsd.Client) Option {
	return func(s *Server) {
		s.statsd = statsd
	}
}

func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithSubscriber sets the change stream that session streams are fed from.
func WithSubscriber(sub propagator.Subscriber) Option {
	return func(s *Server) {
		s.subscriber = sub
	}
}

func WithGeo(locator geo.Locator) Option {
	return func(s *Server) {
		s.locator = locator
	}
}

func WithProviders(phone orchestrator.PhoneProvider, vehicle orchestrator.VehicleProvider) Option {
	return func(s *Server) {
		s.phone = phone
		s.vehicle = vehicle
	}
}

func WithStealthDelay(d interdiction.Delay) Option {
	return func(s *Server) {
		s.delay = d
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithTrustedProxies lists the peers, as IPs or CIDRs, whose X-Real-Ip and X-Forwarded-For
// headers name the caller. Requests from any other peer are keyed by the socket address.
func WithTrustedProxies(proxies ...string) Option {
	return func(s *Server) {
		for _, proxy := range proxies {
			if !strings.Contains(proxy, "/") {
				if ip := net.ParseIP(proxy); ip != nil && ip.To4() != nil {
					proxy += "/32"
				} else {
					proxy += "/128"
				}
			}
			_, network, err := net.ParseCIDR(proxy)
			if err != nil {
				panic(fmt.Errorf("invalid trusted proxy %#v: %w", proxy, err))
			}
			s.trustedProxies = append(s.trustedProxies, network)
		}
	}
}

func WithReleaseVersion(releaseVersion string) Option {
	return func(s *Server) {
		s.releaseVersion = releaseVersion
	}
}

func IsProductionEnvironment(v bool) Option {
	return func(s *Server) {
		s.isProductionEnvironment = v
	}
}

func IsTestEnvironment(v bool) Option {
	return func(s *Server) {
		s.isTestEnvironment = v
	}
}

func NewServer(db *database.DB, options ...Option) *Server {
	srv := Server{
		db:      db,
		log:     logrus.StandardLogger(),
		locator: geo.Nop{},
		delay:   interdiction.DefaultDelay,
		clock:   time.Now,
	}
	for _, option := range options {
		option(&srv)
	}
	if srv.isProductionEnvironment && srv.isTestEnvironment {
		panic(fmt.Errorf("cannot create a server that is both a prod environment and a test environment: %#v", srv))
	}
	if srv.phone == nil || srv.vehicle == nil {
		panic("cannot create a server without lookup providers")
	}

	srv.resolver = identity.NewResolver(db, srv.log)
	srv.ledger = ledger.New(db, ledger.WithStatsd(srv.statsd), ledger.WithLogger(srv.log))
	srv.filter = interdiction.New(db, interdiction.WithDelay(srv.delay), interdiction.WithLogger(srv.log))
	srv.orch = orchestrator.New(srv.resolver, srv.ledger, srv.filter, db, srv.phone, srv.vehicle,
		orchestrator.WithStatsd(srv.statsd),
		orchestrator.WithLogger(srv.log),
		orchestrator.WithClock(srv.clock),
	)
	return &srv
}

func (s *Server) today() string {
	return s.orch.Today()
}

func (s *Server) Handler() http.Handler {
	mux := httptrace.NewServeMux(httptrace.WithServiceName("lookupguard-api"))
	s.register(mux)
	return mux
}

func (s *Server) register(mux *httptrace.ServeMux) {
	middlewares := mergeMiddlewares(
		withPanicGuard(s.statsd),
		withLogging(s.statsd, s.log.Out),
	)
	admin := mergeMiddlewares(middlewares, s.withAdminAuth())

	mux.Handle("/api/v1/session", middlewares(http.HandlerFunc(s.apiSessionHandler)))
	mux.Handle("/api/v1/session/stream", middlewares(http.HandlerFunc(s.apiSessionStreamHandler)))
	mux.Handle("/api/v1/claim", middlewares(http.HandlerFunc(s.apiClaimHandler)))
	mux.Handle("/api/v1/search", middlewares(http.HandlerFunc(s.apiSearchHandler)))
	mux.Handle("/healthcheck", middlewares(http.HandlerFunc(s.healthCheckHandler)))

	mux.Handle("/internal/api/v1/users", admin(http.HandlerFunc(s.adminUsersHandler)))
	mux.Handle("/internal/api/v1/users/limit", admin(http.HandlerFunc(s.adminAdjustLimitHandler)))
	mux.Handle("/internal/api/v1/users/limit-all", admin(http.HandlerFunc(s.adminAdjustAllLimitsHandler)))
	mux.Handle("/internal/api/v1/users/reset-all", admin(http.HandlerFunc(s.adminResetAllHandler)))
	mux.Handle("/internal/api/v1/history", admin(http.HandlerFunc(s.adminHistoryHandler)))
	mux.Handle("/internal/api/v1/history/purge", admin(http.HandlerFunc(s.adminHistoryPurgeHandler)))
	mux.Handle("/internal/api/v1/blacklist", admin(http.HandlerFunc(s.adminBlacklistHandler)))
	mux.Handle("/internal/api/v1/usage-stats", admin(http.HandlerFunc(s.usageStatsHandler)))
	mux.Handle("/internal/api/v1/stats", admin(http.HandlerFunc(s.statsHandler)))
	if s.isTestEnvironment {
		mux.Handle("/api/v1/get-num-connections", middlewares(http.HandlerFunc(s.getNumConnectionsHandler)))
	}
}

func (s *Server) Run(ctx context.Context, addr string) error {
	mux := httptrace.NewServeMux(httptrace.WithServiceName("lookupguard-api"))
	if s.isProductionEnvironment {
		defer configureObservability(mux, s.releaseVersion)()
	}
	s.register(mux)

	var handler http.Handler = mux
	if len(s.allowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(s.allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", versionHeader}),
		)(handler)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Infof("Listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http.ListenAndServe: %w", err)
		}
	}

	return nil
}
