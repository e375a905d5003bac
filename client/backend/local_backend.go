package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/geo"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// LocalBackend implements Backend by running the identity, quota, interdiction and search logic
// in this process against a store. With a postgres store, changes made by other clients reach
// Watch through LISTEN/NOTIFY.
type LocalBackend struct {
	db     *database.DB
	bus    *propagator.Bus
	source identity.AddressSource
	clock  func() time.Time
	log    logrus.FieldLogger

	resolver *identity.Resolver
	ledger   *ledger.Ledger
	filter   *interdiction.Filter
	orch     *orchestrator.Orchestrator

	locator geo.Locator
	delay   interdiction.Delay
	// Set when changes should be followed across processes.
	postgresDSN string
}

type LocalBackendOption func(*LocalBackend)

func WithClock(clock func() time.Time) LocalBackendOption {
	return func(b *LocalBackend) {
		b.clock = clock
	}
}

func WithLogger(log logrus.FieldLogger) LocalBackendOption {
	return func(b *LocalBackend) {
		b.log = log
	}
}

func WithStealthDelay(d interdiction.Delay) LocalBackendOption {
	return func(b *LocalBackend) {
		b.delay = d
	}
}

func WithLocator(locator geo.Locator) LocalBackendOption {
	return func(b *LocalBackend) {
		b.locator = locator
	}
}

// WithPostgresListener makes Watch follow changes committed by other processes.
func WithPostgresListener(dsn string) LocalBackendOption {
	return func(b *LocalBackend) {
		b.postgresDSN = dsn
	}
}

// NewLocalBackend wires the core components around db. Writes to db are published to an
// in-process bus, or to postgres NOTIFY when WithPostgresListener is set.
func NewLocalBackend(db *database.DB, source identity.AddressSource, phone orchestrator.PhoneProvider, vehicle orchestrator.VehicleProvider, opts ...LocalBackendOption) *LocalBackend {
	b := &LocalBackend{
		db:      db,
		source:  source,
		clock:   time.Now,
		log:     logrus.StandardLogger(),
		locator: geo.Nop{},
		delay:   interdiction.DefaultDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.filter = interdiction.New(db, interdiction.WithDelay(b.delay), interdiction.WithLogger(b.log))
	b.bus = propagator.NewBus(b.log)
	if b.postgresDSN != "" {
		db.SetChangeSink(propagator.NewPostgresNotifier(db.DB))
	} else {
		db.SetChangeSink(b.bus)
	}
	b.resolver = identity.NewResolver(db, b.log)
	b.ledger = ledger.New(db, ledger.WithLogger(b.log))
	b.orch = orchestrator.New(b.resolver, b.ledger, b.filter, db, phone, vehicle,
		orchestrator.WithLogger(b.log),
		orchestrator.WithClock(b.clock),
	)
	return b
}

func (b *LocalBackend) Type() string {
	return string(BackendTypeLocal)
}

func (b *LocalBackend) Close() error {
	busErr := b.bus.Close()
	dbErr := b.db.Close()
	var geoErr error
	if c, ok := b.locator.(io.Closer); ok {
		geoErr = c.Close()
	}
	return errors.Join(busErr, dbErr, geoErr)
}

func (b *LocalBackend) today() string {
	return b.orch.Today()
}

func (b *LocalBackend) address(ctx context.Context) (string, error) {
	addr, err := b.source.ResolveAddress(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrAddressUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", identity.ErrAddressUnavailable, err)
	}
	return addr, nil
}

func (b *LocalBackend) Session(ctx context.Context) (*propagator.View, error) {
	addr, err := b.address(ctx)
	if err != nil {
		return nil, err
	}
	record, err := b.db.UsageRecordFind(ctx, addr)
	if err != nil {
		return nil, database.NewStoreError("session read", err)
	}
	history, err := b.db.HistoryEntryList(ctx, database.HistoryFilter{Address: addr})
	if err != nil {
		return nil, database.NewStoreError("history read", err)
	}
	proj := propagator.NewProjection(addr, b.clock)
	if _, err := proj.Apply(shared.SnapshotEvent(addr, record)); err != nil {
		return nil, err
	}
	for _, entry := range history {
		evt, err := shared.NewChangeEvent(shared.TableHistoryEntries, shared.ChangeSnapshot, addr, nil, entry)
		if err != nil {
			return nil, err
		}
		if _, err := proj.Apply(evt); err != nil {
			return nil, err
		}
	}
	view := publicView(proj.View())
	return &view, nil
}

func (b *LocalBackend) Claim(ctx context.Context, username string) (*shared.UsageRecord, error) {
	addr, err := b.address(ctx)
	if err != nil {
		return nil, err
	}
	return b.resolver.ClaimUsername(ctx, addr, username, b.today())
}

func (b *LocalBackend) Search(ctx context.Context, kind shared.QueryKind, value string) (*orchestrator.Result, error) {
	return b.orch.Search(ctx, orchestrator.Session{Source: b.source}, kind, value)
}

// Watch calls onView with the session's view once the subscription is live and again after every
// change that affects it, until ctx is cancelled. onView runs on the caller's goroutine.
func (b *LocalBackend) Watch(ctx context.Context, onView func(propagator.View)) error {
	addr, err := b.address(ctx)
	if err != nil {
		return err
	}
	if b.postgresDSN != "" {
		if err := propagator.ListenPostgres(ctx, b.postgresDSN, b.bus, b.log); err != nil {
			return err
		}
	}

	updates := make(chan propagator.View, 1)
	onChange := func(v propagator.View) {
		select {
		case <-updates:
		default:
		}
		updates <- v
	}
	proj := propagator.NewProjection(addr, b.clock)
	watcher, err := propagator.Watch(ctx, b.bus, proj, onChange, b.log)
	if err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	record, err := b.db.UsageRecordFind(ctx, addr)
	if err != nil {
		return database.NewStoreError("session read", err)
	}
	watcher.Prime(record)
	history, err := b.db.HistoryEntryList(ctx, database.HistoryFilter{Address: addr})
	if err != nil {
		return database.NewStoreError("history read", err)
	}
	propagator.PrimeRows(watcher, shared.TableHistoryEntries, addr, history)

	select {
	case <-updates:
	default:
	}
	onView(publicView(proj.View()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watcher.Done():
			return nil
		case v := <-updates:
			onView(publicView(v))
		}
	}
}

// publicView hides the interdiction list from the session it is shown to.
func publicView(v propagator.View) propagator.View {
	v.Blacklist = nil
	return v
}

func (b *LocalBackend) ListUsers(ctx context.Context) ([]*shared.UserSummary, error) {
	records, err := b.db.UsageRecordList(ctx)
	if err != nil {
		return nil, database.NewStoreError("list usage records", err)
	}
	today := b.today()
	return lo.Map(records, func(record *shared.UsageRecord, _ int) *shared.UserSummary {
		return &shared.UserSummary{
			UsageRecord: *record,
			Country:     b.locator.Country(record.Address),
			Remaining:   record.Remaining(today),
		}
	}), nil
}

func (b *LocalBackend) DeleteUser(ctx context.Context, address string) error {
	err := b.db.UsageRecordDelete(ctx, address)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return database.NewStoreError("delete usage record", err)
	}
	return err
}

func (b *LocalBackend) AdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error) {
	return b.ledger.AdjustLimit(ctx, address, delta)
}

func (b *LocalBackend) AdjustAllLimits(ctx context.Context, delta int, progress func(done, total int)) (int, error) {
	return b.ledger.AdjustAllLimits(ctx, delta, progress)
}

func (b *LocalBackend) ResetAll(ctx context.Context) (int64, error) {
	return b.ledger.ResetAll(ctx)
}

func (b *LocalBackend) ListHistory(ctx context.Context, filter database.HistoryFilter) ([]*shared.HistoryEntry, error) {
	entries, err := b.db.HistoryEntryList(ctx, filter)
	if err != nil {
		return nil, database.NewStoreError("list history", err)
	}
	return entries, nil
}

func (b *LocalBackend) DeleteHistory(ctx context.Context, id string) error {
	err := b.db.HistoryEntryDelete(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return database.NewStoreError("delete history entry", err)
	}
	return err
}

func (b *LocalBackend) PurgeHistory(ctx context.Context, filter database.HistoryFilter) (int64, error) {
	n, err := b.db.HistoryEntryPurge(ctx, filter)
	if err != nil {
		return 0, database.NewStoreError("purge history", err)
	}
	return n, nil
}

func (b *LocalBackend) ListBlacklist(ctx context.Context) ([]*shared.BlacklistEntry, error) {
	return b.filter.List(ctx)
}

func (b *LocalBackend) AddBlacklist(ctx context.Context, value string, kind shared.QueryKind, reason string) (*shared.BlacklistEntry, error) {
	return b.filter.Add(ctx, value, kind, reason)
}

func (b *LocalBackend) RemoveBlacklist(ctx context.Context, id string) error {
	return b.filter.Remove(ctx, id)
}

func (b *LocalBackend) Stats(ctx context.Context) (database.Stats, error) {
	stats, err := b.db.CollectStats(ctx, b.today())
	if err != nil {
		return database.Stats{}, database.NewStoreError("collect stats", err)
	}
	return stats, nil
}
