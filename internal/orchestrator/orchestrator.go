package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

type PhoneProvider interface {
	LookupPhone(ctx context.Context, number string) (*providers.PhoneResult, error)
}

type VehicleProvider interface {
	LookupVehicle(ctx context.Context, plate string) (*providers.VehicleResult, error)
}

type HistoryStore interface {
	HistoryEntryCreate(ctx context.Context, entry *shared.HistoryEntry) error
}

// Session is one caller. Watcher is optional; when set, the session's projection supplies the
// username and receives the effects of the search.
type Session struct {
	Source  identity.AddressSource
	Watcher *propagator.Watcher
}

type LinkedResult struct {
	Number string                 `json:"number"`
	Phone  *providers.PhoneResult `json:"phone"`
}

type Result struct {
	Kind      shared.QueryKind         `json:"kind"`
	Value     string                   `json:"value"`
	Address   string                   `json:"address"`
	Username  string                   `json:"username"`
	Phone     *providers.PhoneResult   `json:"phone,omitempty"`
	Vehicle   *providers.VehicleResult `json:"vehicle,omitempty"`
	Linked    *LinkedResult            `json:"linked,omitempty"`
	Remaining int                      `json:"remaining"`
}

type Option func(*Orchestrator)

func WithStatsd(s *statsd.Client) Option {
	return func(o *Orchestrator) {
		o.statsd = s
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		o.log = log.WithField("component", "orchestrator")
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

type Orchestrator struct {
	identity *identity.Resolver
	ledger   *ledger.Ledger
	filter   *interdiction.Filter
	history  HistoryStore
	phone    PhoneProvider
	vehicle  VehicleProvider

	statsd *statsd.Client
	log    logrus.FieldLogger
	clock  func() time.Time
}

func New(resolver *identity.Resolver, l *ledger.Ledger, filter *interdiction.Filter, history HistoryStore, phone PhoneProvider, vehicle VehicleProvider, options ...Option) *Orchestrator {
	o := &Orchestrator{
		identity: resolver,
		ledger:   l,
		filter:   filter,
		history:  history,
		phone:    phone,
		vehicle:  vehicle,
		log:      logrus.StandardLogger().WithField("component", "orchestrator"),
		clock:    time.Now,
	}
	for _, option := range options {
		option(o)
	}
	return o
}

func (o *Orchestrator) Today() string {
	return shared.Today(o.clock())
}

// Search runs one lookup for sess. Every step waits for the previous one; a cancelled ctx
// abandons the search but keeps whatever was already committed.
func (o *Orchestrator) Search(ctx context.Context, sess Session, kind shared.QueryKind, value string) (*Result, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty %s query", kind)
	}
	if kind != shared.QueryKindPhone && kind != shared.QueryKindVehicle {
		return nil, fmt.Errorf("unknown query kind %#v", kind)
	}
	today := o.Today()

	if sess.Source == nil {
		return nil, identity.ErrAddressUnavailable
	}
	address, err := sess.Source.ResolveAddress(ctx)
	if err != nil {
		if errors.Is(err, identity.ErrAddressUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", identity.ErrAddressUnavailable, err)
	}

	username, err := o.username(ctx, sess, address)
	if err != nil {
		return nil, err
	}
	if username == "" {
		return nil, identity.ErrIdentityRequired
	}

	decision, record := o.ledger.CheckAllowance(ctx, address, today)
	if decision != ledger.Allowed {
		return nil, ledger.ErrQuotaExceeded
	}

	res := &Result{Kind: kind, Value: value, Address: address, Username: username, Remaining: record.Remaining(today)}
	log := o.log.WithFields(logrus.Fields{"address": address, "kind": kind})

	if o.filter.IsBlocked(ctx, value) {
		o.incr("lookupguard.search.interdicted", kind)
		if err := o.filter.Stall(ctx); err != nil {
			return nil, err
		}
		if err := o.appendHistory(ctx, sess, address, username, kind, value); err != nil {
			return nil, err
		}
		log.Info("interdicted search")
		if kind == shared.QueryKindVehicle {
			return nil, providers.VehicleNotFound()
		}
		// Report the count a consumed empty lookup would leave behind.
		res.Remaining = max(0, res.Remaining-1)
		res.Phone = providers.EmptyPhoneResult()
		return res, nil
	}

	lookupErr := o.lookup(ctx, kind, value, res)
	if lookupErr != nil {
		var perr *providers.ProviderError
		if errors.As(lookupErr, &perr) && perr.Responded {
			if err := o.appendHistory(ctx, sess, address, username, kind, value); err != nil {
				return nil, err
			}
		}
		o.incr("lookupguard.search.provider_error", kind)
		log.WithError(lookupErr).Info("provider lookup failed")
		return nil, lookupErr
	}

	updated, err := o.ledger.Consume(ctx, address, today)
	if err != nil {
		return nil, err
	}
	if sess.Watcher != nil {
		sess.Watcher.Prime(updated)
	}
	res.Remaining = updated.Remaining(today)
	if err := o.appendHistory(ctx, sess, address, username, kind, value); err != nil {
		return nil, err
	}
	o.incr("lookupguard.search.success", kind)

	if kind == shared.QueryKindPhone {
		res.Linked = o.lookupLinked(ctx, value, res.Phone)
	}
	return res, nil
}

func (o *Orchestrator) username(ctx context.Context, sess Session, address string) (string, error) {
	if sess.Watcher != nil {
		if name := sess.Watcher.Projection().Username(); name != "" {
			return name, nil
		}
	}
	return o.identity.Username(ctx, address)
}

func (o *Orchestrator) lookup(ctx context.Context, kind shared.QueryKind, value string, res *Result) error {
	switch kind {
	case shared.QueryKindPhone:
		phone, err := o.phone.LookupPhone(ctx, value)
		if err != nil {
			return err
		}
		res.Phone = phone
	case shared.QueryKindVehicle:
		vehicle, err := o.vehicle.LookupVehicle(ctx, value)
		if err != nil {
			return err
		}
		res.Vehicle = vehicle
	}
	return nil
}

func (o *Orchestrator) appendHistory(ctx context.Context, sess Session, address, username string, kind shared.QueryKind, value string) error {
	entry := &shared.HistoryEntry{
		Timestamp:  o.clock().UTC(),
		Address:    address,
		Username:   username,
		QueryValue: value,
		QueryKind:  kind,
	}
	if err := o.history.HistoryEntryCreate(ctx, entry); err != nil {
		return database.NewStoreError("append history", err)
	}
	if sess.Watcher != nil {
		evt, err := shared.NewChangeEvent(shared.TableHistoryEntries, shared.ChangeInsert, address, nil, entry)
		if err == nil {
			sess.Watcher.Apply(evt)
		}
	}
	return nil
}

// lookupLinked performs the secondary lookup for an alternate number found in result. It never
// fails the search.
func (o *Orchestrator) lookupLinked(ctx context.Context, queried string, result *providers.PhoneResult) *LinkedResult {
	number, ok := FindLinkedNumber(queried, result)
	if !ok {
		return nil
	}
	log := o.log.WithField("linked", number)
	if o.filter.IsBlocked(ctx, number) {
		log.Debug("skipping interdicted linked number")
		return nil
	}
	linked, err := o.phone.LookupPhone(ctx, number)
	if err != nil {
		log.WithError(err).Debug("linked lookup failed")
		return nil
	}
	o.incr("lookupguard.search.linked", shared.QueryKindPhone)
	return &LinkedResult{Number: number, Phone: linked}
}

func (o *Orchestrator) incr(name string, kind shared.QueryKind) {
	if o.statsd != nil {
		o.statsd.Incr(name, []string{"kind:" + string(kind)}, 1.0)
	}
}
