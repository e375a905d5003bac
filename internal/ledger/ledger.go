package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

var (
	ErrQuotaExceeded = errors.New("daily search limit reached")
	ErrNoRecord      = errors.New("no usage record for address")
)

type Decision int

const (
	Allowed Decision = iota
	Denied
)

func (d Decision) String() string {
	if d == Denied {
		return "denied"
	}
	return "allowed"
}

type Store interface {
	UsageRecordFind(ctx context.Context, address string) (*shared.UsageRecord, error)
	UsageRecordList(ctx context.Context) ([]*shared.UsageRecord, error)
	UsageRecordConsume(ctx context.Context, address, today string) (*shared.UsageRecord, error)
	UsageRecordAdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error)
	UsageRecordResetAllCounts(ctx context.Context) (int64, error)
}

// Evaluate applies the allowance rule to a record as read from the store.
func Evaluate(record *shared.UsageRecord, today string) Decision {
	if record == nil || record.LastResetDate != today {
		return Allowed
	}
	if record.SearchCount < record.DailyLimit {
		return Allowed
	}
	return Denied
}

// ClampLimit is the limit that results from moving limit by delta.
func ClampLimit(limit, delta int) int {
	return max(0, limit+delta)
}

type Option func(*Ledger)

func WithStatsd(s *statsd.Client) Option {
	return func(l *Ledger) {
		l.statsd = s
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) {
		l.log = log.WithField("component", "ledger")
	}
}

type Ledger struct {
	store  Store
	statsd *statsd.Client
	log    logrus.FieldLogger
}

func New(store Store, options ...Option) *Ledger {
	l := &Ledger{store: store, log: logrus.StandardLogger().WithField("component", "ledger")}
	for _, option := range options {
		option(l)
	}
	return l
}

// CheckAllowance decides whether address may search today. The record is returned alongside the
// decision and is nil when none exists or it could not be read. A store failure allows the search.
func (l *Ledger) CheckAllowance(ctx context.Context, address, today string) (Decision, *shared.UsageRecord) {
	record, err := l.store.UsageRecordFind(ctx, address)
	if err != nil {
		l.log.WithError(err).WithField("address", address).Warn("usage record read failed, allowing search")
		l.incr("lookupguard.ledger.read_failure")
		return Allowed, nil
	}
	decision := Evaluate(record, today)
	if decision == Denied {
		l.incr("lookupguard.ledger.denied")
	}
	return decision, record
}

// Consume charges one unit to address for today and returns the resulting count.
func (l *Ledger) Consume(ctx context.Context, address, today string) (*shared.UsageRecord, error) {
	record, err := l.store.UsageRecordConsume(ctx, address, today)
	if err != nil {
		return nil, database.NewStoreError("consume", err)
	}
	l.incr("lookupguard.ledger.consumed")
	return record, nil
}

func (l *Ledger) AdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error) {
	record, err := l.store.UsageRecordAdjustLimit(ctx, address, delta)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, address)
	}
	if err != nil {
		return nil, database.NewStoreError("adjust limit", err)
	}
	l.log.WithFields(logrus.Fields{"address": address, "delta": delta, "limit": record.DailyLimit}).Info("adjusted daily limit")
	return record, nil
}

// AdjustAllLimits applies AdjustLimit to every record one at a time. progress, when set, is
// called after each record with the number done so far and the total.
func (l *Ledger) AdjustAllLimits(ctx context.Context, delta int, progress func(done, total int)) (int, error) {
	records, err := l.store.UsageRecordList(ctx)
	if err != nil {
		return 0, database.NewStoreError("list usage records", err)
	}
	adjusted := 0
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return adjusted, err
		}
		if _, err := l.AdjustLimit(ctx, record.Address, delta); err != nil && !errors.Is(err, ErrNoRecord) {
			return adjusted, err
		} else if err == nil {
			adjusted++
		}
		if progress != nil {
			progress(i+1, len(records))
		}
	}
	return adjusted, nil
}

// ResetAll zeroes the count of every record. Limits and dates are left untouched.
func (l *Ledger) ResetAll(ctx context.Context) (int64, error) {
	n, err := l.store.UsageRecordResetAllCounts(ctx)
	if err != nil {
		return 0, database.NewStoreError("reset all", err)
	}
	l.log.WithField("records", n).Info("reset all search counts")
	return n, nil
}

func (l *Ledger) incr(name string) {
	if l.statsd != nil {
		l.statsd.Incr(name, []string{}, 1.0)
	}
}
