package interdiction

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyInterdicted = errors.New("value is already on the blacklist")

const DefaultReason = "Manual Admin Interdiction"

type Store interface {
	BlacklistEntryExists(ctx context.Context, value string) (bool, error)
	BlacklistEntryCreate(ctx context.Context, entry *shared.BlacklistEntry) error
	BlacklistEntryDelete(ctx context.Context, id string) error
	BlacklistEntryList(ctx context.Context) ([]*shared.BlacklistEntry, error)
}

// Delay is the artificial latency added to an interdicted search. The actual wait is Base plus a
// uniformly random share of Jitter.
type Delay struct {
	Base   time.Duration
	Jitter time.Duration
}

var DefaultDelay = Delay{Base: 1500 * time.Millisecond, Jitter: time.Second}

func (d Delay) next() time.Duration {
	if d.Jitter <= 0 {
		return d.Base
	}
	return d.Base + rand.N(d.Jitter)
}

type Option func(*Filter)

func WithDelay(d Delay) Option {
	return func(f *Filter) {
		f.delay = d
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(f *Filter) {
		f.log = log.WithField("component", "interdiction")
	}
}

type Filter struct {
	store Store
	delay Delay
	log   logrus.FieldLogger
}

func New(store Store, options ...Option) *Filter {
	f := &Filter{
		store: store,
		delay: DefaultDelay,
		log:   logrus.StandardLogger().WithField("component", "interdiction"),
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// IsBlocked reports whether the trimmed value is blacklisted under any kind. A failed read does
// not block the search.
func (f *Filter) IsBlocked(ctx context.Context, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	blocked, err := f.store.BlacklistEntryExists(ctx, value)
	if err != nil {
		f.log.WithError(err).Warn("blacklist read failed, treating value as not blocked")
		return false
	}
	return blocked
}

// Stall waits out the artificial delay, returning early if ctx is cancelled.
func (f *Filter) Stall(ctx context.Context) error {
	d := f.delay.next()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Filter) Add(ctx context.Context, value string, kind shared.QueryKind, reason string) (*shared.BlacklistEntry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("cannot blacklist an empty value")
	}
	if reason == "" {
		reason = DefaultReason
	}
	entry := &shared.BlacklistEntry{Value: value, Kind: kind, Reason: reason}
	if err := f.store.BlacklistEntryCreate(ctx, entry); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInterdicted, value)
		}
		return nil, database.NewStoreError("blacklist add", err)
	}
	f.log.WithFields(logrus.Fields{"value": value, "kind": kind}).Info("value interdicted")
	return entry, nil
}

func (f *Filter) Remove(ctx context.Context, id string) error {
	if err := f.store.BlacklistEntryDelete(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return err
		}
		return database.NewStoreError("blacklist remove", err)
	}
	f.log.WithField("id", id).Info("interdiction lifted")
	return nil
}

func (f *Filter) List(ctx context.Context) ([]*shared.BlacklistEntry, error) {
	entries, err := f.store.BlacklistEntryList(ctx)
	if err != nil {
		return nil, database.NewStoreError("blacklist list", err)
	}
	return entries, nil
}
